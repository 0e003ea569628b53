package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/otagon/otagon"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultAppName, cfg.App.Name)
	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Database.DSN)
	assert.Equal(suite.T(), internal.DefaultDatabaseType, cfg.Database.Type)
	assert.Equal(suite.T(), internal.DefaultProxyURL, cfg.Proxy.URL)
	assert.Equal(suite.T(), 2048, cfg.Proxy.MaxTokens)
	assert.InDelta(suite.T(), 0.7, float64(cfg.Proxy.Temperature), 0.0001)
	assert.Equal(suite.T(), 168*time.Hour, cfg.Harness.GlobalTTL)
	assert.Equal(suite.T(), 24*time.Hour, cfg.Harness.GameSpecificTTL)
	assert.Equal(suite.T(), 12*time.Hour, cfg.Harness.UserTTL)
	assert.Equal(suite.T(), time.Second, cfg.Harness.RateLimitRefillRate)
	assert.Equal(suite.T(), 8, cfg.Harness.CacheWriteWorkers)
	assert.Equal(suite.T(), DefaultSummarizerConfig(), cfg.Summarizer)
	assert.Equal(suite.T(), internal.DefaultServerAddr, cfg.Server.Addr)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
database:
  dsn: "file:test.db"
  type: "postgres"
proxy:
  model: "gemini-2.5-pro"
summarizer:
  max_words: 200
  recent_window: 4
harness:
  cache_capacity: 50
`
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(configContent), 0o644))

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "file:test.db", cfg.Database.DSN)
	assert.Equal(suite.T(), "postgres", cfg.Database.Type)
	assert.Equal(suite.T(), "gemini-2.5-pro", cfg.Proxy.Model)
	assert.Equal(suite.T(), 200, cfg.Summarizer.MaxWords)
	assert.Equal(suite.T(), 4, cfg.Summarizer.RecentWindow)
	assert.Equal(suite.T(), 3, cfg.Summarizer.TriggerMultiplier)
	assert.Equal(suite.T(), 50, cfg.Harness.CacheCapacity)
}

func (suite *ConfigTestSuite) TestLoadConfigFromWorkingDirectory() {
	configContent := "proxy:\n  url: \"http://proxy.local/v1/ai\"\n"
	require.NoError(suite.T(), os.WriteFile(filepath.Join(suite.tempDir, "config.yaml"), []byte(configContent), 0o644))

	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "http://proxy.local/v1/ai", cfg.Proxy.URL)
}

func (suite *ConfigTestSuite) TestLoadConfigEnvOverride() {
	suite.T().Setenv("PROXY_AUTH_TOKEN", "secret-token")
	suite.T().Setenv("SUMMARIZER_RECENT_WINDOW", "12")

	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "secret-token", cfg.Proxy.AuthToken)
	assert.Equal(suite.T(), 12, cfg.Summarizer.RecentWindow)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	malformed := "proxy:\n  url: [unclosed\n"
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(malformed), 0o644))

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestAppConfigUpdated() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), *cfg, AppConfig)
}
