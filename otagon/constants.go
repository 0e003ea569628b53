// Package otagon holds process-wide defaults shared by the config, db and CLI layers.
package otagon

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "otagon"
	DefaultDatabaseType = "libsql"
	DefaultModel        = "gemini-2.5-flash"
	DefaultProxyURL     = "http://localhost:8787/v1/ai"
	DefaultServerAddr   = ":8787"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultCacheDir    = filepath.Join(userCacheDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(DefaultCacheDir, "db")
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDatabaseDir, "otagon.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
