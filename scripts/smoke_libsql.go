//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/otagon/otagon/config"
	"github.com/ZanzyTHEbar/otagon/otagon/db"
	"github.com/ZanzyTHEbar/otagon/otagon/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeLibSQL opens an embedded database in dir, migrates it and round
// trips a cache entry and a conversation.
func RunSmokeLibSQL(dir string) {
	fmt.Println("Smoke test: LibSQL storage")
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	database, err := db.Open(ctx, config.DatabaseConfig{
		DSN:         "file:" + filepath.Join(dir, "smoke.db"),
		Type:        "libsql",
		AutoMigrate: true,
	}, logger)
	must(err, "open")
	defer database.Close()

	var v int
	must(database.QueryRowContext(ctx, "SELECT 1").Scan(&v), "basic SELECT")
	if v != 1 {
		log.Fatalf("basic SELECT returned %v", v)
	}
	fmt.Println("OK: basic SQL")

	var jsonRes string
	must(database.QueryRowContext(ctx, "SELECT json_extract('{\"test\":\"value\"}', '$.test')").Scan(&jsonRes), "JSON1 query")
	if jsonRes != "value" {
		log.Fatalf("JSON1 returned unexpected: %v", jsonRes)
	}
	fmt.Println("OK: JSON1")

	version, err := db.MigrationVersion(ctx, database)
	must(err, "migration version")
	fmt.Printf("OK: migrations at version %d\n", version)

	cache := adapters.NewSQLResponseCache(database)
	now := time.Now()
	must(cache.Put(ctx, ports.CacheEntry{
		Key:       "smoke",
		Response:  ports.AIResponse{Content: "smoke answer"},
		CacheType: ports.CacheGlobal,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}), "cache put")
	entry, ok, err := cache.Get(ctx, "smoke")
	must(err, "cache get")
	if !ok || entry.Response.Content != "smoke answer" {
		log.Fatalf("cache round trip failed: ok=%v entry=%+v", ok, entry)
	}
	fmt.Println("OK: response cache")

	store := adapters.NewSQLConversationStore(database)
	must(store.Save(ctx, &ports.Conversation{
		ID:        "smoke-conv",
		Title:     "Smoke",
		Messages:  []ports.ChatMessage{{ID: "m1", Role: ports.RoleUser, Content: "hi", Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}), "conversation save")
	conv, err := store.Load(ctx, "smoke-conv")
	must(err, "conversation load")
	if len(conv.Messages) != 1 {
		log.Fatalf("conversation round trip returned %d messages", len(conv.Messages))
	}
	fmt.Println("OK: conversation store")

	fmt.Println("Smoke checks completed.")
}
