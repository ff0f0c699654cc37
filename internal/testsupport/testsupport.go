// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"recpost/internal/config"
	"recpost/internal/store"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Worker.DivisionID = "division-test"
	cfg.Genesys.ClientID = "test-client"
	cfg.Genesys.ClientSecret = "test-secret"
	cfg.Genesys.Region = "example.test"
	cfg.Paths.RecordingDir = filepath.Join(base, "recordings")
	cfg.Paths.TempDir = filepath.Join(base, "tmp")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DatabasePath = filepath.Join(base, "recpost.db")
	cfg.SFTP.Host = "archive.test"
	cfg.SFTP.Username = "archiver"
	cfg.Web.Username = "admin"
	cfg.Web.Password = "secret"

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithScreenRecording enables screen-recording retrieval on the test config.
func WithScreenRecording() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Genesys.ScreenRecordingEnabled = true
	}
}

// MustOpenStore opens a store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// SeedConversation inserts a conversation and its division membership.
func SeedConversation(t testing.TB, st *store.Store, divisionID, conversationID string, endedAt time.Time, posted bool) {
	t.Helper()

	ctx := context.Background()
	conv := store.Conversation{
		ConversationID: conversationID,
		EndedAt:        endedAt,
		Posted:         posted,
	}
	if posted {
		at := endedAt.Add(time.Hour)
		conv.PostedAt = &at
	}
	if err := st.Insert(ctx, conv); err != nil {
		t.Fatalf("Insert conversation %s: %v", conversationID, err)
	}
	if err := st.AddDivision(ctx, divisionID, conversationID); err != nil {
		t.Fatalf("AddDivision %s: %v", conversationID, err)
	}
}
