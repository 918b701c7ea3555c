// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers file creation, persistence across reopen and closed-store failures

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(ctx, testAgent("agent-1", "pk-1")))
	_, err = s.AdjustReputation(ctx, "agent-1", 5, 0, 100)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 55, got.Reputation)
}

func TestSQLiteStore_ClosedStoreIsNotNotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.GetAgent(context.Background(), "agent-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound), "store failures must not look like missing agents")
	assert.Error(t, s.Ping(context.Background()))
}

func TestSQLiteStore_NullableColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAgent("agent-1", "pk-1")
	a.Metadata = nil
	a.ScopesGranted = nil
	require.NoError(t, s.CreateAgent(ctx, a))
	require.NoError(t, s.CreateAgent(ctx, testAgent("agent-2", "pk-2")), "empty wallets and key hashes do not collide")

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, got.ScopesGranted)
	assert.Nil(t, got.Metadata)
	assert.Nil(t, got.RateLimit)
	assert.Empty(t, got.X402Wallet)
}

func TestSQLiteStore_MigratesKeyFingerprint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE agents (
			id                  TEXT PRIMARY KEY,
			public_key          TEXT NOT NULL UNIQUE,
			algorithm           TEXT NOT NULL,
			scopes_json         TEXT NOT NULL,
			status              TEXT NOT NULL,
			reputation          INTEGER NOT NULL,
			x402_wallet         TEXT UNIQUE,
			metadata_json       TEXT,
			rate_limit_requests INTEGER,
			rate_limit_window_ms INTEGER,
			api_key_hash        TEXT UNIQUE,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);
		INSERT INTO agents (id, public_key, algorithm, scopes_json, status, reputation, created_at, updated_at)
		VALUES ('agent-old', 'pk-old', 'ed25519', '["read"]', 'active', 50,
			'2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z');
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	got, err := s.GetAgentByKeyFingerprint(ctx, "pk-old")
	require.NoError(t, err)
	assert.Equal(t, "agent-old", got.ID)

	dup := testAgent("agent-new", "pk-new")
	dup.KeyFingerprint = "pk-old"
	assert.ErrorIs(t, s.CreateAgent(ctx, dup), ErrDuplicateAgent)

	// Reopening is a no-op once the column exists.
	require.NoError(t, s.Close())
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetAgentByKeyFingerprint(ctx, "pk-old")
	assert.NoError(t, err)
}
