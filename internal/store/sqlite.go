// ABOUTME: SQLite implementation of the Store contract using modernc.org/sqlite
// ABOUTME: Atomic counters, challenges and ledgers via single statements or transactions

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is created if it doesn't exist and parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers so read-check-write
	// transactions cannot interleave.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                  TEXT PRIMARY KEY,
			public_key          TEXT NOT NULL,
			key_fingerprint     TEXT NOT NULL UNIQUE,
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
			updated_at          TEXT NOT NULL,

			CHECK (status IN ('pending', 'active', 'suspended', 'banned'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS challenges (
			public_key TEXT PRIMARY KEY,
			nonce      TEXT NOT NULL,
			purpose    TEXT NOT NULL DEFAULT 'register',
			payload    BLOB,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rate_windows (
			counter_key  TEXT PRIMARY KEY,
			window_index INTEGER NOT NULL,
			count        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS spend_ledger (
			agent_id   TEXT NOT NULL,
			period_key TEXT NOT NULL,
			amount     TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, period_key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations upgrades databases created before a column existed.
// Each step is idempotent.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('agents') WHERE name = 'key_fingerprint'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking key_fingerprint column: %w", err)
	}

	// Rows written before fingerprints were recorded keep their public key
	// as the identity value, matching Agent.IdentityKey.
	steps := []string{
		`ALTER TABLE agents ADD COLUMN key_fingerprint TEXT`,
		`UPDATE agents SET key_fingerprint = public_key WHERE key_fingerprint IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_key_fingerprint ON agents(key_fingerprint)`,
	}
	for _, stmt := range steps {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("adding key_fingerprint column: %w", err)
		}
	}
	s.logger.Info("applied migration", "column", "key_fingerprint", "table", "agents")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying handle for tests and diagnostics
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const agentColumns = `id, public_key, key_fingerprint, algorithm, scopes_json, status, reputation, x402_wallet,
	metadata_json, rate_limit_requests, rate_limit_window_ms, api_key_hash, created_at, updated_at`

// CreateAgent inserts a new agent
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	scopes := agent.ScopesGranted
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshaling scopes: %w", err)
	}
	var metadataJSON sql.NullString
	if len(agent.Metadata) > 0 {
		b, err := json.Marshal(agent.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	var rlRequests, rlWindow sql.NullInt64
	if agent.RateLimit != nil {
		rlRequests = sql.NullInt64{Int64: int64(agent.RateLimit.Requests), Valid: true}
		rlWindow = sql.NullInt64{Int64: agent.RateLimit.Window.Milliseconds(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.PublicKey,
		agent.IdentityKey(),
		agent.Algorithm,
		string(scopesJSON),
		string(agent.Status),
		agent.Reputation,
		nullString(agent.X402Wallet),
		metadataJSON,
		rlRequests,
		rlWindow,
		nullString(agent.APIKeyHash),
		agent.CreatedAt.UTC().Format(time.RFC3339Nano),
		agent.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "x402_wallet") {
				return ErrDuplicateWallet
			}
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "algorithm", agent.Algorithm)
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

// GetAgentByKeyFingerprint retrieves an agent by the fingerprint of its key
func (s *SQLiteStore) GetAgentByKeyFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	return s.getAgentWhere(ctx, "key_fingerprint = ?", fingerprint)
}

// GetAgentByWallet retrieves an agent by its x402 wallet
func (s *SQLiteStore) GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	return s.getAgentWhere(ctx, "x402_wallet = ?", wallet)
}

// GetAgentByAPIKeyHash retrieves an agent by the hash of its API key
func (s *SQLiteStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	return s.getAgentWhere(ctx, "api_key_hash = ?", hash)
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where, arg)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// UpdateAgentStatus sets an agent's lifecycle status
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated agent status", "id", id, "status", status)
	return nil
}

// ListAgents returns agents ordered by creation time
func (s *SQLiteStore) ListAgents(ctx context.Context, filter ListAgentsFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                    Agent
		scopesJSON, status   string
		wallet, metadataJSON sql.NullString
		apiKeyHash           sql.NullString
		rlRequests, rlWindow sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.ID, &a.PublicKey, &a.KeyFingerprint, &a.Algorithm, &scopesJSON, &status, &a.Reputation, &wallet,
		&metadataJSON, &rlRequests, &rlWindow, &apiKeyHash, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = AgentStatus(status)
	a.X402Wallet = wallet.String
	a.APIKeyHash = apiKeyHash.String
	if err := json.Unmarshal([]byte(scopesJSON), &a.ScopesGranted); err != nil {
		return nil, fmt.Errorf("parsing scopes: %w", err)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	if rlRequests.Valid && rlWindow.Valid {
		a.RateLimit = &RateLimit{
			Requests: int(rlRequests.Int64),
			Window:   time.Duration(rlWindow.Int64) * time.Millisecond,
		}
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// SaveChallenge upserts the challenge for a public key
func (s *SQLiteStore) SaveChallenge(ctx context.Context, ch *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (public_key, nonce, purpose, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			nonce = excluded.nonce,
			purpose = excluded.purpose,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`,
		ch.PublicKey,
		ch.Nonce,
		string(ch.Purpose),
		ch.Payload,
		ch.CreatedAt.UTC().Format(time.RFC3339Nano),
		ch.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving challenge: %w", err)
	}
	return nil
}

// GetChallenge returns the outstanding challenge for a public key
func (s *SQLiteStore) GetChallenge(ctx context.Context, publicKey string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT public_key, nonce, purpose, payload, created_at, expires_at FROM challenges WHERE public_key = ?
	`, publicKey)
	ch, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying challenge: %w", err)
	}
	return ch, nil
}

// TakeChallenge deletes and returns the challenge when the nonce matches
func (s *SQLiteStore) TakeChallenge(ctx context.Context, publicKey, nonce string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges WHERE public_key = ? AND nonce = ?
		RETURNING public_key, nonce, purpose, payload, created_at, expires_at
	`, publicKey, nonce)
	ch, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking challenge: %w", err)
	}
	return ch, nil
}

// DeleteChallenge removes any challenge for a public key
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, publicKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE public_key = ?`, publicKey); err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}

func scanChallenge(row rowScanner) (*Challenge, error) {
	var ch Challenge
	var createdAt, expiresAt, purpose string
	if err := row.Scan(&ch.PublicKey, &ch.Nonce, &purpose, &ch.Payload, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	ch.Purpose = ChallengePurpose(purpose)
	var err error
	if ch.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ch.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &ch, nil
}

// IncrementWindow atomically bumps a fixed-window counter
func (s *SQLiteStore) IncrementWindow(ctx context.Context, key string, window int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_windows (counter_key, window_index, count)
		VALUES (?, ?, 1)
		ON CONFLICT(counter_key) DO UPDATE SET
			count = CASE WHEN rate_windows.window_index = excluded.window_index
				THEN rate_windows.count + 1 ELSE 1 END,
			window_index = excluded.window_index
		RETURNING count
	`, key, window).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing window: %w", err)
	}
	return count, nil
}

// AdjustReputation applies a clamped delta in a single statement
func (s *SQLiteStore) AdjustReputation(ctx context.Context, agentID string, delta, min, max int) (int, error) {
	var rep int
	err := s.db.QueryRowContext(ctx, `
		UPDATE agents
		SET reputation = MAX(?, MIN(?, reputation + ?)), updated_at = ?
		WHERE id = ?
		RETURNING reputation
	`, min, max, delta, time.Now().UTC().Format(time.RFC3339Nano), agentID).Scan(&rep)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjusting reputation: %w", err)
	}
	return rep, nil
}

// ApplySpend checks hard limits and writes the ledger in one transaction
func (s *SQLiteStore) ApplySpend(ctx context.Context, agentID string, amount decimal.Decimal, buckets []SpendBucket) (*SpendOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	out, err := applySpend(amount, buckets, func(periodKey string) (decimal.Decimal, error) {
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT amount FROM spend_ledger WHERE agent_id = ? AND period_key = ?
		`, agentID, periodKey).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("reading ledger: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing ledger amount: %w", err)
		}
		return d, nil
	}, func(periodKey string, total decimal.Decimal) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO spend_ledger (agent_id, period_key, amount, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id, period_key) DO UPDATE SET
				amount = excluded.amount,
				updated_at = excluded.updated_at
		`, agentID, periodKey, total.String(), now)
		if err != nil {
			return fmt.Errorf("writing ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Applied {
		return out, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing spend: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
