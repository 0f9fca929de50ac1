package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wagateway/engine/internal/engineerr"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over database/sql + modernc.org/sqlite
// (WAL mode, shared cache, foreign keys on), with the initial connect
// wrapped in exponential backoff.
type SQLiteStore struct {
	db *sql.DB
}

// baseSchema is the minimum instances schema. Columns
// added by later revisions are added by migrate(), never by editing
// this statement, since "the core migrates missing columns at startup".
const baseSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	name TEXT,
	webhook_url TEXT,
	sistema_url TEXT,
	api_token TEXT,
	phone TEXT,
	enabled BOOLEAN DEFAULT TRUE,
	connection_status TEXT DEFAULT 'DISCONNECTED',
	last_connection_at TIMESTAMP,
	last_disconnect_reason TEXT,
	reconnect_attempts INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Open connects to dsn with retry, mirroring main.go's
// backoff.NewExponentialBackOff()-wrapped sqlstore.New call.
func Open(dsn string) (*SQLiteStore, error) {
	var db *sql.DB
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 25 * time.Second
	b.InitialInterval = time.Second

	err := backoff.Retry(func() error {
		var openErr error
		db, openErr = sql.Open("sqlite", dsn)
		if openErr != nil {
			return openErr
		}
		return db.Ping()
	}, b)
	if err != nil {
		return nil, fmt.Errorf("open metadata store after retries: %w", err)
	}

	if _, err := db.Exec(baseSchema); err != nil {
		return nil, fmt.Errorf("create instances table: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate instances table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// migrate adds any column baseSchema's CREATE TABLE IF NOT EXISTS would
// have added on a fresh database, but a pre-existing table predates.
func migrate(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(instances)`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()

	wanted := []struct{ name, ddl string }{
		{"name", "ALTER TABLE instances ADD COLUMN name TEXT"},
		{"webhook_url", "ALTER TABLE instances ADD COLUMN webhook_url TEXT"},
		{"sistema_url", "ALTER TABLE instances ADD COLUMN sistema_url TEXT"},
		{"api_token", "ALTER TABLE instances ADD COLUMN api_token TEXT"},
		{"phone", "ALTER TABLE instances ADD COLUMN phone TEXT"},
		{"enabled", "ALTER TABLE instances ADD COLUMN enabled BOOLEAN DEFAULT TRUE"},
		{"connection_status", "ALTER TABLE instances ADD COLUMN connection_status TEXT DEFAULT 'DISCONNECTED'"},
		{"last_connection_at", "ALTER TABLE instances ADD COLUMN last_connection_at TIMESTAMP"},
		{"last_disconnect_reason", "ALTER TABLE instances ADD COLUMN last_disconnect_reason TEXT"},
		{"reconnect_attempts", "ALTER TABLE instances ADD COLUMN reconnect_attempts INTEGER DEFAULT 0"},
		{"created_at", "ALTER TABLE instances ADD COLUMN created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP"},
	}
	for _, col := range wanted {
		if !existing[col.name] {
			if _, err := db.Exec(col.ddl); err != nil {
				return fmt.Errorf("add column %s: %w", col.name, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, webhook_url, sistema_url, api_token, phone,
		enabled, connection_status, last_connection_at, last_disconnect_reason, reconnect_attempts, created_at
		FROM instances WHERE id = ?`, id)
	var rec InstanceRecord
	var lastConn sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Name, &rec.WebhookURL, &rec.SistemaURL, &rec.APIToken, &rec.Phone,
		&rec.Enabled, &rec.ConnectionStatus, &lastConn, &rec.LastDisconnectReason, &rec.ReconnectAttempts, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return InstanceRecord{}, engineerr.ErrNotFound
		}
		return InstanceRecord{}, err
	}
	if lastConn.Valid {
		rec.LastConnectionAt = &lastConn.Time
	}
	return rec, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO instances
		(id, name, webhook_url, sistema_url, api_token, phone, enabled, connection_status,
		 last_connection_at, last_disconnect_reason, reconnect_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, webhook_url=excluded.webhook_url, sistema_url=excluded.sistema_url,
			api_token=excluded.api_token, phone=excluded.phone, enabled=excluded.enabled,
			connection_status=excluded.connection_status, last_connection_at=excluded.last_connection_at,
			last_disconnect_reason=excluded.last_disconnect_reason, reconnect_attempts=excluded.reconnect_attempts`,
		rec.ID, rec.Name, rec.WebhookURL, rec.SistemaURL, rec.APIToken, rec.Phone, rec.Enabled,
		rec.ConnectionStatus, rec.LastConnectionAt, rec.LastDisconnectReason, rec.ReconnectAttempts, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status string, reason string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET connection_status = ?, last_disconnect_reason = ?, reconnect_attempts = ? WHERE id = ?`,
		status, reason, attempts, id)
	return err
}

func (s *SQLiteStore) SetPhone(ctx context.Context, id string, phone string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET phone = ? WHERE id = ?`, phone, id)
	return err
}

func (s *SQLiteStore) TouchConnected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET last_connection_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]InstanceRecord, error) {
	return s.list(ctx, `WHERE enabled = TRUE`)
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]InstanceRecord, error) {
	return s.list(ctx, ``)
}

func (s *SQLiteStore) list(ctx context.Context, where string) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, webhook_url, sistema_url, api_token, phone,
		enabled, connection_status, last_connection_at, last_disconnect_reason, reconnect_attempts, created_at
		FROM instances `+where)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		var rec InstanceRecord
		var lastConn sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.WebhookURL, &rec.SistemaURL, &rec.APIToken, &rec.Phone,
			&rec.Enabled, &rec.ConnectionStatus, &lastConn, &rec.LastDisconnectReason, &rec.ReconnectAttempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if lastConn.Valid {
			rec.LastConnectionAt = &lastConn.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
