package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps account and login records in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ session.AccountStore = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the pool serializes access instead of SQLite
	// returning "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// StoredAccounts returns every account row, active or not.
func (s *SQLiteStore) StoredAccounts(ctx context.Context) ([]session.StoredAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, name, phone, status, is_active, login_time, session_data
		FROM accounts ORDER BY updated_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []session.StoredAccount
	for rows.Next() {
		var (
			a         session.StoredAccount
			status    string
			loginTime sql.NullTime
		)
		if err := rows.Scan(&a.SessionID, &a.Name, &a.Phone, &status, &a.IsActive, &loginTime, &a.SessionData); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Status = session.Status(status)
		if loginTime.Valid {
			a.LoginTime = loginTime.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveSessions returns the login snapshots still marked active.
func (s *SQLiteStore) ActiveSessions(ctx context.Context) ([]session.StoredSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name, login_time, session_data
		FROM sessions WHERE is_active = 1 ORDER BY login_time`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.StoredSession
	for rows.Next() {
		var (
			v         session.StoredSession
			loginTime sql.NullTime
		)
		if err := rows.Scan(&v.UserID, &v.UserName, &loginTime, &v.SessionData); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if loginTime.Valid {
			v.LoginTime = loginTime.Time
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveSession upserts a login snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, v session.StoredSession) error {
	if v.UserID == "" {
		return errors.New("save session: user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, user_name, login_time, session_data, is_active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = excluded.user_name,
			login_time = excluded.login_time,
			session_data = excluded.session_data,
			is_active = 1`,
		v.UserID, v.UserName, nullTime(v.LoginTime), v.SessionData,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SaveAccountInfo upserts an account row. Empty name or phone values keep
// whatever was stored before.
func (s *SQLiteStore) SaveAccountInfo(ctx context.Context, a session.StoredAccount) error {
	if a.SessionID == "" {
		return errors.New("save account: session id is required")
	}
	status := string(a.Status)
	if status == "" {
		status = string(session.StatusDisconnected)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (session_id, name, phone, status, is_active, login_time, session_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN accounts.name ELSE excluded.name END,
			phone = CASE WHEN excluded.phone = '' THEN accounts.phone ELSE excluded.phone END,
			status = excluded.status,
			is_active = excluded.is_active,
			login_time = COALESCE(excluded.login_time, accounts.login_time),
			session_data = CASE WHEN excluded.session_data = '' THEN accounts.session_data ELSE excluded.session_data END,
			updated_at = excluded.updated_at`,
		a.SessionID, a.Name, a.Phone, status, a.IsActive, nullTime(a.LoginTime), a.SessionData, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// RemoveAccount deletes the account row and, when phone is set, the login
// snapshot for that number.
func (s *SQLiteStore) RemoveAccount(ctx context.Context, sessionID, phone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	if phone != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", phone); err != nil {
			return fmt.Errorf("remove account session: %w", err)
		}
	}
	return tx.Commit()
}

// ClearAllSessions drops every login snapshot.
func (s *SQLiteStore) ClearAllSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}
