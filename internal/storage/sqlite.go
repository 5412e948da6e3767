package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite would otherwise return SQLITE_BUSY
	// under concurrent campaign runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			daily_limit INTEGER NOT NULL DEFAULT 100,
			monthly_limit INTEGER NOT NULL DEFAULT 3000,
			messages_used_today INTEGER NOT NULL DEFAULT 0,
			messages_used_month INTEGER NOT NULL DEFAULT 0,
			wa_connected INTEGER NOT NULL DEFAULT 0,
			wa_number TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS contact_groups (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			group_id TEXT,
			phone TEXT NOT NULL,
			name TEXT,
			variables TEXT,
			is_blocked INTEGER NOT NULL DEFAULT 0,
			last_contacted TIMESTAMP,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(owner_id, phone),
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY(group_id) REFERENCES contact_groups(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			body TEXT,
			media_type TEXT,
			media_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			message TEXT,
			media_type TEXT,
			media_url TEXT,
			target_groups TEXT,
			target_contacts TEXT,
			target_numbers TEXT,
			min_delay_ms INTEGER NOT NULL DEFAULT 3000,
			max_delay_ms INTEGER NOT NULL DEFAULT 8000,
			batch_size INTEGER NOT NULL DEFAULT 50,
			batch_delay_ms INTEGER NOT NULL DEFAULT 60000,
			no_spintax INTEGER NOT NULL DEFAULT 0,
			total_contacts INTEGER NOT NULL DEFAULT 0,
			sent_count INTEGER NOT NULL DEFAULT 0,
			delivered_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			run_id TEXT,
			scheduled_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			campaign_id TEXT,
			phone TEXT NOT NULL,
			body TEXT NOT NULL,
			media_type TEXT,
			media_url TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			protocol_message_id TEXT,
			error TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			sent_at TIMESTAMP,
			delivered_at TIMESTAMP,
			read_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			body TEXT NOT NULL,
			media_type TEXT,
			media_url TEXT,
			scheduled_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			recurring INTEGER NOT NULL DEFAULT 0,
			recur_type TEXT,
			error TEXT,
			sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(owner_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_group ON contacts(group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_owner_status ON campaigns(owner_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_campaign ON messages(campaign_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_protocol ON messages(protocol_message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_owner_created ON messages(owner_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func encodeVars(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeVars(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}
