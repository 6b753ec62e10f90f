package store

import (
	"database/sql"
	"fmt"
)

// migrate applies forward-only schema migrations on top of the baseline
// CREATE TABLE IF NOT EXISTS in schema. Each migration checks for its own
// column before adding it, so re-running against an up-to-date database is
// a no-op.
func migrate(db *sql.DB) error {
	if err := addColumnIfMissing(db, "tasks", "consecutive_failures", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "logs", "sync_mode", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, ddl string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// EncryptFunc and LooksEncryptedFunc let callers supply secretbox.Encrypt /
// secretbox.LooksEncrypted without this package importing pkg/secretbox
// directly, keeping the dependency one-directional (engine depends on
// both, store depends on neither).
type EncryptFunc func(plaintext string) (string, error)
type LooksEncryptedFunc func(s string) bool

// MigratePasswords rewrites any plaintext password_ct column to ciphertext,
// the second migration pass named in spec §6's persistent-state layout.
func (s *Store) MigratePasswords(encrypt EncryptFunc, looksEncrypted LooksEncryptedFunc) error {
	rows, err := s.db.Query("SELECT id, password_ct FROM tasks")
	if err != nil {
		return fmt.Errorf("store: migrate passwords: list tasks: %w", err)
	}
	type pending struct {
		id       int64
		password string
	}
	var toFix []pending
	for rows.Next() {
		var id int64
		var password string
		if err := rows.Scan(&id, &password); err != nil {
			rows.Close()
			return fmt.Errorf("store: migrate passwords: scan: %w", err)
		}
		if password != "" && !looksEncrypted(password) {
			toFix = append(toFix, pending{id: id, password: password})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range toFix {
		ct, err := encrypt(p.password)
		if err != nil {
			return fmt.Errorf("store: migrate passwords: encrypt task %d: %w", p.id, err)
		}
		if _, err := s.db.Exec("UPDATE tasks SET password_ct=? WHERE id=?", ct, p.id); err != nil {
			return fmt.Errorf("store: migrate passwords: update task %d: %w", p.id, err)
		}
		s.logger.Info().Int64("task_id", p.id).Msg("re-encrypted plaintext password")
	}
	return nil
}
