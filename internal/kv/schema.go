package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// createTableStmt is the whole on-disk schema: one two-column table per
// logical namespace. The key is the primary identity; the engine enforces
// uniqueness.
const createTableStmt = `CREATE TABLE %s (key TEXT PRIMARY KEY UNIQUE NOT NULL, value TEXT)`

// ensureTable bootstraps the backing table on first use. It is idempotent and
// tolerant of a racing initializer: if the table appears between the catalog
// check and the CREATE, the engine's "already exists" error is swallowed.
// Any other bootstrap failure propagates.
func (s *Store) ensureTable() error {
	r, err := s.openRead()
	if err != nil {
		return err
	}
	var name string
	err = r.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, s.table,
	).Scan(&name)
	r.close()
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check table %s: %w", s.table, err)
	}

	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	if _, err := w.tx.Exec(fmt.Sprintf(createTableStmt, s.qtable)); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return w.commit()
}
