package kv

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// A connection scope is a bounded-lifetime handle on the backing file: each
// operation opens its own scope, runs its statements, and releases the
// connection on every exit path. The Store keeps nothing open between calls.
//
// Read scopes currently take the same file-level lock as writes, so readers
// serialize against each other. A shared-lock mode would raise throughput but
// correctness does not depend on it.

type readScope struct {
	db *sql.DB
}

type writeScope struct {
	db        *sql.DB
	tx        *sql.Tx
	committed bool
}

// openRead opens a plain connection with no isolation directive.
func (s *Store) openRead() (*readScope, error) {
	db, err := s.openDB(false)
	if err != nil {
		return nil, err
	}
	return &readScope{db: db}, nil
}

// openWrite opens a connection and starts one exclusive transaction before
// any statement runs. The exclusive lock is SQLite's own file lock, so it
// also serializes against other processes touching the same file.
func (s *Store) openWrite() (*writeScope, error) {
	db, err := s.openDB(true)
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, &StoreIOError{Path: s.path, Err: err}
	}
	return &writeScope{db: db, tx: tx}, nil
}

// openDB opens the backing file and applies the acquisition timeout as a
// busy_timeout pragma. When exclusive is set the driver issues BEGIN EXCLUSIVE
// for transactions started on this handle.
func (s *Store) openDB(exclusive bool) (*sql.DB, error) {
	dsn := "file:" + s.path
	if exclusive {
		dsn += "?_txlock=exclusive"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreIOError{Path: s.path, Err: err}
	}

	// SQLite only supports one writer at a time; a single pooled connection
	// keeps every statement of the scope on the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", s.timeout.Milliseconds())); err != nil {
		db.Close()
		return nil, &StoreIOError{Path: s.path, Err: err}
	}
	return db, nil
}

func (r *readScope) close() {
	r.db.Close()
}

// commit ends the transaction; close becomes a plain release afterwards.
func (w *writeScope) commit() error {
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.committed = true
	return nil
}

// close rolls back the outstanding transaction unless commit ran, then
// releases the connection. Safe to defer unconditionally.
func (w *writeScope) close() {
	if !w.committed {
		w.tx.Rollback()
	}
	w.db.Close()
}
