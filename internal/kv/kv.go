// Package kv implements a durable key-value store backed by a single SQLite
// file. It behaves like a string-keyed dictionary whose values are arbitrary
// JSON-like documents, plus one serialized atomic-increment primitive.
//
// A Store is a stateless handle (path, table, timeout): every operation opens
// its own connection scope and releases it before returning, so one Store may
// be shared freely across goroutines, and separate Stores in separate
// processes may point at the same file. SQLite's file-level lock is the sole
// arbiter of concurrent access.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTable is the table used when no namespace is given.
	DefaultTable = "default"

	// DefaultTimeout bounds the wait for the backing file's lock at
	// connection-open time.
	DefaultTimeout = 60 * time.Second
)

// uriPrefix allows sqlite:///path style locations alongside plain paths.
const uriPrefix = "sqlite:///"

// Store is a handle on one table inside one backing file.
type Store struct {
	path    string
	table   string
	qtable  string // quoted identifier, safe to splice into statements
	timeout time.Duration
}

// Entry is one key-value pair from an ordered scan.
type Entry struct {
	Key   string
	Value any
}

// Option configures a Store before the schema bootstrap runs.
type Option func(*Store)

// WithTable selects the logical namespace inside the backing file.
// Hyphens are normalized to underscores.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithTimeout overrides the lock-acquisition timeout for every scope this
// Store opens.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Open normalizes the path, creates the parent directory, bootstraps the
// schema, and returns a ready Store. In-memory targets are rejected:
// durability is the point.
func Open(path string, opts ...Option) (*Store, error) {
	p := strings.TrimPrefix(path, uriPrefix)
	if p == "" || p == ":memory:" {
		return nil, fmt.Errorf("kv: in-memory database not supported, need a file path")
	}
	if dir := filepath.Dir(p); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreIOError{Path: p, Err: err}
		}
	}

	s := &Store{path: p, table: DefaultTable, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == "" {
		s.table = DefaultTable
	}
	s.table = strings.ReplaceAll(s.table, "-", "_")
	s.qtable = quoteIdent(s.table)

	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the normalized backing file path.
func (s *Store) Path() string { return s.path }

// Table returns the sanitized table name.
func (s *Store) Table() string { return s.table }

// Set upserts: insert if absent, overwrite if present.
func (s *Store) Set(key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	text, err := Encode(value)
	if err != nil {
		return err
	}
	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)`, s.qtable)
	if _, err := w.tx.Exec(stmt, key, text); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return w.commit()
}

// SetDefault inserts only if the key is absent; an existing value is left
// untouched and no error is returned.
func (s *Store) SetDefault(key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	text, err := Encode(value)
	if err != nil {
		return err
	}
	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	stmt := fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)`, s.qtable)
	if _, err := w.tx.Exec(stmt, key, text); err != nil {
		return fmt.Errorf("set default %q: %w", key, err)
	}
	return w.commit()
}

// Get returns the decoded value for key, or fallback when the key is absent.
// A miss is not an error.
func (s *Store) Get(key string, fallback any) (any, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	raw, err := s.lookup(r.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decodeStored(key, raw)
}

// GetStrict is Get without a fallback: a miss fails with KeyNotFoundError.
func (s *Store) GetStrict(key string) (any, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	raw, err := s.lookup(r.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &KeyNotFoundError{Key: key}
	}
	if err != nil {
		return nil, err
	}
	return s.decodeStored(key, raw)
}

// Has reports whether key exists. No decode happens.
func (s *Store) Has(key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	r, err := s.openRead()
	if err != nil {
		return false, err
	}
	defer r.close()
	_, err = s.lookup(r.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the row for key. A missing key fails with KeyNotFoundError
// unless ignoreMissing is set.
func (s *Store) Remove(key string, ignoreMissing bool) error {
	if err := checkKey(key); err != nil {
		return err
	}
	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.qtable)
	res, err := w.tx.Exec(stmt, key)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	if n == 0 && !ignoreMissing {
		return &KeyNotFoundError{Key: key}
	}
	return w.commit()
}

// Keys returns every key, in whatever order the engine yields them.
func (s *Store) Keys() ([]string, error) {
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	rows, err := r.db.Query(fmt.Sprintf(`SELECT key FROM %s`, s.qtable))
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return keys, nil
}

// KeyRange returns the keys with low <= key <= high under the engine's byte
// ordering for the key column. Both bounds are inclusive; an empty range is
// an empty result, not an error.
func (s *Store) KeyRange(low, high string) ([]string, error) {
	if err := checkKey(low); err != nil {
		return nil, err
	}
	if err := checkKey(high); err != nil {
		return nil, err
	}
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	stmt := fmt.Sprintf(`SELECT key FROM %s WHERE key BETWEEN ? AND ?`, s.qtable)
	rows, err := r.db.Query(stmt, low, high)
	if err != nil {
		return nil, fmt.Errorf("key range: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("key range: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("key range: %w", err)
	}
	return keys, nil
}

// DictRange is KeyRange with decoded values, as a map.
func (s *Store) DictRange(low, high string) (map[string]any, error) {
	entries, err := s.GetRange(low, high)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// GetRange is KeyRange with decoded values, preserving the engine's scan
// order as an ordered sequence.
func (s *Store) GetRange(low, high string) ([]Entry, error) {
	if err := checkKey(low); err != nil {
		return nil, err
	}
	if err := checkKey(high); err != nil {
		return nil, err
	}
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	stmt := fmt.Sprintf(`SELECT key, value FROM %s WHERE key BETWEEN ? AND ?`, s.qtable)
	rows, err := r.db.Query(stmt, low, high)
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, fmt.Errorf("get range: %w", err)
		}
		v, err := s.decodeStored(k, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: k, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	return entries, nil
}

// GetMany does batch point lookups within one read scope. Absent keys are
// simply absent from the result.
func (s *Store) GetMany(keys []string) (map[string]any, error) {
	for _, k := range keys {
		if err := checkKey(k); err != nil {
			return nil, err
		}
	}
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		raw, err := s.lookup(r.db, k)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := s.decodeStored(k, raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Update upserts every pair of m in one transaction. All keys are validated
// first, so either nothing is attempted or the whole batch commits together.
func (s *Store) Update(m map[string]any) error {
	return s.writeBatch(m, `INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)`)
}

// InsertOrIgnore inserts the absent keys of m in one transaction; existing
// keys keep their prior values.
func (s *Store) InsertOrIgnore(m map[string]any) error {
	return s.writeBatch(m, `INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)`)
}

func (s *Store) writeBatch(m map[string]any, stmtFmt string) error {
	for k := range m {
		if err := checkKey(k); err != nil {
			return err
		}
	}
	type record struct {
		key  string
		text string
	}
	records := make([]record, 0, len(m))
	for k, v := range m {
		text, err := Encode(v)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", k, err)
		}
		records = append(records, record{key: k, text: text})
	}

	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	stmt, err := w.tx.Prepare(fmt.Sprintf(stmtFmt, s.qtable))
	if err != nil {
		return fmt.Errorf("batch write: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err := stmt.Exec(rec.key, rec.text); err != nil {
			return fmt.Errorf("batch write %q: %w", rec.key, err)
		}
	}
	return w.commit()
}

// Clear deletes every row in one statement. The table itself stays.
func (s *Store) Clear() error {
	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()
	if _, err := w.tx.Exec(fmt.Sprintf(`DELETE FROM %s`, s.qtable)); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return w.commit()
}

// AtomicAdd adds delta to the number stored under key, inserting delta if the
// key is absent. The whole read-modify-write runs under one exclusive write
// scope, so concurrent adds are linearizable: N adds against initial value v0
// always leave v0 plus the sum of the deltas, for any interleaving.
//
// A stored value that is not a bare number fails with TypeMismatchError
// rather than leaning on the engine's text-to-number coercion.
func (s *Store) AtomicAdd(key string, delta int64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	w, err := s.openWrite()
	if err != nil {
		return err
	}
	defer w.close()

	var raw string
	err = w.tx.QueryRow(
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.qtable), key,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stmt := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)`, s.qtable)
		if _, err := w.tx.Exec(stmt, key, strconv.FormatInt(delta, 10)); err != nil {
			return fmt.Errorf("atomic add %q: %w", key, err)
		}
	case err != nil:
		return fmt.Errorf("atomic add %q: %w", key, err)
	default:
		v, err := s.decodeStored(key, raw)
		if err != nil {
			return err
		}
		switch v.(type) {
		case int64, float64:
			// Numeric: let the engine do the arithmetic. The TEXT column
			// converts the numeric result back to its canonical literal.
		default:
			return &TypeMismatchError{Key: key}
		}
		stmt := fmt.Sprintf(`UPDATE %s SET value = value + ? WHERE key = ?`, s.qtable)
		if _, err := w.tx.Exec(stmt, delta, key); err != nil {
			return fmt.Errorf("atomic add %q: %w", key, err)
		}
	}
	return w.commit()
}

// ToDict reads the whole table in one scope and decodes every value.
func (s *Store) ToDict() (map[string]any, error) {
	r, err := s.openRead()
	if err != nil {
		return nil, err
	}
	defer r.close()
	rows, err := r.db.Query(fmt.Sprintf(`SELECT key, value FROM %s`, s.qtable))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()
	out := map[string]any{}
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		v, err := s.decodeStored(k, raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return out, nil
}

// Len returns the number of stored pairs.
func (s *Store) Len() (int, error) {
	r, err := s.openRead()
	if err != nil {
		return 0, err
	}
	defer r.close()
	var n int
	if err := r.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.qtable)).Scan(&n); err != nil {
		return 0, fmt.Errorf("len: %w", err)
	}
	return n, nil
}

// Dump renders the full contents deterministically: "{}" when empty,
// otherwise an indented, key-sorted dump.
func (s *Store) Dump() (string, error) {
	m, err := s.ToDict()
	if err != nil {
		return "", err
	}
	return renderDump(m)
}

// String implements fmt.Stringer over Dump. Errors surface in the output
// since Stringer cannot return them.
func (s *Store) String() string {
	out, err := s.Dump()
	if err != nil {
		return fmt.Sprintf("kv.Store(%s: %v)", s.path, err)
	}
	return out
}

// lookup is the shared point read. Returns sql.ErrNoRows on a miss.
func (s *Store) lookup(db *sql.DB, key string) (string, error) {
	var raw string
	err := db.QueryRow(
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.qtable), key,
	).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup %q: %w", key, err)
	}
	return raw, err
}

func (s *Store) decodeStored(key, raw string) (any, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, &DecodeError{Key: key, Err: err}
	}
	return v, nil
}

// checkKey validates a key before any I/O happens. The empty string is the
// one degenerate identity a string-typed API can still express.
func checkKey(key string) error {
	if key == "" {
		return &InvalidKeyError{Key: key}
	}
	return nil
}

// quoteIdent makes a table name safe to splice into a statement.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
