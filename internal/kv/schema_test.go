package kv

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrap_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	s1, err := Open(path, WithTable("t"))
	require.NoError(t, err)
	require.NoError(t, s1.Set("k", "v"))

	// A second Open against the same file and table must not disturb data.
	s2, err := Open(path, WithTable("t"))
	require.NoError(t, err)
	v, err := s2.GetStrict("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestBootstrap_ConcurrentInitializers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Open(path, WithTable("raced")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("racing Open failed: %v", err)
	}

	s, err := Open(path, WithTable("raced"))
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
}

func TestBootstrap_ToleratesPreexistingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE pre (key TEXT PRIMARY KEY UNIQUE NOT NULL, value TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path, WithTable("pre"))
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
}

func TestMultipleTablesInOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite3")

	s1, err := Open(path, WithTable("first"))
	require.NoError(t, err)
	s2, err := Open(path, WithTable("second"))
	require.NoError(t, err)

	require.NoError(t, s1.Set("k", "one"))
	require.NoError(t, s2.Set("k", "two"))

	v, err := s1.GetStrict("k")
	require.NoError(t, err)
	assert.Equal(t, "one", v)
	v, err = s2.GetStrict("k")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestCorruptValueSurfacesDecodeError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("k", "v"))

	// Corrupt the stored text behind the store's back.
	db, err := sql.Open("sqlite", s.Path())
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE "table_name" SET value = 'not json' WHERE key = 'k'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.GetStrict("k")
	var de *DecodeError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "k", de.Key)

	// Snapshots surface the corruption too, never defaulting it away.
	_, err = s.ToDict()
	assert.True(t, errors.As(err, &de), "got %v", err)
}
