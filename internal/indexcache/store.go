// Package indexcache implements the persistent index cache (spec §4.3):
// an embedded single-file key/value store keyed by LocalEntry.key, with a
// dirty-set flush policy (every 5 minutes and at job end) grounded on the
// teacher's internal/sync/state.go (SQLite + goose migrations).
package indexcache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FlushInterval is the dirty-set flush period (spec §4.3).
const FlushInterval = 5 * time.Minute

// Entry is the persisted form of a LocalEntry (spec §3), one row per key.
type Entry struct {
	Key           string
	FullPath      string
	IsFile        bool
	Size          int64
	CreationTime  time.Time
	LastWriteTime time.Time
	IsHidden      bool
	IsReadOnly    bool
	Hash          string
	SHA1          string
}

// equalPersisted reports field-wise equality of all persisted columns
// (spec §4.3: "byte-for-byte of all persisted fields"), used by the
// scanner to decide whether a record is actually dirty before queuing it.
func (e Entry) equalPersisted(o Entry) bool {
	return e.FullPath == o.FullPath &&
		e.IsFile == o.IsFile &&
		e.Size == o.Size &&
		e.CreationTime.Equal(o.CreationTime) &&
		e.LastWriteTime.Equal(o.LastWriteTime) &&
		e.IsHidden == o.IsHidden &&
		e.IsReadOnly == o.IsReadOnly &&
		e.Hash == o.Hash &&
		e.SHA1 == o.SHA1
}

// Store is the embedded key/value index cache for one job
// (spec §6 filename: "cache_<jobId>.db").
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	dirty map[string]*Entry // nil value = pending delete

	stopFlush chan struct{}
	flushDone chan struct{}
}

// Open opens (creating if absent) the index cache DB at dbPath and runs
// migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("indexcache: opening %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexcache: setting WAL mode: %w", err)
	}

	if err := runMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		dirty:  make(map[string]*Entry),
	}

	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("indexcache: creating migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("indexcache: creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("indexcache: running migrations: %w", err)
	}

	return nil
}

// Close flushes any pending dirty set and closes the database (spec §4.3:
// "flushed ... at job end").
func (s *Store) Close() error {
	s.StopBackgroundFlush()

	if err := s.Flush(context.Background()); err != nil {
		return err
	}

	return s.db.Close()
}

// StartBackgroundFlush begins a ticker that flushes the dirty set every
// FlushInterval (spec §4.3). Call StopBackgroundFlush or Close to stop it.
func (s *Store) StartBackgroundFlush(ctx context.Context) {
	s.stopFlush = make(chan struct{})
	s.flushDone = make(chan struct{})

	go func() {
		defer close(s.flushDone)

		ticker := time.NewTicker(FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopFlush:
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Error("indexcache: periodic flush failed", "error", err)
				}
			}
		}
	}()
}

// StopBackgroundFlush stops the periodic flush ticker, if running.
func (s *Store) StopBackgroundFlush() {
	if s.stopFlush == nil {
		return
	}

	close(s.stopFlush)
	<-s.flushDone
	s.stopFlush = nil
}

// GetAll returns every persisted entry (spec §4.3 getAll()).
func (s *Store) GetAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, full_path, is_file, size, creation_time, last_write_time,
		       is_hidden, is_read_only, hash, sha1 FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("indexcache: GetAll query: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var isFile, isHidden, isReadOnly int
	var creation, lastWrite int64

	err := rows.Scan(&e.Key, &e.FullPath, &isFile, &e.Size, &creation, &lastWrite,
		&isHidden, &isReadOnly, &e.Hash, &e.SHA1)
	if err != nil {
		return Entry{}, fmt.Errorf("indexcache: scanning row: %w", err)
	}

	e.IsFile = isFile != 0
	e.IsHidden = isHidden != 0
	e.IsReadOnly = isReadOnly != 0
	e.CreationTime = time.Unix(0, creation)
	e.LastWriteTime = time.Unix(0, lastWrite)

	return e, nil
}

// Add stages e for insertion; it is not durable until Flush runs (spec
// §4.3 add(e)).
func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := e
	s.dirty[e.Key] = &cp
}

// Update stages e for replacement (spec §4.3 update(e)). Skips queuing if
// e is field-wise identical to the last-flushed record known to the
// caller — scanners should compare against their own in-memory baseline
// before calling Update to avoid needless writes (spec §4.3 dirty-set
// comparison), but Update itself always (re)stages to keep the contract
// simple for callers without that baseline.
func (s *Store) Update(e Entry) {
	s.Add(e)
}

// Delete stages key for removal (spec §4.3 delete(k)).
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty[key] = nil
}

// Range atomically stages a batch of adds/updates/deletes (spec §4.3
// range(addList, updateList, deleteKeys) atomic). All three lists are
// merged into the in-memory dirty set under one lock acquisition; Flush
// itself commits them in a single SQL transaction.
func (s *Store) Range(addList, updateList []Entry, deleteKeys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range append(append([]Entry{}, addList...), updateList...) {
		cp := e
		s.dirty[e.Key] = &cp
	}

	for _, k := range deleteKeys {
		s.dirty[k] = nil
	}
}

// Flush commits the current dirty set to SQLite in a single transaction
// and clears it (spec §4.3).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.dirty
	s.dirty = make(map[string]*Entry)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("indexcache: beginning flush transaction: %w", err)
	}

	for key, e := range batch {
		if e == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
				tx.Rollback() //nolint:errcheck // best-effort rollback on the already-failing path

				return fmt.Errorf("indexcache: deleting %s: %w", key, err)
			}

			continue
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO entries (key, full_path, is_file, size, creation_time, last_write_time,
			                      is_hidden, is_read_only, hash, sha1, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				full_path = excluded.full_path,
				is_file = excluded.is_file,
				size = excluded.size,
				creation_time = excluded.creation_time,
				last_write_time = excluded.last_write_time,
				is_hidden = excluded.is_hidden,
				is_read_only = excluded.is_read_only,
				hash = excluded.hash,
				sha1 = excluded.sha1,
				updated_at = excluded.updated_at`,
			e.Key, e.FullPath, boolInt(e.IsFile), e.Size, e.CreationTime.UnixNano(), e.LastWriteTime.UnixNano(),
			boolInt(e.IsHidden), boolInt(e.IsReadOnly), e.Hash, e.SHA1, time.Now().UnixNano())
		if err != nil {
			tx.Rollback() //nolint:errcheck // best-effort rollback on the already-failing path

			return fmt.Errorf("indexcache: upserting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexcache: committing flush: %w", err)
	}

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// ErrNotFound is returned by Get when no record is cached for the key.
var ErrNotFound = errors.New("indexcache: entry not found")

// Get looks up one cached entry by key, checking the dirty set first so a
// caller sees its own uncommitted writes.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.Lock()
	if e, ok := s.dirty[key]; ok {
		s.mu.Unlock()

		if e == nil {
			return Entry{}, ErrNotFound
		}

		return *e, nil
	}
	s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT key, full_path, is_file, size, creation_time, last_write_time,
		       is_hidden, is_read_only, hash, sha1 FROM entries WHERE key = ?`, key)

	var e Entry
	var isFile, isHidden, isReadOnly int
	var creation, lastWrite int64

	err := row.Scan(&e.Key, &e.FullPath, &isFile, &e.Size, &creation, &lastWrite,
		&isHidden, &isReadOnly, &e.Hash, &e.SHA1)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}

	if err != nil {
		return Entry{}, fmt.Errorf("indexcache: getting %s: %w", key, err)
	}

	e.IsHidden = isHidden != 0
	e.IsFile = isFile != 0
	e.IsReadOnly = isReadOnly != 0
	e.CreationTime = time.Unix(0, creation)
	e.LastWriteTime = time.Unix(0, lastWrite)

	return e, nil
}

// Matches reports whether candidate's (size, creationTime, lastWriteTime,
// hash) match the cached record for the same key — the condition under
// which the scanner may adopt the cached sha1 without rehashing (spec
// §4.2, §8 law 2).
func (s *Store) Matches(ctx context.Context, candidate Entry) (cached Entry, ok bool) {
	cached, err := s.Get(ctx, candidate.Key)
	if err != nil {
		return Entry{}, false
	}

	if cached.Size == candidate.Size &&
		cached.CreationTime.Equal(candidate.CreationTime) &&
		cached.LastWriteTime.Equal(candidate.LastWriteTime) &&
		cached.Hash == candidate.Hash {
		return cached, true
	}

	return Entry{}, false
}
