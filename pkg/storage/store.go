package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	collectionsTable = "docvm_collections"
	recordsTable     = "docvm_records"
	kvTable          = "docvm_kv"
)

// ErrNoCollection is returned by record operations on a missing collection.
var ErrNoCollection = errors.New("storage: collection does not exist")

// Record is one stored document. Doc is opaque to the store.
type Record struct {
	ID  int64
	Doc []byte
}

// Store persists collections, records and raw key/value pairs over
// database/sql. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// Open connects to driverName/dsn, validates the connection and creates the
// schema. The caller must import the driver.
func Open(ctx context.Context, driverName, dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database (%s): %w", driverName, err)
	}

	dialect := GetDialect(driverName)
	if isMemory(dialect, dsn) {
		// Every connection to :memory: is a different database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		optimizePool(db, maxOpen, maxIdle)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database (%s): %w", driverName, err)
	}

	s := &Store{db: db, dialect: dialect, owned: true}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Close does not close it.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func isMemory(d Dialect, dsn string) bool {
	if _, ok := d.(SQLiteDialect); !ok {
		return false
	}
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// optimizePool configures connection pool settings
func optimizePool(db *sql.DB, maxOpen, maxIdle int) {
	if maxOpen == 0 {
		maxOpen = 100
	}
	if maxIdle == 0 {
		maxIdle = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	t := s.dialect.Types()
	q := s.dialect.QuoteIdentifier
	stmts := []string{
		s.dialect.CreateTable(collectionsTable, fmt.Sprintf(
			"%s %s NOT NULL PRIMARY KEY, %s %s NOT NULL",
			q("name"), t.Key, q("next_id"), t.Int)),
		s.dialect.CreateTable(recordsTable, fmt.Sprintf(
			"%s %s NOT NULL, %s %s NOT NULL, %s %s, PRIMARY KEY (%s, %s)",
			q("collection"), t.Key, q("id"), t.Int, q("doc"), t.Blob, q("collection"), q("id"))),
		s.dialect.CreateTable(kvTable, fmt.Sprintf(
			"%s %s NOT NULL PRIMARY KEY, %s %s",
			q("k"), t.Key, q("v"), t.Blob)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) q(query string) string { return rebind(s.dialect, query) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("storage: rollback failed", "error", rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// CreateCollection creates name and reports whether it did not exist before.
func (s *Store) CreateCollection(ctx context.Context, name string) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		err := tx.QueryRowContext(ctx, s.q("SELECT next_id FROM docvm_collections WHERE name = ?"), name).Scan(&n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: lookup collection %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, s.q("INSERT INTO docvm_collections (name, next_id) VALUES (?, ?)"), name, 0); err != nil {
			return fmt.Errorf("storage: create collection %q: %w", name, err)
		}
		created = true
		return nil
	})
	return created, err
}

func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.nextID(ctx, s.db, name)
	return ok, err
}

// DropCollection removes the collection and every record in it.
func (s *Store) DropCollection(ctx context.Context, name string) (bool, error) {
	dropped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q("DELETE FROM docvm_collections WHERE name = ?"), name)
		if err != nil {
			return fmt.Errorf("storage: drop collection %q: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM docvm_records WHERE collection = ?"), name); err != nil {
			return fmt.Errorf("storage: drop records of %q: %w", name, err)
		}
		dropped = true
		return nil
	})
	return dropped, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) nextID(ctx context.Context, db queryer, name string) (int64, bool, error) {
	var n int64
	err := db.QueryRowContext(ctx, s.q("SELECT next_id FROM docvm_collections WHERE name = ?"), name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: lookup collection %q: %w", name, err)
	}
	return n, true, nil
}

// Insert appends docs to the collection in one transaction and returns the
// assigned ids. Ids are per-collection sequences starting at 0.
func (s *Store) Insert(ctx context.Context, collection string, docs ...[]byte) ([]int64, error) {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		next, ok, err := s.nextID(ctx, tx, collection)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoCollection, collection)
		}
		ids = make([]int64, 0, len(docs))
		for _, doc := range docs {
			if _, err := tx.ExecContext(ctx, s.q("INSERT INTO docvm_records (collection, id, doc) VALUES (?, ?, ?)"), collection, next, doc); err != nil {
				return fmt.Errorf("storage: insert into %q: %w", collection, err)
			}
			ids = append(ids, next)
			next++
		}
		if _, err := tx.ExecContext(ctx, s.q("UPDATE docvm_collections SET next_id = ? WHERE name = ?"), next, collection); err != nil {
			return fmt.Errorf("storage: advance id of %q: %w", collection, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Fetch returns the record with id.
func (s *Store) Fetch(ctx context.Context, collection string, id int64) ([]byte, bool, error) {
	if _, ok, err := s.nextID(ctx, s.db, collection); err != nil {
		return nil, false, err
	} else if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.q("SELECT doc FROM docvm_records WHERE collection = ? AND id = ?"), collection, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: fetch %q/%d: %w", collection, id, err)
	}
	return doc, true, nil
}

// FetchAll returns every record of the collection ordered by id.
func (s *Store) FetchAll(ctx context.Context, collection string) ([]Record, error) {
	if _, ok, err := s.nextID(ctx, s.db, collection); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	rows, err := s.db.QueryContext(ctx, s.q("SELECT id, doc FROM docvm_records WHERE collection = ? ORDER BY id"), collection)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch all %q: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Doc); err != nil {
			return nil, fmt.Errorf("storage: scan %q: %w", collection, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update replaces the document with id and reports whether it existed.
func (s *Store) Update(ctx context.Context, collection string, id int64, doc []byte) (bool, error) {
	if _, ok, err := s.nextID(ctx, s.db, collection); err != nil {
		return false, err
	} else if !ok {
		return false, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE docvm_records SET doc = ? WHERE collection = ? AND id = ?"), doc, collection, id)
	if err != nil {
		return false, fmt.Errorf("storage: update %q/%d: %w", collection, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the record with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, collection string, id int64) (bool, error) {
	if _, ok, err := s.nextID(ctx, s.db, collection); err != nil {
		return false, err
	} else if !ok {
		return false, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM docvm_records WHERE collection = ? AND id = ?"), collection, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete %q/%d: %w", collection, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LastID returns the last id handed out, even if that record was deleted
// since. ok is false when nothing was ever stored.
func (s *Store) LastID(ctx context.Context, collection string) (id int64, ok bool, err error) {
	next, exists, err := s.nextID(ctx, s.db, collection)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	if next == 0 {
		return 0, false, nil
	}
	return next - 1, true, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	if _, ok, err := s.nextID(ctx, s.db, collection); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoCollection, collection)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM docvm_records WHERE collection = ?"), collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count %q: %w", collection, err)
	}
	return n, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.put(ctx, tx, key, value)
	})
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM docvm_kv WHERE k = ?"), key); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := tx.ExecContext(ctx, s.q("INSERT INTO docvm_kv (k, v) VALUES (?, ?)"), key, value); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Append adds value to the end of the existing value under key, creating it
// when absent.
func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur []byte
		err := tx.QueryRowContext(ctx, s.q("SELECT v FROM docvm_kv WHERE k = ?"), key).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: append %q: %w", key, err)
		}
		buf := make([]byte, 0, len(cur)+len(value))
		buf = append(buf, cur...)
		buf = append(buf, value...)
		return s.put(ctx, tx, key, buf)
	})
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.q("SELECT v FROM docvm_kv WHERE k = ?"), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM docvm_kv WHERE k = ?"), key)
	if err != nil {
		return false, fmt.Errorf("storage: remove %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
