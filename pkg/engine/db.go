package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"docvm/pkg/storage"

	_ "modernc.org/sqlite"
)

const Version = "1.1.0"

// Config selects the storage backend. The zero value opens a private
// in-memory database on the pure-Go SQLite driver.
type Config struct {
	Driver  string
	DSN     string
	MaxOpen int
	MaxIdle int
}

// DB is an open engine instance. It may be shared by many goroutines; each VM
// it compiles must stay on one goroutine.
type DB struct {
	store      *storage.Store
	errLog     errLog
	compileLog errLog
	closed     atomic.Bool
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	store, err := storage.Open(ctx, cfg.Driver, cfg.DSN, cfg.MaxOpen, cfg.MaxIdle)
	if err != nil {
		return nil, &Error{Code: CodeIOErr, Op: "open", Err: err}
	}
	slog.Debug("engine: database opened", "driver", cfg.Driver)
	return &DB{
		store:      store,
		errLog:     errLog{limit: maxLogLines},
		compileLog: errLog{limit: maxLogLines},
	}, nil
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*DB, error) {
	return Open(context.Background(), Config{})
}

func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return newError(CodeInvalid, "close", "database already closed")
	}
	if err := db.store.Close(); err != nil {
		return &Error{Code: CodeIOErr, Op: "close", Err: err}
	}
	return nil
}

func (db *DB) Version() string { return Version }

// Ping checks that the storage backend is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.alive("ping"); err != nil {
		return err
	}
	if err := db.store.Ping(ctx); err != nil {
		return &Error{Code: CodeIOErr, Op: "ping", Err: err}
	}
	return nil
}

// ErrLog returns the most recent runtime errors of every VM compiled on db.
// Use VM.ErrLog for the errors of one script.
func (db *DB) ErrLog() string { return db.errLog.String() }

// CompileLog returns the most recent compiler diagnostics. The diagnostic of
// one failed compile is also carried by its Error.Log.
func (db *DB) CompileLog() string { return db.compileLog.String() }

func (db *DB) alive(op string) error {
	if db.closed.Load() {
		return newError(CodeInvalid, op, "database is closed")
	}
	return nil
}

// Compile parses src and returns a VM ready for configuration and Exec.
// Syntax errors are reported with CodeCompileErr and appended to the compile
// log.
func (db *DB) Compile(src string) (*VM, error) {
	if err := db.alive("compile"); err != nil {
		return nil, err
	}
	prog, err := Parse(src)
	if err != nil {
		return nil, db.compileError(err)
	}
	return newVM(db, prog), nil
}

// CompileFile compiles a script file through the script cache.
func (db *DB) CompileFile(path string) (*VM, error) {
	if err := db.alive("compile"); err != nil {
		return nil, err
	}
	prog, err := LoadScript(path)
	if err != nil {
		var syn *SyntaxError
		if errors.As(err, &syn) {
			return nil, db.compileError(fmt.Errorf("%s:%w", path, err))
		}
		return nil, &Error{Code: CodeIOErr, Op: "compile", Err: err}
	}
	return newVM(db, prog), nil
}

func (db *DB) compileError(err error) error {
	line := "Compile error: " + err.Error()
	db.compileLog.append(line)
	return &Error{Code: CodeCompileErr, Op: "compile", Msg: err.Error(), Log: line}
}

func storageCode(err error) Code {
	if errors.Is(err, storage.ErrNoCollection) {
		return CodeNotFound
	}
	return CodeIOErr
}

// KVStore writes raw bytes under key, replacing any previous value.
func (db *DB) KVStore(ctx context.Context, key string, value []byte) error {
	if err := db.alive("kv_store"); err != nil {
		return err
	}
	if key == "" {
		return newError(CodeInvalid, "kv_store", "empty key")
	}
	if err := db.store.Put(ctx, key, value); err != nil {
		return &Error{Code: CodeIOErr, Op: "kv_store", Err: err}
	}
	return nil
}

// KVAppend appends raw bytes to the value under key, creating it if needed.
func (db *DB) KVAppend(ctx context.Context, key string, value []byte) error {
	if err := db.alive("kv_append"); err != nil {
		return err
	}
	if key == "" {
		return newError(CodeInvalid, "kv_append", "empty key")
	}
	if err := db.store.Append(ctx, key, value); err != nil {
		return &Error{Code: CodeIOErr, Op: "kv_append", Err: err}
	}
	return nil
}

// KVFetch returns the bytes under key or CodeNotFound.
func (db *DB) KVFetch(ctx context.Context, key string) ([]byte, error) {
	if err := db.alive("kv_fetch"); err != nil {
		return nil, err
	}
	v, ok, err := db.store.Get(ctx, key)
	if err != nil {
		return nil, &Error{Code: CodeIOErr, Op: "kv_fetch", Err: err}
	}
	if !ok {
		return nil, newError(CodeNotFound, "kv_fetch", "no such key %q", key)
	}
	return v, nil
}

// KVDelete removes key or reports CodeNotFound.
func (db *DB) KVDelete(ctx context.Context, key string) error {
	if err := db.alive("kv_delete"); err != nil {
		return err
	}
	ok, err := db.store.Remove(ctx, key)
	if err != nil {
		return &Error{Code: CodeIOErr, Op: "kv_delete", Err: err}
	}
	if !ok {
		return newError(CodeNotFound, "kv_delete", "no such key %q", key)
	}
	return nil
}
