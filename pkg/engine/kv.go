package engine

import (
	"context"
	"encoding/binary"
	"math"
)

// KVContains reports whether key holds a value.
func (db *DB) KVContains(ctx context.Context, key string) (bool, error) {
	if err := db.alive("kv_contains"); err != nil {
		return false, err
	}
	_, ok, err := db.store.Get(ctx, key)
	if err != nil {
		return false, &Error{Code: CodeIOErr, Op: "kv_contains", Err: err}
	}
	return ok, nil
}

// Typed values are stored as raw bytes: strings as UTF-8, numbers as 8 bytes
// little endian. The getters do not know what was stored; a numeric getter
// only checks the size.

func (db *DB) KVStoreString(ctx context.Context, key, value string) error {
	return db.KVStore(ctx, key, []byte(value))
}

func (db *DB) KVFetchString(ctx context.Context, key string) (string, error) {
	b, err := db.KVFetch(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (db *DB) KVStoreInt(ctx context.Context, key string, n int64) error {
	return db.KVStore(ctx, key, binary.LittleEndian.AppendUint64(nil, uint64(n)))
}

func (db *DB) KVFetchInt(ctx context.Context, key string) (int64, error) {
	u, err := db.fetchWord(ctx, "kv_fetch_int", key)
	return int64(u), err
}

func (db *DB) KVStoreFloat(ctx context.Context, key string, f float64) error {
	return db.KVStore(ctx, key, binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)))
}

func (db *DB) KVFetchFloat(ctx context.Context, key string) (float64, error) {
	u, err := db.fetchWord(ctx, "kv_fetch_float", key)
	return math.Float64frombits(u), err
}

func (db *DB) fetchWord(ctx context.Context, op, key string) (uint64, error) {
	b, err := db.KVFetch(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, newError(CodeInvalid, op, "value under %q is %d bytes, want 8", key, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
