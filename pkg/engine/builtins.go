package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"docvm/pkg/fastjson"
	"docvm/pkg/storage"
	"docvm/pkg/utils/coerce"
)

// RecordIDKey is added to every record returned by the fetch builtins.
const RecordIDKey = "__id"

type builtin func(ctx context.Context, vm *VM, args []any) (any, error)

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"db_create":          dbCreate,
		"db_exists":          dbExists,
		"db_drop_collection": dbDropCollection,
		"db_store":           dbStore,
		"db_fetch_all":       dbFetchAll,
		"db_fetch_by_id":     dbFetchByID,
		"db_update_record":   dbUpdateRecord,
		"db_drop_record":     dbDropRecord,
		"db_last_record_id":  dbLastRecordID,
		"db_total_records":   dbTotalRecords,
		"db_version":         dbVersion,
		"db_errlog":          dbErrLog,
		"kv_store":           kvStore,
		"kv_append":          kvAppend,
		"kv_fetch":           kvFetch,
		"kv_delete":          kvDelete,
		"count":              count,
		"json_encode":        jsonEncode,
		"json_decode":        jsonDecode,
	}
}

// Builtins lists the names of the builtin functions.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

func arity(name string, args []any, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return newError(CodeInvalid, name, "expects %d argument(s), got %d", min, len(args))
		}
		return newError(CodeInvalid, name, "expects %d to %d arguments, got %d", min, max, len(args))
	}
	return nil
}

func argInt64(name string, args []any, i int) (int64, error) {
	n, err := coerce.ToInt64(args[i])
	if err != nil {
		return 0, newError(CodeInvalid, name, "argument %d: %v", i+1, err)
	}
	return n, nil
}

// soft records a failure the script language reports as a false return
// rather than an error.
func (vm *VM) soft(name string, err error) (any, error) {
	if storageCode(err) != CodeNotFound {
		return nil, &Error{Code: CodeIOErr, Op: name, Err: err}
	}
	vm.logError(fmt.Sprintf("%s: %v", name, err))
	slog.Debug("engine: builtin failed", "function", name, "error", err)
	return false, nil
}

func dbCreate(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_create", args, 1, 1); err != nil {
		return nil, err
	}
	created, err := vm.db.store.CreateCollection(ctx, coerce.ToString(args[0]))
	if err != nil {
		return vm.soft("db_create", err)
	}
	return created, nil
}

func dbExists(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_exists", args, 1, 1); err != nil {
		return nil, err
	}
	ok, err := vm.db.store.CollectionExists(ctx, coerce.ToString(args[0]))
	if err != nil {
		return vm.soft("db_exists", err)
	}
	return ok, nil
}

func dbDropCollection(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_drop_collection", args, 1, 1); err != nil {
		return nil, err
	}
	ok, err := vm.db.store.DropCollection(ctx, coerce.ToString(args[0]))
	if err != nil {
		return vm.soft("db_drop_collection", err)
	}
	return ok, nil
}

func encodeRecord(record any) ([]byte, error) {
	v, err := FromNative(record)
	if err != nil {
		return nil, err
	}
	if a, ok := v.AsArray(); ok {
		a.Delete(RecordIDKey)
	}
	var buf bytes.Buffer
	if err := v.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(id int64, doc []byte) (any, error) {
	v, err := DeserializeValue(bytes.NewReader(doc))
	if err != nil {
		return nil, &Error{Code: CodeCorrupt, Op: "decode_record", Err: err}
	}
	if a, ok := v.AsArray(); ok {
		a.setOwned(RecordIDKey, NewInt(id))
	}
	return v.ToNative(), nil
}

func isRecord(x any) bool {
	switch val := x.(type) {
	case map[string]any:
		return true
	case []any:
		return len(val) == 0
	}
	return false
}

// db_store(collection, record) stores one record; db_store(collection, [r1,
// r2, ...]) stores a list in one transaction.
func dbStore(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_store", args, 2, 2); err != nil {
		return nil, err
	}
	name := coerce.ToString(args[0])

	var records []any
	switch val := args[1].(type) {
	case map[string]any:
		records = []any{val}
	case []any:
		records = val
	default:
		vm.logError(fmt.Sprintf("db_store: expecting a JSON object or array, got %T", args[1]))
		return false, nil
	}

	docs := make([][]byte, 0, len(records))
	for i, r := range records {
		if !isRecord(r) {
			vm.logError(fmt.Sprintf("db_store: entry %d is not a JSON object", i))
			return false, nil
		}
		doc, err := encodeRecord(r)
		if err != nil {
			return nil, &Error{Code: CodeInvalid, Op: "db_store", Err: err}
		}
		docs = append(docs, doc)
	}
	if _, err := vm.db.store.Insert(ctx, name, docs...); err != nil {
		return vm.soft("db_store", err)
	}
	return true, nil
}

// callableArg resolves a filter given as a function value or by name.
func (vm *VM) callableArg(x any) (func(args ...any) (any, error), error) {
	switch fn := x.(type) {
	case func(args ...any) (any, error):
		return fn, nil
	case string:
		if f, ok := vm.funcs[fn]; ok {
			return vm.callable(f), nil
		}
		return nil, newError(CodeNotFound, "exec", "call to undefined function %s()", fn)
	}
	return nil, newError(CodeInvalid, "exec", "value of type %T is not callable", x)
}

func dbFetchAll(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_fetch_all", args, 1, 2); err != nil {
		return nil, err
	}
	var filter func(args ...any) (any, error)
	if len(args) == 2 && args[1] != nil {
		fn, err := vm.callableArg(args[1])
		if err != nil {
			return nil, err
		}
		filter = fn
	}

	// Rows are fully read before the filter runs, so a filter may use the
	// database itself.
	rows, err := vm.db.store.FetchAll(ctx, coerce.ToString(args[0]))
	if err != nil {
		return vm.soft("db_fetch_all", err)
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row.ID, row.Doc)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			keep, err := filter(rec)
			if err != nil {
				return nil, err
			}
			kv, err := FromNative(keep)
			if err != nil || !kv.Truthy() {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func dbFetchByID(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_fetch_by_id", args, 2, 2); err != nil {
		return nil, err
	}
	id, err := argInt64("db_fetch_by_id", args, 1)
	if err != nil {
		return nil, err
	}
	doc, ok, err := vm.db.store.Fetch(ctx, coerce.ToString(args[0]), id)
	if err != nil {
		if _, serr := vm.soft("db_fetch_by_id", err); serr != nil {
			return nil, serr
		}
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return decodeRecord(id, doc)
}

func dbUpdateRecord(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_update_record", args, 3, 3); err != nil {
		return nil, err
	}
	id, err := argInt64("db_update_record", args, 1)
	if err != nil {
		return nil, err
	}
	if !isRecord(args[2]) {
		vm.logError("db_update_record: expecting a JSON object")
		return false, nil
	}
	doc, err := encodeRecord(args[2])
	if err != nil {
		return nil, &Error{Code: CodeInvalid, Op: "db_update_record", Err: err}
	}
	ok, err := vm.db.store.Update(ctx, coerce.ToString(args[0]), id, doc)
	if err != nil {
		return vm.soft("db_update_record", err)
	}
	return ok, nil
}

func dbDropRecord(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_drop_record", args, 2, 2); err != nil {
		return nil, err
	}
	id, err := argInt64("db_drop_record", args, 1)
	if err != nil {
		return nil, err
	}
	ok, err := vm.db.store.Delete(ctx, coerce.ToString(args[0]), id)
	if err != nil {
		return vm.soft("db_drop_record", err)
	}
	return ok, nil
}

func dbLastRecordID(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_last_record_id", args, 1, 1); err != nil {
		return nil, err
	}
	id, ok, err := vm.db.store.LastID(ctx, coerce.ToString(args[0]))
	if err != nil {
		return vm.soft("db_last_record_id", err)
	}
	if !ok {
		return false, nil
	}
	return id, nil
}

func dbTotalRecords(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("db_total_records", args, 1, 1); err != nil {
		return nil, err
	}
	n, err := vm.db.store.Count(ctx, coerce.ToString(args[0]))
	if err != nil {
		if errors.Is(err, storage.ErrNoCollection) {
			return int64(0), nil
		}
		return nil, &Error{Code: CodeIOErr, Op: "db_total_records", Err: err}
	}
	return n, nil
}

func dbVersion(ctx context.Context, vm *VM, args []any) (any, error) {
	return Version, nil
}

func dbErrLog(ctx context.Context, vm *VM, args []any) (any, error) {
	return vm.ErrLog(), nil
}

func kvStore(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("kv_store", args, 2, 2); err != nil {
		return nil, err
	}
	err := vm.db.KVStore(ctx, coerce.ToString(args[0]), []byte(coerce.ToString(args[1])))
	if CodeOf(err) == CodeInvalid {
		return false, nil
	}
	return err == nil, err
}

func kvAppend(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("kv_append", args, 2, 2); err != nil {
		return nil, err
	}
	err := vm.db.KVAppend(ctx, coerce.ToString(args[0]), []byte(coerce.ToString(args[1])))
	if CodeOf(err) == CodeInvalid {
		return false, nil
	}
	return err == nil, err
}

func kvFetch(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("kv_fetch", args, 1, 1); err != nil {
		return nil, err
	}
	v, err := vm.db.KVFetch(ctx, coerce.ToString(args[0]))
	if CodeOf(err) == CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return string(v), nil
}

func kvDelete(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("kv_delete", args, 1, 1); err != nil {
		return nil, err
	}
	err := vm.db.KVDelete(ctx, coerce.ToString(args[0]))
	if CodeOf(err) == CodeNotFound {
		return false, nil
	}
	return err == nil, err
}

func count(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("count", args, 1, 1); err != nil {
		return nil, err
	}
	switch val := args[0].(type) {
	case nil:
		return int64(0), nil
	case []any:
		return int64(len(val)), nil
	case map[string]any:
		return int64(len(val)), nil
	}
	return int64(1), nil
}

func jsonEncode(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("json_encode", args, 1, 1); err != nil {
		return nil, err
	}
	b, err := fastjson.Marshal(args[0])
	if err != nil {
		return nil, &Error{Code: CodeInvalid, Op: "json_encode", Err: err}
	}
	return string(b), nil
}

func jsonDecode(ctx context.Context, vm *VM, args []any) (any, error) {
	if err := arity("json_decode", args, 1, 1); err != nil {
		return nil, err
	}
	var out any
	if err := fastjson.UnmarshalNumber([]byte(coerce.ToString(args[0])), &out); err != nil {
		return nil, nil
	}
	return out, nil
}
