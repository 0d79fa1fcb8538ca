// Package collection is a typed front end over the engine's document
// collections. Every operation is a short script run through bridge.Script
// with the collection name bound as $collection.
package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docvm/pkg/bridge"
	"docvm/pkg/engine"
)

var (
	ErrNoCollection = errors.New("collection does not exist")
	ErrRejected     = errors.New("record rejected")
)

// FilterFunc is the callable name Filter registers for the duration of one
// query.
const FilterFunc = "_filter_fn"

type Collection struct {
	db   *engine.DB
	name string
	opts []bridge.Option
}

// New returns the collection name on db, creating it when it does not exist.
func New(ctx context.Context, db *engine.DB, name string, opts ...bridge.Option) (*Collection, error) {
	c := Open(db, name, opts...)
	if err := c.Create(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Open returns a handle on name without touching the database.
func Open(db *engine.DB, name string, opts ...bridge.Option) *Collection {
	return &Collection{db: db, name: name, opts: opts}
}

func (c *Collection) Name() string { return c.name }

type binding struct {
	name  string
	value any
}

// run compiles src, binds $collection and vars, lets setup register
// callables, and executes. The caller closes the returned Script.
func (c *Collection) run(ctx context.Context, src string, setup func(*bridge.Script) error, vars ...binding) (*bridge.Script, error) {
	s, err := bridge.Compile(c.db, src, c.opts...)
	if err != nil {
		return nil, err
	}
	err = s.Bind("collection", c.name)
	for _, v := range vars {
		if err != nil {
			break
		}
		err = s.Bind(v.name, v.value)
	}
	if err == nil && setup != nil {
		err = setup(s)
	}
	if err == nil {
		err = s.Execute(ctx)
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("collection %s: %w", c.name, err)
	}
	return s, nil
}

// exec runs src and decodes $result into out.
func (c *Collection) exec(ctx context.Context, src string, out any, vars ...binding) error {
	s, err := c.run(ctx, src, nil, vars...)
	if err != nil {
		return err
	}
	defer s.Close()
	if out == nil {
		return nil
	}
	if err := s.Extract("result", out); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) Create(ctx context.Context) error {
	return c.exec(ctx, "if (!db_exists($collection)) { db_create($collection); }", nil)
}

// Drop removes the collection and all its records. Dropping a missing
// collection is not an error.
func (c *Collection) Drop(ctx context.Context) error {
	return c.exec(ctx, "if (db_exists($collection)) { db_drop_collection($collection); }", nil)
}

func (c *Collection) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := c.exec(ctx, "$result = db_exists($collection);", &ok)
	return ok, err
}

// Append stores one record and returns its id.
func (c *Collection) Append(ctx context.Context, record any) (int64, error) {
	s, err := c.run(ctx, `
		$result = false;
		if (db_store($collection, $record)) { $result = db_last_record_id($collection); }
	`, nil, binding{"record", record})
	if err != nil {
		return 0, err
	}
	defer s.Close()

	v, err := s.Value("result")
	if err != nil {
		return 0, err
	}
	id, ok := v.AsInt()
	if !ok {
		return 0, c.rejected(s)
	}
	return id, nil
}

// Store writes a list of records in one transaction.
func (c *Collection) Store(ctx context.Context, records any) error {
	s, err := c.run(ctx, "$result = db_store($collection, $records);", nil, binding{"records", records})
	if err != nil {
		return err
	}
	defer s.Close()

	var ok bool
	if err := s.Extract("result", &ok); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	if !ok {
		return c.rejected(s)
	}
	return nil
}

// Update replaces the record under id. It reports false when there is no
// such record.
func (c *Collection) Update(ctx context.Context, id int64, record any) (bool, error) {
	var ok bool
	err := c.exec(ctx, "$result = db_update_record($collection, $record_id, $record);", &ok,
		binding{"record_id", id}, binding{"record", record})
	return ok, err
}

func (c *Collection) Delete(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := c.exec(ctx, "$result = db_drop_record($collection, $record_id);", &ok, binding{"record_id", id})
	return ok, err
}

// LastID returns the id of the most recently stored record; ok is false when
// nothing was stored yet.
func (c *Collection) LastID(ctx context.Context) (id int64, ok bool, err error) {
	var v bridge.Value
	if err := c.exec(ctx, "$result = db_last_record_id($collection);", &v); err != nil {
		return 0, false, err
	}
	id, ok = v.AsInt()
	return id, ok, nil
}

func (c *Collection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.exec(ctx, "$result = db_total_records($collection);", &n)
	return n, err
}

// FetchAll decodes every record into out, a pointer to a slice. Records carry
// their id under the "__id" key.
func (c *Collection) FetchAll(ctx context.Context, out any) error {
	s, err := c.run(ctx, "$result = db_fetch_all($collection);", nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return c.records(s, out)
}

// Fetch decodes the record under id into out. found is false when there is
// no such record.
func (c *Collection) Fetch(ctx context.Context, id int64, out any) (found bool, err error) {
	s, err := c.run(ctx, "$result = db_fetch_by_id($collection, $record_id);", nil, binding{"record_id", id})
	if err != nil {
		return false, err
	}
	defer s.Close()

	v, err := s.Value("result")
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	if err := s.Extract("result", out); err != nil {
		return false, fmt.Errorf("collection %s: %w", c.name, err)
	}
	return true, nil
}

// Filter decodes the records keep accepts into out, a pointer to a slice.
func (c *Collection) Filter(ctx context.Context, keep bridge.Predicate, out any) error {
	s, err := c.run(ctx, "$result = db_fetch_all($collection, "+FilterFunc+");", func(s *bridge.Script) error {
		return s.RegisterPredicate(FilterFunc, keep)
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return c.records(s, out)
}

// records decodes $result, which db_fetch_all sets to false for a missing
// collection.
func (c *Collection) records(s *bridge.Script, out any) error {
	v, err := s.Value("result")
	if err != nil {
		return err
	}
	if v.Kind() == bridge.KindBool {
		return fmt.Errorf("collection %s: %w", c.name, ErrNoCollection)
	}
	if err := s.Extract("result", out); err != nil {
		return fmt.Errorf("collection %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) rejected(s *bridge.Script) error {
	if line := lastLine(s.ErrLog()); line != "" {
		return fmt.Errorf("collection %s: %w: %s", c.name, ErrRejected, line)
	}
	return fmt.Errorf("collection %s: %w", c.name, ErrRejected)
}

func lastLine(log string) string {
	if i := strings.LastIndexByte(log, '\n'); i >= 0 {
		return log[i+1:]
	}
	return log
}
