package bridge

import (
	"fmt"
	"runtime/debug"

	"docvm/pkg/engine"
	"docvm/pkg/metrics"
)

// Func is a host closure callable from scripts. It receives the single
// keyed-record argument and returns the call result.
type Func func(arg Value) (Value, error)

// Predicate decides whether a record is kept, e.g. by db_fetch_all.
type Predicate func(record Value) bool

// PredicateFunc adapts a Predicate to a Func returning a bool.
func PredicateFunc(p Predicate) Func {
	return func(record Value) (Value, error) {
		return Bool(p(record)), nil
	}
}

// CallablePolicy decides what Register does with a name that is taken.
type CallablePolicy int

const (
	RejectDuplicates CallablePolicy = iota
	OverwriteDuplicates
)

type CallableStats struct {
	Invocations int
	Failures    int
}

type callable struct {
	name  string
	fn    Func
	token uintptr
	stats CallableStats
}

// registry correlates the user-data token the engine hands back to the
// trampoline with the closure it stands for.
type registry struct {
	next    uintptr
	byToken map[uintptr]*callable
	byName  map[string]*callable
	// stats survive unregistration so Stats still reports them afterwards.
	stats map[string]CallableStats
	errs  []error
}

func newRegistry() *registry {
	return &registry{
		byToken: make(map[uintptr]*callable),
		byName:  make(map[string]*callable),
		stats:   make(map[string]CallableStats),
	}
}

func (r *registry) add(name string, fn Func) *callable {
	r.next++
	c := &callable{name: name, fn: fn, token: r.next}
	r.byToken[c.token] = c
	r.byName[name] = c
	return c
}

func (r *registry) remove(c *callable) {
	delete(r.byToken, c.token)
	if r.byName[c.name] == c {
		delete(r.byName, c.name)
	}
	r.stats[c.name] = c.stats
}

func (r *registry) record(err error) { r.errs = append(r.errs, err) }

func (r *registry) snapshot() map[string]CallableStats {
	out := make(map[string]CallableStats, len(r.stats)+len(r.byName))
	for k, v := range r.stats {
		out[k] = v
	}
	for k, c := range r.byName {
		out[k] = c.stats
	}
	return out
}

// trampoline is the single engine.Function behind every registered callable.
func (s *Script) trampoline(ctx *engine.CallContext, args []engine.Handle) engine.Status {
	c, ok := s.callables.byToken[ctx.UserData()]
	if !ok {
		s.callables.record(lifecycleErr("callback "+ctx.FunctionName(), "no callable behind token %d", ctx.UserData()))
		metrics.CallbackInvocations.WithLabelValues(metrics.StatusAborted).Inc()
		return engine.Abort
	}
	c.stats.Invocations++

	if err := s.invoke(ctx, c, args); err != nil {
		c.stats.Failures++
		s.callables.record(err)
		s.log.Warn("callable aborted", "name", c.name, "error", err)
		metrics.CallbackInvocations.WithLabelValues(metrics.StatusAborted).Inc()
		return engine.Abort
	}
	metrics.CallbackInvocations.WithLabelValues(metrics.StatusOK).Inc()
	return engine.OK
}

func (s *Script) invoke(ctx *engine.CallContext, c *callable, args []engine.Handle) error {
	op := "callback " + c.name
	if len(args) != 1 {
		return typeCastErr(op, "", "expects exactly 1 argument, got %d", len(args))
	}
	arg := args[0]
	if !ctx.IsJSONObject(arg) && !(ctx.IsArray(arg) && ctx.ArrayCount(arg) == 0) {
		return typeCastErr(op, "", "argument must be a keyed record")
	}
	in, err := Decode(ctx, arg)
	if err != nil {
		return err
	}
	if in.kind != KindMap {
		in = Map(nil)
	}

	out, err := callSafely(c, in)
	if err != nil {
		return err
	}

	t := NewTracker(ctx, "callback").withLogger(s.log)
	defer t.Close()
	h, err := Encode(t, out)
	if err != nil {
		return err
	}
	if err := ctx.SetResult(h); err != nil {
		t.Release(h)
		return engineErr(op, "", err)
	}
	return t.Release(h)
}

func callSafely(c *callable, in Value) (out Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{
				Kind: ErrEngine,
				Op:   "callback " + c.name,
				Code: engine.CodeVMErr,
				Err:  fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	out, err = c.fn(in)
	if err != nil {
		if _, ok := err.(*Error); !ok {
			err = &Error{Kind: ErrEngine, Op: "callback " + c.name, Code: engine.CodeAbort, Err: err}
		}
	}
	return out, err
}
