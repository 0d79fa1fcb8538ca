package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"docvm/pkg/config"
	"docvm/pkg/engine"
	"docvm/pkg/metrics"
)

// State is where a Script is in its lifecycle.
type State int

const (
	StateCompiled State = iota
	StateExecuting
	StateFinished
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCompiled:
		return "compiled"
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ScriptStats reports handle traffic, callable activity and run time.
type ScriptStats struct {
	Handles   TrackerStats
	Callables map[string]CallableStats
	Duration  time.Duration
}

type Option func(*Script)

func WithCallablePolicy(p CallablePolicy) Option {
	return func(s *Script) { s.policy = p }
}

// WithRetainExtracted keeps the handles behind Extract and Value alive until
// Close instead of releasing them after decoding.
func WithRetainExtracted(retain bool) Option {
	return func(s *Script) { s.retain = retain }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Script) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOutput streams print/echo output to fn instead of buffering it.
func WithOutput(fn func(string) error) Option {
	return func(s *Script) { s.output = fn }
}

// WithConfig applies the bridge settings of cfg.
func WithConfig(cfg config.Config) Option {
	return func(s *Script) {
		if cfg.CallablePolicy == config.PolicyOverwrite {
			s.policy = OverwriteDuplicates
		} else {
			s.policy = RejectDuplicates
		}
		s.retain = cfg.RetainExtracted
	}
}

// Script is one compiled program together with everything the host pushed into
// it: bound variables, registered callables and extracted values.
//
// OWNERSHIP: a Script is driven by one goroutine. Close must be called in every
// state; it releases the VM and the name buffers the VM refers to.
type Script struct {
	db        *engine.DB
	vm        *engine.VM
	tracker   *Tracker
	callables *registry
	names     []*engine.CString
	retained  []engine.Handle
	state     State
	duration  time.Duration

	policy CallablePolicy
	retain bool
	output func(string) error
	log    *slog.Logger
}

// Compile compiles src on db. Compile failures carry the diagnostic of this
// compile only.
func Compile(db *engine.DB, src string, opts ...Option) (*Script, error) {
	vm, err := db.Compile(src)
	if err != nil {
		return nil, execErr("compile", err, compileLog(err))
	}
	return newScript(db, vm, opts), nil
}

func CompileFile(db *engine.DB, path string, opts ...Option) (*Script, error) {
	vm, err := db.CompileFile(path)
	if err != nil {
		return nil, execErr("compile "+path, err, compileLog(err))
	}
	return newScript(db, vm, opts), nil
}

func newScript(db *engine.DB, vm *engine.VM, opts []Option) *Script {
	s := &Script{
		db:        db,
		vm:        vm,
		callables: newRegistry(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = NewTracker(vm, "vm").withLogger(s.log)
	if s.output != nil {
		vm.SetOutput(s.output)
	}
	return s
}

func (s *Script) State() State { return s.state }

func (s *Script) expect(op string, states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return lifecycleErr(op, "script is %s", s.state)
}

// Bind encodes v and installs it as the global $name.
func (s *Script) Bind(name string, v any) error {
	if err := s.expect("bind", StateCompiled); err != nil {
		return err
	}
	h, err := Marshal(s.tracker, v)
	if err != nil {
		return withField(err, name)
	}

	// CreateVar copies the value, so the encoded handle goes back right away.
	cname := engine.NewCString(name)
	err = s.vm.CreateVar(cname, h)
	if err != nil {
		cname.Free()
		err = engineErr("bind", name, err)
	} else {
		s.names = append(s.names, cname)
	}
	return errors.Join(err, s.tracker.Release(h))
}

// extract fetches $name into the tracker. The caller hands it to done.
func (s *Script) extract(op, name string) (engine.Handle, error) {
	if err := s.expect(op, StateCompiled, StateFinished, StateFailed); err != nil {
		return 0, err
	}
	h, ok := s.vm.ExtractVar(name)
	if !ok {
		return 0, notFoundErr(op, name, "no variable $%s", name)
	}
	if err := s.tracker.Adopt(h); err != nil {
		s.vm.ReleaseValue(h)
		return 0, err
	}
	return h, nil
}

func (s *Script) done(h engine.Handle) error {
	if s.retain {
		s.retained = append(s.retained, h)
		return nil
	}
	return s.tracker.Release(h)
}

// Extract decodes $name into out, a non-nil pointer.
func (s *Script) Extract(name string, out any) error {
	h, err := s.extract("extract", name)
	if err != nil {
		return err
	}
	err = Unmarshal(s.tracker, h, out)
	if rerr := s.done(h); err == nil {
		err = rerr
	}
	return withField(err, name)
}

// Value returns $name as a generic Value.
func (s *Script) Value(name string) (Value, error) {
	h, err := s.extract("value", name)
	if err != nil {
		return Value{}, err
	}
	v, err := Decode(s.vm, h)
	if rerr := s.done(h); err == nil {
		err = rerr
	}
	if err != nil {
		return Value{}, withField(err, name)
	}
	return v, nil
}

// Lookup is Value without the error: ok is false for unbound names and for
// values that cannot be decoded.
func (s *Script) Lookup(name string) (Value, bool) {
	v, err := s.Value(name)
	return v, err == nil
}

// Register makes fn callable from the script as name() for the next Execute.
func (s *Script) Register(name string, fn Func) error {
	if err := s.expect("register", StateCompiled); err != nil {
		return err
	}
	if fn == nil {
		return lifecycleErr("register", "nil callable %q", name)
	}
	if old, ok := s.callables.byName[name]; ok {
		if s.policy == RejectDuplicates {
			return lifecycleErr("register", "callable %q is already registered", name)
		}
		s.callables.remove(old)
	}
	c := s.callables.add(name, fn)
	if err := s.vm.CreateFunction(name, s.trampoline, c.token); err != nil {
		s.callables.remove(c)
		return engineErr("register", name, err)
	}
	return nil
}

func (s *Script) RegisterPredicate(name string, p Predicate) error {
	return s.Register(name, PredicateFunc(p))
}

func (s *Script) Unregister(name string) error {
	if err := s.expect("unregister", StateCompiled); err != nil {
		return err
	}
	c, ok := s.callables.byName[name]
	if !ok {
		return notFoundErr("unregister", name, "no callable %q", name)
	}
	s.callables.remove(c)
	if err := s.vm.DeleteFunction(name); err != nil {
		return engineErr("unregister", name, err)
	}
	return nil
}

func (s *Script) unregisterAll() {
	for name, c := range s.callables.byName {
		s.callables.remove(c)
		if err := s.vm.DeleteFunction(name); err != nil {
			s.log.Warn("unregister after execution failed", "name", name, "error", err)
		}
	}
}

// Execute runs the script once. ctx is checked before the run starts; a
// started run is not interrupted. Errors recorded by callables during the run
// are joined to the returned error.
func (s *Script) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.expect("execute", StateCompiled); err != nil {
		return err
	}
	s.state = StateExecuting
	start := time.Now()
	err := s.vm.Exec()
	s.duration = time.Since(start)
	s.unregisterAll()
	metrics.ScriptDuration.Observe(s.duration.Seconds())

	if err != nil {
		s.state = StateFailed
		status := metrics.StatusFailed
		if engine.CodeOf(err) == engine.CodeAbort {
			status = metrics.StatusAborted
		}
		metrics.ScriptExecutions.WithLabelValues(status).Inc()
		s.log.Debug("script failed", "error", err, "duration", s.duration)
		errs := append([]error{execErr("execute", err, s.vm.ErrLog())}, s.callables.errs...)
		return errors.Join(errs...)
	}
	s.state = StateFinished
	metrics.ScriptExecutions.WithLabelValues(metrics.StatusOK).Inc()
	return nil
}

// ErrLog returns the errors the engine reported while running this script.
func (s *Script) ErrLog() string { return s.vm.ErrLog() }

// Output returns what print and echo produced when no WithOutput sink is set.
func (s *Script) Output() string { return s.vm.Output() }

func (s *Script) Stats() ScriptStats {
	return ScriptStats{
		Handles:   s.tracker.Stats(),
		Callables: s.callables.snapshot(),
		Duration:  s.duration,
	}
}

// Close releases retained handles, the VM and then the name buffers. It is
// safe to call in every state and more than once.
func (s *Script) Close() error {
	if s.state == StateClosed {
		return nil
	}
	var errs []error
	for _, h := range s.retained {
		if err := s.tracker.Release(h); err != nil {
			errs = append(errs, err)
		}
	}
	s.retained = nil
	if err := s.tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.vm.Release(); err != nil {
		errs = append(errs, engineErr("close", "", err))
	}
	for _, n := range s.names {
		n.Free()
	}
	s.names = nil
	s.state = StateClosed
	return errors.Join(errs...)
}
