package bridge

import (
	"errors"
	"log/slog"

	"docvm/pkg/engine"
	"docvm/pkg/metrics"
)

// HandleKind selects what Acquire allocates.
type HandleKind int

const (
	ScalarHandle HandleKind = iota
	ArrayHandle
	// ObjectHandle is an array that decodes as a map even when empty.
	ObjectHandle
)

// TrackerStats counts handle traffic through a Tracker.
type TrackerStats struct {
	Acquired    int
	Released    int
	Outstanding int
}

// Tracker accounts for every handle the bridge obtains from one owner, either
// a VM or the CallContext of a host callable. Handles must go back through the
// Tracker they came from; Close reclaims whatever is still outstanding and
// logs the imbalance.
//
// OWNERSHIP: not safe for concurrent use. A Tracker bound to a CallContext
// must be closed before the callable returns.
type Tracker struct {
	owner    engine.Values
	label    string
	log      *slog.Logger
	live     map[engine.Handle]struct{}
	acquired int
	released int
	closed   bool
}

// NewTracker binds a tracker to owner. label names the owner kind in metrics
// and logs ("vm", "callback").
func NewTracker(owner engine.Values, label string) *Tracker {
	return &Tracker{
		owner: owner,
		label: label,
		log:   slog.Default(),
		live:  make(map[engine.Handle]struct{}),
	}
}

func (t *Tracker) withLogger(l *slog.Logger) *Tracker {
	if l != nil {
		t.log = l
	}
	return t
}

func (t *Tracker) Owner() engine.Values { return t.owner }

func (t *Tracker) Acquire(kind HandleKind) (engine.Handle, error) {
	if t.closed {
		return 0, lifecycleErr("acquire", "tracker for %s is closed", t.label)
	}
	var (
		h   engine.Handle
		err error
	)
	switch kind {
	case ArrayHandle:
		h, err = t.owner.NewArray()
	case ObjectHandle:
		h, err = t.owner.NewObject()
	default:
		h, err = t.owner.NewScalar()
	}
	if err != nil {
		return 0, engineErr("acquire", "", err)
	}
	t.track(h)
	return h, nil
}

// Adopt takes over a handle the engine minted on the owner's behalf, such as
// the result of ExtractVar or ArrayFetch.
func (t *Tracker) Adopt(h engine.Handle) error {
	if t.closed {
		return lifecycleErr("adopt", "tracker for %s is closed", t.label)
	}
	if _, ok := t.live[h]; ok {
		return lifecycleErr("adopt", "handle %#x is already tracked", uint64(h))
	}
	t.track(h)
	return nil
}

func (t *Tracker) track(h engine.Handle) {
	t.live[h] = struct{}{}
	t.acquired++
	metrics.HandlesAcquired.WithLabelValues(t.label).Inc()
}

func (t *Tracker) Release(h engine.Handle) error {
	if _, ok := t.live[h]; !ok {
		t.log.Error("release of untracked handle", "owner", t.label, "handle", uint64(h))
		return lifecycleErr("release", "handle %#x is not tracked by this %s tracker", uint64(h), t.label)
	}
	delete(t.live, h)
	t.released++
	metrics.HandlesReleased.WithLabelValues(t.label).Inc()
	if err := t.owner.ReleaseValue(h); err != nil {
		return engineErr("release", "", err)
	}
	return nil
}

func (t *Tracker) Outstanding() int { return len(t.live) }

func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{Acquired: t.acquired, Released: t.released, Outstanding: len(t.live)}
}

// Close releases every outstanding handle. It is idempotent.
func (t *Tracker) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if len(t.live) == 0 {
		return nil
	}
	t.log.Warn("tracker closed with outstanding handles", "owner", t.label, "outstanding", len(t.live))
	var errs []error
	for h := range t.live {
		delete(t.live, h)
		t.released++
		metrics.HandlesReleased.WithLabelValues(t.label).Inc()
		if err := t.owner.ReleaseValue(h); err != nil {
			errs = append(errs, engineErr("close", "", err))
		}
	}
	return errors.Join(errs...)
}

// Scope groups handles acquired for one operation so they can be released
// together, newest first, whatever path the operation leaves by.
type Scope struct {
	t       *Tracker
	handles []engine.Handle
}

func (t *Tracker) Scope() *Scope { return &Scope{t: t} }

func (s *Scope) Acquire(kind HandleKind) (engine.Handle, error) {
	h, err := s.t.Acquire(kind)
	if err != nil {
		return 0, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *Scope) Adopt(h engine.Handle) error {
	if err := s.t.Adopt(h); err != nil {
		return err
	}
	s.handles = append(s.handles, h)
	return nil
}

// Release returns h early.
func (s *Scope) Release(h engine.Handle) error {
	s.detach(h)
	return s.t.Release(h)
}

// Keep hands h over to the caller: the tracker still accounts for it, but
// Close no longer releases it.
func (s *Scope) Keep(h engine.Handle) {
	s.detach(h)
}

func (s *Scope) detach(h engine.Handle) {
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i] == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			return
		}
	}
}

func (s *Scope) Close() error {
	var errs []error
	for i := len(s.handles) - 1; i >= 0; i-- {
		if err := s.t.Release(s.handles[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}
