package engine

import (
	"log/slog"
)

// Handle is an opaque reference to a Value living in a VM's heap. The low 32
// bits hold the slot index plus one, the high 32 bits the slot generation.
// The zero Handle is never valid.
type Handle uint64

func (h Handle) index() int { return int(uint32(h)) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func makeHandle(idx int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(idx+1)))
}

// ownerID identifies who minted a handle: the VM itself or one foreign call.
type ownerID uint32

const vmOwner ownerID = 1

type slot struct {
	gen   uint32
	owner ownerID
	live  bool
	val   *Value
}

// heap is the handle arena of one VM. Slots are recycled through a free list;
// bumping the generation on release makes stale handles detectable.
//
// THREAD-SAFETY: not safe for concurrent use. One VM runs on one goroutine.
type heap struct {
	slots     []slot
	free      []int
	live      int
	leaked    int
	nextOwner ownerID
}

func newHeap() *heap {
	return &heap{nextOwner: vmOwner + 1}
}

func (h *heap) newOwner() ownerID {
	id := h.nextOwner
	h.nextOwner++
	return id
}

func (h *heap) alloc(owner ownerID, v *Value) Handle {
	var idx int
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.slots = append(h.slots, slot{})
		idx = len(h.slots) - 1
	}
	s := &h.slots[idx]
	s.gen++
	s.owner = owner
	s.live = true
	s.val = v
	h.live++
	return makeHandle(idx, s.gen)
}

func (h *heap) lookup(hd Handle) (*slot, bool) {
	idx := hd.index()
	if hd == 0 || idx < 0 || idx >= len(h.slots) {
		return nil, false
	}
	s := &h.slots[idx]
	if !s.live || s.gen != hd.generation() {
		return nil, false
	}
	return s, true
}

func (h *heap) value(hd Handle) (*Value, error) {
	s, ok := h.lookup(hd)
	if !ok {
		return nil, newError(CodeInvalid, "handle", "stale or unknown handle %#x", uint64(hd))
	}
	return s.val, nil
}

func (h *heap) release(owner ownerID, hd Handle) error {
	s, ok := h.lookup(hd)
	if !ok {
		return newError(CodeInvalid, "release", "stale or unknown handle %#x", uint64(hd))
	}
	if s.owner != owner {
		return newError(CodeInvalid, "release", "handle %#x belongs to another owner", uint64(hd))
	}
	h.drop(hd.index())
	return nil
}

func (h *heap) drop(idx int) {
	s := &h.slots[idx]
	s.live = false
	s.val = nil
	s.owner = 0
	h.free = append(h.free, idx)
	h.live--
}

// releaseOwner reclaims every slot still held by owner and returns how many
// there were. Leftovers are counted as leaks.
func (h *heap) releaseOwner(owner ownerID) int {
	n := 0
	for i := range h.slots {
		if h.slots[i].live && h.slots[i].owner == owner {
			h.drop(i)
			n++
		}
	}
	if n > 0 {
		h.leaked += n
		slog.Debug("engine: reclaimed unreleased handles", "owner", owner, "count", n)
	}
	return n
}
