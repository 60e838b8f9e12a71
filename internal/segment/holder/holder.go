package holder

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/milvus-io/segmentcore/internal/segment"
)

// SegmentID is a process-local, never-reused handle minted by the holder.
type SegmentID uint64

// Entry is one (id, handle) pair returned by a snapshot Iter call.
type Entry struct {
	ID      SegmentID
	Segment LockedSegment
}

// SegmentHolder is the keyed registry of a collection's live segments.
// All mutation of the id-to-segment mapping goes through a single
// RWMutex; individual segment locking is independent and lives on
// LockedSegment.
type SegmentHolder struct {
	mu       sync.RWMutex
	segments map[SegmentID]LockedSegment
	nextID   atomic.Uint64
}

// New returns an empty holder.
func New() *SegmentHolder {
	return &SegmentHolder{segments: make(map[SegmentID]LockedSegment)}
}

// Add registers a new segment and returns its freshly minted id.
func (h *SegmentHolder) Add(seg segment.Segment) SegmentID {
	id := SegmentID(h.nextID.Inc())
	locked := NewLockedSegment(seg)
	h.mu.Lock()
	h.segments[id] = locked
	h.mu.Unlock()
	return id
}

// AddLocked registers an already-wrapped handle (used when the optimizer
// hands back a LockedSegment it built directly).
func (h *SegmentHolder) AddLocked(locked LockedSegment) SegmentID {
	id := SegmentID(h.nextID.Inc())
	h.mu.Lock()
	h.segments[id] = locked
	h.mu.Unlock()
	return id
}

// Get looks up a segment by id.
func (h *SegmentHolder) Get(id SegmentID) (LockedSegment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.segments[id]
	return l, ok
}

// Iter takes a point-in-time snapshot of the registry. Because the
// snapshot is built under the holder's read lock, it is linearizable with
// respect to Swap: a caller either sees the full old set of
// ids or the full new set, never a mix missing both old and new.
func (h *SegmentHolder) Iter() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.segments))
	for id, l := range h.segments {
		out = append(out, Entry{ID: id, Segment: l})
	}
	return out
}

// Len reports the number of live segments.
func (h *SegmentHolder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.segments)
}

// Swap atomically removes removeIDs and inserts newSegment, returning its
// freshly minted id. The whole operation runs under the holder's single
// write lock so no Iter/Get call can observe a partial state.
func (h *SegmentHolder) Swap(newSegment segment.Segment, removeIDs []SegmentID) SegmentID {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range removeIDs {
		delete(h.segments, id)
	}
	id := SegmentID(h.nextID.Inc())
	h.segments[id] = NewLockedSegment(newSegment)
	return id
}

// RandomAppendable returns an arbitrary appendable segment, used to route
// writes that do not target an existing point.
func (h *SegmentHolder) RandomAppendable() (SegmentID, LockedSegment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, l := range h.segments {
		if l.RLock().IsAppendable() {
			l.RUnlock()
			return id, l, true
		}
		l.RUnlock()
	}
	return 0, LockedSegment{}, false
}

// SegmentOf scans segments for the one owning pointID, preferring an
// appendable segment on ties so routed writes can proceed without
// proxying.
func (h *SegmentHolder) SegmentOf(pointID segment.PointID) (SegmentID, LockedSegment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		foundID        SegmentID
		foundSeg       LockedSegment
		found          bool
		appendableID   SegmentID
		appendableSeg  LockedSegment
		foundAppendable bool
	)
	for id, l := range h.segments {
		s := l.RLock()
		has := s.HasPoint(pointID)
		appendable := s.IsAppendable()
		l.RUnlock()
		if !has {
			continue
		}
		if appendable {
			appendableID, appendableSeg, foundAppendable = id, l, true
			break
		}
		if !found {
			foundID, foundSeg, found = id, l, true
		}
	}
	if foundAppendable {
		return appendableID, appendableSeg, true
	}
	return foundID, foundSeg, found
}

// AllIDs returns every live segment id, for callers (like the optimizer
// trigger loop) that just need the current membership.
func (h *SegmentHolder) AllIDs() []SegmentID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]SegmentID, 0, len(h.segments))
	for id := range h.segments {
		ids = append(ids, id)
	}
	return ids
}
