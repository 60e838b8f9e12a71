// Package holder implements the shared, reader-writer-locked segment
// handle and the segment registry that routes reads and
// writes across a collection's live segments.
package holder

import (
	"sync"

	"github.com/milvus-io/segmentcore/internal/segment"
)

// LockedSegment is a shared handle to one segment behind a reader-writer
// lock. Cloning the handle is cheap (it shares the underlying lock and
// segment by reference) and does not clone the segment itself; lifetime
// ends when the last holder drops the handle and the garbage collector
// reclaims the shared inner struct.
type LockedSegment struct {
	inner *lockedSegmentInner
}

type lockedSegmentInner struct {
	mu      sync.RWMutex
	segment segment.Segment
}

// NewLockedSegment wraps seg in a fresh reader-writer lock.
func NewLockedSegment(seg segment.Segment) LockedSegment {
	return LockedSegment{inner: &lockedSegmentInner{segment: seg}}
}

// Clone returns a handle sharing the same lock and segment.
func (l LockedSegment) Clone() LockedSegment {
	return LockedSegment{inner: l.inner}
}

// RLock acquires the read lock and returns the segment for inspection.
// Callers MUST call RUnlock when done.
func (l LockedSegment) RLock() segment.Segment {
	l.inner.mu.RLock()
	return l.inner.segment
}

func (l LockedSegment) RUnlock() { l.inner.mu.RUnlock() }

// Lock acquires the write lock and returns the segment for mutation.
// Callers MUST call Unlock when done.
func (l LockedSegment) Lock() segment.Segment {
	l.inner.mu.Lock()
	return l.inner.segment
}

func (l LockedSegment) Unlock() { l.inner.mu.Unlock() }

// WithRLock runs fn with the read lock held.
func (l LockedSegment) WithRLock(fn func(segment.Segment)) {
	s := l.RLock()
	defer l.RUnlock()
	fn(s)
}

// WithLock runs fn with the write lock held.
func (l LockedSegment) WithLock(fn func(segment.Segment)) {
	s := l.Lock()
	defer l.Unlock()
	fn(s)
}

// Replace swaps the wrapped segment under the write lock, used when a
// proxy collapses back to its wrapped original on optimizer failure
// without minting a new SegmentID.
func (l LockedSegment) Replace(seg segment.Segment) {
	l.inner.mu.Lock()
	defer l.inner.mu.Unlock()
	l.inner.segment = seg
}
