// Package collection implements the upward-facing entry points — Update,
// Search, Info — on top of the holder's routing rules and the segment
// contract, wrapping a collection's segments behind one aggregate query
// surface.
package collection

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/milvus-io/segmentcore/internal/log"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
)

// Collection owns one collection's segment holder and the monotonic
// sequence counter operations are stamped with before routing.
type Collection struct {
	Config segment.SegmentConfig

	Holder *holder.SegmentHolder
	seq    atomic.Uint64
}

// New returns an empty collection with one appendable segment, matching a
// freshly created collection that has not yet received any writes.
func New(cfg segment.SegmentConfig) *Collection {
	c := &Collection{Config: cfg, Holder: holder.New()}
	c.Holder.Add(memseg.New(cfg, true))
	return c
}

// NextSeq mints the next sequence number for an operation arriving from
// upstream. In this in-process reference the collection itself is the
// authority; a WAL-backed deployment would instead stamp seq numbers
// before they ever reach Update.
func (c *Collection) NextSeq() segment.SeqNumber {
	return segment.SeqNumber(c.seq.Inc())
}

// Update routes one operation to the segment that owns its point (or to a
// random appendable segment for inserts of unseen points) and applies it
// under the given seq. It reports whether the operation actually mutated
// anything (false for replays of an already-applied seq).
func (c *Collection) Update(opNum segment.SeqNumber, op Operation) (bool, error) {
	switch o := op.(type) {
	case UpsertPointOp:
		return c.withRoutedWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.UpsertPoint(opNum, o.ID, o.Vector)
		})
	case DeletePointOp:
		return c.withExistingWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.DeletePoint(opNum, o.ID)
		})
	case SetFullPayloadOp:
		return c.withExistingWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.SetFullPayload(opNum, o.ID, o.Payload)
		})
	case SetPayloadOp:
		return c.withExistingWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.SetPayload(opNum, o.ID, o.Key, o.Value)
		})
	case DeletePayloadOp:
		return c.withExistingWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.DeletePayload(opNum, o.ID, o.Key)
		})
	case ClearPayloadOp:
		return c.withExistingWrite(o.ID, func(s segment.Segment) (bool, error) {
			return s.ClearPayload(opNum, o.ID)
		})
	case CreateFieldIndexOp:
		return c.broadcastWrite(func(s segment.Segment) (bool, error) {
			return s.CreateFieldIndex(opNum, o.Key)
		})
	case DeleteFieldIndexOp:
		return c.broadcastWrite(func(s segment.Segment) (bool, error) {
			return s.DeleteFieldIndex(opNum, o.Key)
		})
	default:
		return false, segment.ErrService("unknown operation type")
	}
}

// withRoutedWrite routes to the segment already owning id, falling back to
// a random appendable segment for points the collection has never seen.
func (c *Collection) withRoutedWrite(id segment.PointID, fn func(segment.Segment) (bool, error)) (bool, error) {
	if _, locked, ok := c.Holder.SegmentOf(id); ok {
		return applyLocked(locked, fn)
	}
	if _, locked, ok := c.Holder.RandomAppendable(); ok {
		return applyLocked(locked, fn)
	}
	return false, segment.ErrService("no appendable segment available")
}

// withExistingWrite applies fn only if some segment already owns id; an
// operation on an unknown point is a no-op rather than fabricating a new
// point (mutators other than UpsertPoint never create points structurally).
func (c *Collection) withExistingWrite(id segment.PointID, fn func(segment.Segment) (bool, error)) (bool, error) {
	locked, ok := c.lockedOwnerOf(id)
	if !ok {
		return false, nil
	}
	return applyLocked(locked, fn)
}

func (c *Collection) lockedOwnerOf(id segment.PointID) (holder.LockedSegment, bool) {
	_, locked, ok := c.Holder.SegmentOf(id)
	return locked, ok
}

// broadcastWrite applies fn to every live segment, used for field-index
// mutators which are collection-wide rather than point-scoped.
func (c *Collection) broadcastWrite(fn func(segment.Segment) (bool, error)) (bool, error) {
	any := false
	for _, e := range c.Holder.Iter() {
		applied, err := applyLocked(e.Segment, fn)
		if err != nil {
			return any, err
		}
		any = any || applied
	}
	return any, nil
}

func applyLocked(locked holder.LockedSegment, fn func(segment.Segment) (bool, error)) (bool, error) {
	var applied bool
	var err error
	locked.WithLock(func(s segment.Segment) {
		applied, err = fn(s)
	})
	return applied, err
}

// Search fans a query out across every live segment concurrently and
// merges the per-segment hits into one top-K list. There is no
// cross-segment snapshot isolation: each segment is searched against
// whatever state it holds at the moment its own sub-search runs.
func (c *Collection) Search(ctx context.Context, vector segment.Vector, filter *segment.Filter, topK int, params *segment.SearchParams) ([]segment.ScoredPoint, error) {
	entries := c.Holder.Iter()

	var mu sync.Mutex
	var merged []segment.ScoredPoint

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s := e.Segment.RLock()
			defer e.Segment.RUnlock()
			hits, err := s.Search(vector, filter, topK, params)
			if err != nil {
				return err
			}
			mu.Lock()
			merged = append(merged, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortByScoreDesc(merged)
	if topK >= 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func sortByScoreDesc(points []segment.ScoredPoint) {
	// insertion sort is adequate here: per-segment results arrive already
	// sorted, so the merge is nearly-sorted in the common case.
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Score > points[j-1].Score; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}

// Info aggregates SegmentInfo across every held segment.
func (c *Collection) Info() segment.SegmentInfo {
	agg := segment.SegmentInfo{Schema: c.Config, IsAppendable: true}
	for _, e := range c.Holder.Iter() {
		info := e.Segment.RLock().Info()
		e.Segment.RUnlock()
		agg.NumVectors += info.NumVectors
		agg.NumDeletedVectors += info.NumDeletedVectors
		agg.RAMUsageBytes += info.RAMUsageBytes
		agg.DiskUsageBytes += info.DiskUsageBytes
	}
	return agg
}

// Flush flushes every live segment and returns the minimum durably-stored
// seq across all of them — the collection's durable watermark.
func (c *Collection) Flush() (segment.SeqNumber, error) {
	entries := c.Holder.Iter()
	if len(entries) == 0 {
		return 0, nil
	}
	min := segment.SeqNumber(^uint64(0))
	for _, e := range entries {
		seq, err := flushLocked(e.Segment)
		if err != nil {
			return 0, err
		}
		if seq < min {
			min = seq
		}
	}
	log.Debug("collection flush complete", zap.Uint64("durable_seq", uint64(min)))
	return min, nil
}

func flushLocked(locked holder.LockedSegment) (segment.SeqNumber, error) {
	var seq segment.SeqNumber
	var err error
	locked.WithLock(func(s segment.Segment) {
		seq, err = s.Flush()
	})
	return seq, err
}
