// Package proxy implements ProxySegment, the read-through/write-behind
// overlay an optimizer places in front of a segment it is rebuilding. A
// proxy pairs a read-only wrapped segment with a small appendable write
// segment shared by every sibling proxy in the same optimization batch,
// and tracks which wrapped points have been superseded so reads never see
// a point twice.
package proxy

import (
	"sort"

	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
)

// ProxySegment overlays a frozen wrapped segment with a mutable write
// segment, redirecting reads and writes so the collection keeps serving
// traffic while an optimizer rebuilds wrapped in the background.
type ProxySegment struct {
	wrapped holder.LockedSegment
	write   holder.LockedSegment

	deletedPoints  *pointSet
	createdIndexes *keySet
	deletedIndexes *keySet
}

var _ segment.Segment = (*ProxySegment)(nil)

// New builds a proxy over wrapped backed by the given (possibly
// batch-shared) write segment.
func New(wrapped, write holder.LockedSegment) *ProxySegment {
	return &ProxySegment{
		wrapped:        wrapped,
		write:          write,
		deletedPoints:  newPointSet(),
		createdIndexes: newKeySet(),
		deletedIndexes: newKeySet(),
	}
}

// DeletedPoints exposes a snapshot of points moved out of wrapped, read by
// the optimizer's catch-up phase to decide what the rebuild
// must still account for.
func (p *ProxySegment) DeletedPoints() map[segment.PointID]struct{} { return p.deletedPoints.Snapshot() }

// CreatedIndexes and DeletedIndexes expose the field-index diff recorded
// against wrapped's index set, applied to the optimizer's target segment
// before it is swapped in.
func (p *ProxySegment) CreatedIndexes() []string { return p.createdIndexes.Snapshot() }
func (p *ProxySegment) DeletedIndexes() []string { return p.deletedIndexes.Snapshot() }

func (p *ProxySegment) Version() segment.SeqNumber {
	wv := readVersion(p.wrapped)
	ww := readVersion(p.write)
	if ww > wv {
		return ww
	}
	return wv
}

func readVersion(l holder.LockedSegment) segment.SeqNumber {
	s := l.RLock()
	defer l.RUnlock()
	return s.Version()
}

// moveIfExists copies a point's current vector and payload out of wrapped
// and into write under opNum, the first time that point is touched through
// this proxy. Later touches are no-ops. The wrapped read lock is released
// before the write segment's write lock is taken; two proxies sharing one
// scratch segment would otherwise deadlock.
func (p *ProxySegment) moveIfExists(opNum segment.SeqNumber, id segment.PointID) (bool, error) {
	wrappedSeg := p.wrapped.RLock()
	has := wrappedSeg.HasPoint(id)
	var vec segment.Vector
	var payload segment.Payload
	if has {
		vec, _ = wrappedSeg.Vector(id)
		payload, _ = wrappedSeg.Payload(id)
	}
	p.wrapped.RUnlock()

	if !has || p.deletedPoints.Contains(id) {
		return false, nil
	}
	p.deletedPoints.Insert(id)

	var upsertErr, payloadErr error
	p.write.WithLock(func(s segment.Segment) {
		if _, upsertErr = s.UpsertPoint(opNum, id, vec); upsertErr != nil {
			return
		}
		_, payloadErr = s.SetFullPayload(opNum, id, payload)
	})
	if upsertErr != nil {
		return false, upsertErr
	}
	if payloadErr != nil {
		return false, payloadErr
	}
	return true, nil
}

func (p *ProxySegment) UpsertPoint(opNum segment.SeqNumber, id segment.PointID, vector segment.Vector) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	if _, err := p.moveIfExists(opNum, id); err != nil {
		return false, err
	}
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.UpsertPoint(opNum, id, vector)
	})
	return applied, err
}

// DeletePoint does not move the point into write, it only marks it
// tombstoned: copying a wrapped point's state into write before deleting
// it would resurrect it as a live record there. The point is inserted into
// deletedPoints iff wrapped has it, the delete is forwarded to write, and
// the result reports whether either branch observed the point.
func (p *ProxySegment) DeletePoint(opNum segment.SeqNumber, id segment.PointID) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	wrappedSeg := p.wrapped.RLock()
	hasWrapped := wrappedSeg.HasPoint(id)
	p.wrapped.RUnlock()
	if hasWrapped {
		p.deletedPoints.Insert(id)
	}

	var deletedInWrite bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		deletedInWrite, err = s.DeletePoint(opNum, id)
	})
	if err != nil {
		return false, err
	}
	return hasWrapped || deletedInWrite, nil
}

func (p *ProxySegment) SetFullPayload(opNum segment.SeqNumber, id segment.PointID, payload segment.Payload) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	if _, err := p.moveIfExists(opNum, id); err != nil {
		return false, err
	}
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.SetFullPayload(opNum, id, payload)
	})
	return applied, err
}

func (p *ProxySegment) SetPayload(opNum segment.SeqNumber, id segment.PointID, key string, value segment.PayloadValue) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	if _, err := p.moveIfExists(opNum, id); err != nil {
		return false, err
	}
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.SetPayload(opNum, id, key, value)
	})
	return applied, err
}

func (p *ProxySegment) DeletePayload(opNum segment.SeqNumber, id segment.PointID, key string) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	if _, err := p.moveIfExists(opNum, id); err != nil {
		return false, err
	}
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.DeletePayload(opNum, id, key)
	})
	return applied, err
}

func (p *ProxySegment) ClearPayload(opNum segment.SeqNumber, id segment.PointID) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	if _, err := p.moveIfExists(opNum, id); err != nil {
		return false, err
	}
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.ClearPayload(opNum, id)
	})
	return applied, err
}

// CreateFieldIndex and DeleteFieldIndex only ever touch write: wrapped is
// frozen for the optimizer's read, and the index diff they record here is
// replayed onto the optimizer's rebuilt target before the swap.
func (p *ProxySegment) CreateFieldIndex(opNum segment.SeqNumber, key string) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	p.createdIndexes.Insert(key)
	p.deletedIndexes.Remove(key)
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.CreateFieldIndex(opNum, key)
	})
	return applied, err
}

func (p *ProxySegment) DeleteFieldIndex(opNum segment.SeqNumber, key string) (bool, error) {
	if opNum < p.Version() {
		return false, nil
	}
	p.deletedIndexes.Insert(key)
	p.createdIndexes.Remove(key)
	var applied bool
	var err error
	p.write.WithLock(func(s segment.Segment) {
		applied, err = s.DeleteFieldIndex(opNum, key)
	})
	return applied, err
}

func (p *ProxySegment) HasPoint(id segment.PointID) bool {
	if p.write.RLock().HasPoint(id) {
		p.write.RUnlock()
		return true
	}
	p.write.RUnlock()
	if p.deletedPoints.Contains(id) {
		return false
	}
	has := p.wrapped.RLock().HasPoint(id)
	p.wrapped.RUnlock()
	return has
}

func (p *ProxySegment) Vector(id segment.PointID) (segment.Vector, error) {
	writeSeg := p.write.RLock()
	if writeSeg.HasPoint(id) {
		v, err := writeSeg.Vector(id)
		p.write.RUnlock()
		return v, err
	}
	p.write.RUnlock()
	if p.deletedPoints.Contains(id) {
		return nil, segment.ErrPointNotFound(id)
	}
	wrappedSeg := p.wrapped.RLock()
	defer p.wrapped.RUnlock()
	return wrappedSeg.Vector(id)
}

func (p *ProxySegment) Payload(id segment.PointID) (segment.Payload, error) {
	writeSeg := p.write.RLock()
	if writeSeg.HasPoint(id) {
		v, err := writeSeg.Payload(id)
		p.write.RUnlock()
		return v, err
	}
	p.write.RUnlock()
	if p.deletedPoints.Contains(id) {
		return nil, segment.ErrPointNotFound(id)
	}
	wrappedSeg := p.wrapped.RLock()
	defer p.wrapped.RUnlock()
	return wrappedSeg.Payload(id)
}

// IterPoints is a programming error on a proxy: callers iterate the
// collection's concrete segments directly, never through an overlay.
func (p *ProxySegment) IterPoints() ([]segment.PointID, error) {
	return nil, segment.ErrIterPointsUnsupported
}

// VectorsCount subtracts points masked out of wrapped (moved into write or
// deleted) so they aren't counted on both sides.
func (p *ProxySegment) VectorsCount() int {
	wrappedSeg := p.wrapped.RLock()
	wc := wrappedSeg.VectorsCount()
	p.wrapped.RUnlock()
	writeSeg := p.write.RLock()
	writec := writeSeg.VectorsCount()
	p.write.RUnlock()
	return wc - p.deletedPoints.Len() + writec
}

// DeletedCount reports write's deleted count only: wrapped's deletions are
// already absorbed into deletedPoints rather than counted here a second
// time.
func (p *ProxySegment) DeletedCount() int {
	writeSeg := p.write.RLock()
	defer p.write.RUnlock()
	return writeSeg.DeletedCount()
}

// Info reports IsAppendable false even though IsAppendable() itself returns
// true: the proxy accepts new-point writes (routed into write) so the
// collection keeps taking inserts during a rebuild, but it is a transitional
// overlay and must not be reported as a normal terminal appendable segment
// in aggregate collection stats. SegmentType is always Special,
// identifying this as a proxy rather than the wrapped segment's own
// Plain/Indexed kind; optimizer.availableVictims relies on this to skip
// segments already mid-rebuild.
func (p *ProxySegment) Info() segment.SegmentInfo {
	wrappedSeg := p.wrapped.RLock()
	wi := wrappedSeg.Info()
	p.wrapped.RUnlock()
	writeSeg := p.write.RLock()
	wwi := writeSeg.Info()
	p.write.RUnlock()

	return segment.SegmentInfo{
		SegmentType:       segment.SegmentTypeSpecial,
		NumVectors:        p.VectorsCount(),
		NumDeletedVectors: p.DeletedCount(),
		RAMUsageBytes:     wi.RAMUsageBytes + wwi.RAMUsageBytes,
		DiskUsageBytes:    wi.DiskUsageBytes + wwi.DiskUsageBytes,
		IsAppendable:      false,
		Schema:            wi.Schema,
	}
}

func (p *ProxySegment) Config() segment.SegmentConfig {
	wrappedSeg := p.wrapped.RLock()
	defer p.wrapped.RUnlock()
	return wrappedSeg.Config()
}

// IsAppendable always returns true: new points are routed into write
// regardless of whether wrapped itself was appendable.
func (p *ProxySegment) IsAppendable() bool { return true }

func (p *ProxySegment) IndexedFields() []string {
	wrappedSeg := p.wrapped.RLock()
	base := wrappedSeg.IndexedFields()
	p.wrapped.RUnlock()

	set := make(map[string]struct{}, len(base))
	for _, k := range base {
		set[k] = struct{}{}
	}
	for _, k := range p.createdIndexes.Snapshot() {
		set[k] = struct{}{}
	}
	for _, k := range p.deletedIndexes.Snapshot() {
		delete(set, k)
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Flush reports wrapped's durable baseline. The scratch segment's
// durability is the optimizer finalization's responsibility, not the
// proxy's.
func (p *ProxySegment) Flush() (segment.SeqNumber, error) {
	wrappedSeg := p.wrapped.RLock()
	defer p.wrapped.RUnlock()
	return wrappedSeg.Flush()
}

// DropData forwards only to wrapped. write is the scratch segment shared by
// the whole optimization batch and is left untouched by this call.
func (p *ProxySegment) DropData() error {
	var err error
	p.wrapped.WithLock(func(s segment.Segment) {
		err = s.DropData()
	})
	return err
}

// Search issues two sub-searches — wrapped with deleted_points excluded via
// a must_not HasId augmentation, write with the caller's filter unmodified
// — and concatenates both result lists without re-sorting or truncating
// beyond what each sub-search already applied.
func (p *ProxySegment) Search(vector segment.Vector, filter *segment.Filter, topK int, params *segment.SearchParams) ([]segment.ScoredPoint, error) {
	excluded := p.deletedPoints.Snapshot()
	wrappedFilter := segment.WithMustNotHasID(filter, excluded)

	wrappedSeg := p.wrapped.RLock()
	wrappedResults, err := wrappedSeg.Search(vector, wrappedFilter, topK, params)
	p.wrapped.RUnlock()
	if err != nil {
		return nil, err
	}

	writeSeg := p.write.RLock()
	writeResults, err := writeSeg.Search(vector, filter, topK, params)
	p.write.RUnlock()
	if err != nil {
		return nil, err
	}

	return append(wrappedResults, writeResults...), nil
}
