// Package memseg supplies a concrete, fully in-memory Segment
// implementation. The production single-segment engine is an external
// library behind the same interface; this reference implementation exists
// so the holder / proxy / optimizer machinery can be built and
// property-tested end to end without a real disk-backed vector engine. It
// has no real HNSW or mmap backing but tracks SegmentConfig's
// storage/index-kind fields so optimizer target-configuration decisions
// are observable.
package memseg

import (
	"math"
	"sort"

	"github.com/milvus-io/segmentcore/internal/segment"
)

type record struct {
	vector  segment.Vector
	payload segment.Payload
	deleted bool
}

// Segment is the in-memory reference implementation of segment.Segment.
type Segment struct {
	cfg           segment.SegmentConfig
	appendable    bool
	version       segment.SeqNumber
	points        map[segment.PointID]*record
	liveCount     int
	deletedCount  int
	indexedFields map[string]struct{}
}

var _ segment.Segment = (*Segment)(nil)

// New constructs an empty segment with the given configuration.
// Appendable segments accept structural writes (upsert of new points);
// non-appendable ones reject them.
func New(cfg segment.SegmentConfig, appendable bool) *Segment {
	return &Segment{
		cfg:           cfg,
		appendable:    appendable,
		points:        make(map[segment.PointID]*record),
		indexedFields: make(map[string]struct{}),
	}
}

func (s *Segment) Version() segment.SeqNumber { return s.version }

// gated reports whether opNum is stale enough to skip. The gate is
// strict: a call carrying the segment's own current-tip op_num is allowed
// to re-apply, which lets ProxySegment's move-then-overwrite sequence land
// both the copied old state and the new state in the scratch segment
// under the same incoming op_num. Ordinary replay of an already-superseded
// op_num (opNum < version) is still rejected, the case that matters for
// idempotent replay once the version has advanced past it.
func (s *Segment) gated(opNum segment.SeqNumber) bool { return opNum < s.version }

func (s *Segment) UpsertPoint(opNum segment.SeqNumber, id segment.PointID, vector segment.Vector) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	r, exists := s.points[id]
	if !exists {
		if !s.appendable {
			return false, segment.ErrService("segment is not appendable")
		}
		r = &record{}
		s.points[id] = r
		s.liveCount++
	} else if r.deleted {
		r.deleted = false
		s.deletedCount--
		s.liveCount++
	}
	r.vector = append(segment.Vector(nil), vector...)
	s.version = opNum
	return true, nil
}

func (s *Segment) DeletePoint(opNum segment.SeqNumber, id segment.PointID) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	r, ok := s.points[id]
	if !ok || r.deleted {
		return false, nil
	}
	r.deleted = true
	s.liveCount--
	s.deletedCount++
	return true, nil
}

func (s *Segment) SetFullPayload(opNum segment.SeqNumber, id segment.PointID, payload segment.Payload) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	r, ok := s.points[id]
	if !ok || r.deleted {
		return false, nil
	}
	r.payload = payload.Clone()
	return true, nil
}

func (s *Segment) SetPayload(opNum segment.SeqNumber, id segment.PointID, key string, value segment.PayloadValue) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	r, ok := s.points[id]
	if !ok || r.deleted {
		return false, nil
	}
	if r.payload == nil {
		r.payload = make(segment.Payload)
	}
	r.payload[key] = value
	return true, nil
}

func (s *Segment) DeletePayload(opNum segment.SeqNumber, id segment.PointID, key string) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	r, ok := s.points[id]
	if !ok || r.deleted {
		return false, nil
	}
	delete(r.payload, key)
	return true, nil
}

func (s *Segment) ClearPayload(opNum segment.SeqNumber, id segment.PointID) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	r, ok := s.points[id]
	if !ok || r.deleted {
		return false, nil
	}
	r.payload = nil
	return true, nil
}

func (s *Segment) CreateFieldIndex(opNum segment.SeqNumber, key string) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	s.indexedFields[key] = struct{}{}
	return true, nil
}

func (s *Segment) DeleteFieldIndex(opNum segment.SeqNumber, key string) (bool, error) {
	if s.gated(opNum) {
		return false, nil
	}
	s.version = opNum
	delete(s.indexedFields, key)
	return true, nil
}

func (s *Segment) Vector(id segment.PointID) (segment.Vector, error) {
	r, ok := s.points[id]
	if !ok || r.deleted {
		return nil, segment.ErrPointNotFound(id)
	}
	return r.vector, nil
}

func (s *Segment) Payload(id segment.PointID) (segment.Payload, error) {
	r, ok := s.points[id]
	if !ok || r.deleted {
		return nil, segment.ErrPointNotFound(id)
	}
	return r.payload, nil
}

func (s *Segment) HasPoint(id segment.PointID) bool {
	r, ok := s.points[id]
	return ok && !r.deleted
}

func (s *Segment) IterPoints() ([]segment.PointID, error) {
	ids := make([]segment.PointID, 0, s.liveCount)
	for id, r := range s.points {
		if !r.deleted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Segment) VectorsCount() int { return s.liveCount }
func (s *Segment) DeletedCount() int { return s.deletedCount }

func (s *Segment) Info() segment.SegmentInfo {
	typ := segment.SegmentTypePlain
	if s.cfg.Index == segment.IndexHNSW {
		typ = segment.SegmentTypeIndexed
	}
	ramBytes := uint64(s.liveCount) * uint64(s.cfg.Dim) * 4
	diskBytes := uint64(0)
	if s.cfg.Storage == segment.StorageMMap {
		diskBytes = ramBytes
	}
	return segment.SegmentInfo{
		SegmentType:       typ,
		NumVectors:        s.liveCount,
		NumDeletedVectors: s.deletedCount,
		RAMUsageBytes:     ramBytes,
		DiskUsageBytes:    diskBytes,
		IsAppendable:      s.appendable,
		Schema:            s.cfg,
	}
}

func (s *Segment) Config() segment.SegmentConfig { return s.cfg }
func (s *Segment) IsAppendable() bool            { return s.appendable }

// Seal marks the segment read-only from here on. Optimizers build their
// replacement segments appendable so the catch-up phase can insert points
// created mid-rebuild, then seal the result before swapping it in when its
// configuration is an indexed or memory-mapped kind.
func (s *Segment) Seal() { s.appendable = false }

func (s *Segment) IndexedFields() []string {
	out := make([]string, 0, len(s.indexedFields))
	for k := range s.indexedFields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Segment) Flush() (segment.SeqNumber, error) { return s.version, nil }

func (s *Segment) DropData() error {
	s.points = make(map[segment.PointID]*record)
	s.liveCount = 0
	s.deletedCount = 0
	return nil
}

func (s *Segment) Search(vector segment.Vector, filter *segment.Filter, topK int, _ *segment.SearchParams) ([]segment.ScoredPoint, error) {
	results := make([]segment.ScoredPoint, 0, s.liveCount)
	for id, r := range s.points {
		if r.deleted {
			continue
		}
		if !filter.Matches(id, r.payload) {
			continue
		}
		results = append(results, segment.ScoredPoint{
			ID:      id,
			Score:   score(s.cfg.Distance, vector, r.vector),
			Vector:  r.vector,
			Payload: r.payload,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func score(d segment.Distance, a, b segment.Vector) float32 {
	switch d {
	case segment.DistanceEuclid:
		var sum float64
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			diff := float64(a[i] - b[i])
			sum += diff * diff
		}
		return float32(-math.Sqrt(sum))
	case segment.DistanceDot:
		var sum float64
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			sum += float64(a[i]) * float64(b[i])
		}
		return float32(sum)
	default: // DistanceCosine
		var dot, na, nb float64
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
	}
}
