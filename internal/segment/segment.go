package segment

// Segment is the capability interface every segment variant honors:
// the in-memory reference implementation, the proxy overlay, and any real
// disk-backed engine plugged in behind it. Dynamic dispatch only
// happens at this boundary and at the holder; nothing downstream switches
// on concrete type.
//
// Invariants: HasPoint(p) iff p is yielded by IterPoints; Version never
// decreases; a non-appendable segment rejects structural writes;
// VectorsCount() (live points) and DeletedCount() are never negative.
//
// Every mutator is version-gated: if opNum < Version(), it returns
// (false, nil) without side effects. A call carrying the segment's own
// current-tip op_num is allowed to re-apply rather than being rejected;
// ProxySegment's move-then-overwrite sequence relies on this to land
// both the copied prior state and the new state under one incoming op_num.
// Otherwise the call applies and advances Version() to opNum.
type Segment interface {
	Version() SeqNumber

	// Search returns up to topK results honoring filter, sorted by score.
	Search(vector Vector, filter *Filter, topK int, params *SearchParams) ([]ScoredPoint, error)

	UpsertPoint(opNum SeqNumber, id PointID, vector Vector) (bool, error)
	DeletePoint(opNum SeqNumber, id PointID) (bool, error)
	SetFullPayload(opNum SeqNumber, id PointID, payload Payload) (bool, error)
	SetPayload(opNum SeqNumber, id PointID, key string, value PayloadValue) (bool, error)
	DeletePayload(opNum SeqNumber, id PointID, key string) (bool, error)
	ClearPayload(opNum SeqNumber, id PointID) (bool, error)
	CreateFieldIndex(opNum SeqNumber, key string) (bool, error)
	DeleteFieldIndex(opNum SeqNumber, key string) (bool, error)

	Vector(id PointID) (Vector, error)
	Payload(id PointID) (Payload, error)
	HasPoint(id PointID) bool

	// IterPoints snapshots the live point ids. Unsupported on a proxy:
	// callers must route iteration to the wrapped segment directly
	// instead.
	IterPoints() ([]PointID, error)

	VectorsCount() int
	DeletedCount() int
	Info() SegmentInfo
	Config() SegmentConfig
	IsAppendable() bool
	IndexedFields() []string

	// Flush persists durably and returns the highest durably-stored seq.
	Flush() (SeqNumber, error)
	// DropData removes on-disk state.
	DropData() error
}

// ErrIterPointsUnsupported is returned by IterPoints on a proxy segment.
// Reaching it is a programming error: iteration belongs on concrete
// segments.
var ErrIterPointsUnsupported = ErrService("iter_points is not supported on this segment variant")
