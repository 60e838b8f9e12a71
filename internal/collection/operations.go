package collection

import "github.com/milvus-io/segmentcore/internal/segment"

// Operation is one mutating request a collection can apply, the unit an
// upstream write-ahead log replays through Collection.Update. Each variant
// mirrors one Segment mutator.
type Operation interface {
	isOperation()
}

type UpsertPointOp struct {
	ID     segment.PointID
	Vector segment.Vector
}

type DeletePointOp struct {
	ID segment.PointID
}

type SetFullPayloadOp struct {
	ID      segment.PointID
	Payload segment.Payload
}

type SetPayloadOp struct {
	ID    segment.PointID
	Key   string
	Value segment.PayloadValue
}

type DeletePayloadOp struct {
	ID  segment.PointID
	Key string
}

type ClearPayloadOp struct {
	ID segment.PointID
}

type CreateFieldIndexOp struct {
	Key string
}

type DeleteFieldIndexOp struct {
	Key string
}

func (UpsertPointOp) isOperation()      {}
func (DeletePointOp) isOperation()      {}
func (SetFullPayloadOp) isOperation()   {}
func (SetPayloadOp) isOperation()       {}
func (DeletePayloadOp) isOperation()    {}
func (ClearPayloadOp) isOperation()     {}
func (CreateFieldIndexOp) isOperation() {}
func (DeleteFieldIndexOp) isOperation() {}
