// Package pipeline implements pipelined execution of plan fragments.
//
// A fragment is split into pipelines, each a chain of operators running from
// a source to a sink. Every pipeline is instantiated once per lane as a
// [Driver], and drivers are scheduled cooperatively on a fixed pool of worker
// goroutines by an [Executor]. A driver that cannot make progress parks
// itself; it is resumed by readiness events from state shared with other
// drivers rather than by polling.
package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// Operator is one stage of a pipeline. Operators exchange chunks by ownership:
// a chunk passed to PushChunk belongs to the operator from then on, and a
// chunk returned by PullChunk belongs to the caller.
//
// Operators are not safe for concurrent use; they are only called by the
// driver that owns them.
type Operator interface {
	ID() int32
	PlanNodeID() int32
	Name() string

	// Prepare allocates resources. It must be called exactly once, before
	// any other call that moves chunks.
	Prepare(ctx context.Context) error

	// NeedInput reports whether the operator can accept a chunk.
	NeedInput() bool
	// HasOutput reports whether a chunk can be pulled.
	HasOutput() bool
	// IsFinished reports whether the operator produced all of its output.
	IsFinished() bool

	// Finish signals that no more input follows. The operator drains any
	// buffered state and reports IsFinished within a bounded number of
	// subsequent pulls. Finish is idempotent.
	Finish(ctx context.Context)

	// PushChunk hands chunk to the operator. It may only be called when
	// NeedInput is true. After Finish it fails with [status.CodeCancelled].
	PushChunk(ctx context.Context, chunk arrow.Record) error
	// PullChunk returns the next chunk. It may only be called when HasOutput
	// is true, and may return a nil chunk if nothing was produced.
	PullChunk(ctx context.Context) (arrow.Record, error)

	// Close releases the resources held by the operator.
	Close()
}

// OperatorFactory creates the lane-local instances of an operator.
type OperatorFactory interface {
	ID() int32
	PlanNodeID() int32
	// Create returns the operator for lane out of dop parallel lanes.
	Create(dop, lane int) Operator
}

// Stats holds the counters of an operator.
type Stats struct {
	RowsIn    atomic.Int64
	RowsOut   atomic.Int64
	PushCalls atomic.Int64
	PullCalls atomic.Int64
}

// Profiled is implemented by operators that keep [Stats].
type Profiled interface {
	Stats() *Stats
}

// baseOperator holds the identity and lifecycle flags shared by all
// operators.
type baseOperator struct {
	id         int32
	planNodeID int32
	name       string

	prepared  bool
	finishing bool

	stats Stats
}

func newBaseOperator(name string, id, planNodeID int32) baseOperator {
	return baseOperator{id: id, planNodeID: planNodeID, name: name}
}

func (b *baseOperator) ID() int32         { return b.id }
func (b *baseOperator) PlanNodeID() int32 { return b.planNodeID }
func (b *baseOperator) Name() string      { return b.name }
func (b *baseOperator) Stats() *Stats     { return &b.stats }

func (b *baseOperator) prepare() error {
	if b.prepared {
		return status.Errorf(status.CodeContractViolation, "%s %d prepared twice", b.name, b.id)
	}
	b.prepared = true
	return nil
}

// beginPush checks the lifecycle preconditions of PushChunk. needInput is
// the result of the caller's NeedInput. On failure rec is released.
func (b *baseOperator) beginPush(rec arrow.Record, needInput bool) error {
	switch {
	case !b.prepared:
		chunk.Release(rec)
		return status.Errorf(status.CodeContractViolation, "push to %s %d before prepare", b.name, b.id)
	case b.finishing:
		chunk.Release(rec)
		return status.Errorf(status.CodeCancelled, "operator is closed: push to finished %s %d", b.name, b.id)
	case !needInput:
		chunk.Release(rec)
		return status.Errorf(status.CodeContractViolation, "push to %s %d which does not need input", b.name, b.id)
	}
	b.stats.PushCalls.Inc()
	b.stats.RowsIn.Add(int64(chunk.Rows(rec)))
	return nil
}

// beginPull checks the lifecycle preconditions of PullChunk.
func (b *baseOperator) beginPull(hasOutput bool) error {
	switch {
	case !b.prepared:
		return status.Errorf(status.CodeContractViolation, "pull from %s %d before prepare", b.name, b.id)
	case !hasOutput:
		return status.Errorf(status.CodeContractViolation, "pull from %s %d which has no output", b.name, b.id)
	}
	b.stats.PullCalls.Inc()
	return nil
}

func (b *baseOperator) pulled(rec arrow.Record) arrow.Record {
	b.stats.RowsOut.Add(int64(chunk.Rows(rec)))
	return rec
}

// factoryBase implements the identity methods of [OperatorFactory].
type factoryBase struct {
	id         int32
	planNodeID int32
}

func (f factoryBase) ID() int32         { return f.id }
func (f factoryBase) PlanNodeID() int32 { return f.planNodeID }
