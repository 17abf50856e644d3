package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
	"github.com/qiyongbo/starrocks/pkg/exec/notify"
)

// LimitFactory creates operators that pass through at most limit rows in
// total across all lanes.
type LimitFactory struct {
	factoryBase
	remaining *atomic.Int64
	notifier  notify.Notifier
}

var _ OperatorFactory = (*LimitFactory)(nil)

// NewLimitFactory returns a factory for a limit of limit rows.
func NewLimitFactory(id, planNodeID int32, limit int64) *LimitFactory {
	return &LimitFactory{
		factoryBase: factoryBase{id: id, planNodeID: planNodeID},
		remaining:   atomic.NewInt64(max(limit, 0)),
	}
}

// Create implements [OperatorFactory].
func (f *LimitFactory) Create(_, _ int) Operator {
	return &LimitOperator{
		baseOperator: newBaseOperator("limit", f.id, f.planNodeID),
		factory:      f,
	}
}

// claim takes up to n rows from the shared budget and reports how many were
// granted. The lane taking the last row notifies the other lanes.
func (f *LimitFactory) claim(n int64) int64 {
	for {
		left := f.remaining.Load()
		if left <= 0 {
			return 0
		}
		take := min(left, n)
		if f.remaining.CompareAndSwap(left, left-take) {
			if left == take {
				f.notifier.Broadcast()
			}
			return take
		}
	}
}

// LimitOperator truncates its input once the limit is reached and finishes
// early, letting the driver finish the operators upstream of it.
type LimitOperator struct {
	baseOperator
	factory *LimitFactory
	buffer  arrow.Record
}

var (
	_ Operator          = (*LimitOperator)(nil)
	_ notify.Observable = (*LimitOperator)(nil)
)

func (o *LimitOperator) Prepare(_ context.Context) error { return o.prepare() }

// Notifier returns the notifier broadcast when the limit is reached by any
// lane.
func (o *LimitOperator) Notifier() *notify.Notifier { return &o.factory.notifier }

func (o *LimitOperator) NeedInput() bool { return !o.finishing && o.buffer == nil }
func (o *LimitOperator) HasOutput() bool { return o.buffer != nil }
func (o *LimitOperator) IsFinished() bool {
	return o.buffer == nil && (o.finishing || o.factory.remaining.Load() <= 0)
}

func (o *LimitOperator) Finish(_ context.Context) { o.finishing = true }

func (o *LimitOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	if err := o.beginPush(rec, o.NeedInput()); err != nil {
		return err
	}

	rows := int64(chunk.Rows(rec))
	granted := o.factory.claim(rows)
	switch {
	case granted == 0:
		rec.Release()
	case granted < rows:
		o.buffer = rec.NewSlice(0, granted)
		rec.Release()
	default:
		o.buffer = rec
	}
	return nil
}

func (o *LimitOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	if err := o.beginPull(o.HasOutput()); err != nil {
		return nil, err
	}
	rec := o.buffer
	o.buffer = nil
	return o.pulled(rec), nil
}

func (o *LimitOperator) Close() {
	chunk.Release(o.buffer)
	o.buffer = nil
}
