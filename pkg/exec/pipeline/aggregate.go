package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/aggregate"
	"github.com/qiyongbo/starrocks/pkg/exec/notify"
)

// AggregateSinkFactory creates the sink lanes of an aggregation. All lanes
// share one [aggregate.Aggregator].
type AggregateSinkFactory struct {
	factoryBase
	agg      *aggregate.Aggregator
	distinct bool
}

var _ OperatorFactory = (*AggregateSinkFactory)(nil)

// NewAggregateSinkFactory returns a factory for blocking sinks feeding agg.
func NewAggregateSinkFactory(id, planNodeID int32, agg *aggregate.Aggregator) *AggregateSinkFactory {
	return &AggregateSinkFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, agg: agg}
}

// NewAggregateDistinctSinkFactory returns a factory for distinct blocking
// sinks feeding agg. The sinks switch agg to [aggregate.PhaseMerge] when
// created.
func NewAggregateDistinctSinkFactory(id, planNodeID int32, agg *aggregate.Aggregator) *AggregateSinkFactory {
	return &AggregateSinkFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, agg: agg, distinct: true}
}

// Create implements [OperatorFactory].
func (f *AggregateSinkFactory) Create(_, lane int) Operator {
	f.agg.Retain()
	sink := &AggregateBlockingSinkOperator{
		baseOperator: newBaseOperator("aggregate_blocking_sink", f.id, f.planNodeID),
		agg:          f.agg,
		lane:         lane,
	}
	if !f.distinct {
		return sink
	}

	sink.name = "aggregate_distinct_blocking_sink"
	f.agg.SetPhase(aggregate.PhaseMerge)
	return &AggregateDistinctBlockingSinkOperator{AggregateBlockingSinkOperator: sink}
}

// AggregateBlockingSinkOperator consumes all of its input into a shared
// aggregator and never produces output.
type AggregateBlockingSinkOperator struct {
	baseOperator
	agg  *aggregate.Aggregator
	lane int
}

var _ Operator = (*AggregateBlockingSinkOperator)(nil)

func (o *AggregateBlockingSinkOperator) Prepare(_ context.Context) error {
	if err := o.prepare(); err != nil {
		return err
	}
	return o.agg.Validate()
}

func (o *AggregateBlockingSinkOperator) NeedInput() bool  { return !o.finishing }
func (o *AggregateBlockingSinkOperator) HasOutput() bool  { return false }
func (o *AggregateBlockingSinkOperator) IsFinished() bool { return o.finishing }

// Finish marks the lane as done. If ctx is canceled the aggregator is
// canceled instead, so its readers finish without waiting for a result.
func (o *AggregateBlockingSinkOperator) Finish(ctx context.Context) {
	if o.finishing {
		return
	}
	o.finishing = true

	if ctx.Err() != nil {
		o.agg.Cancel(context.Cause(ctx))
		return
	}
	if err := o.agg.SinkFinished(o.lane); err != nil {
		o.agg.Cancel(err)
	}
}

func (o *AggregateBlockingSinkOperator) PushChunk(ctx context.Context, rec arrow.Record) error {
	if err := o.beginPush(rec, o.NeedInput()); err != nil {
		return err
	}
	defer rec.Release()
	return o.agg.Update(ctx, o.lane, rec)
}

func (o *AggregateBlockingSinkOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	return nil, o.beginPull(false)
}

func (o *AggregateBlockingSinkOperator) Close() { o.agg.Release() }

// AggregateDistinctBlockingSinkOperator is a blocking sink whose aggregator
// runs in the merge phase: values of distinct functions are deduplicated per
// group before they are folded.
type AggregateDistinctBlockingSinkOperator struct {
	*AggregateBlockingSinkOperator
}

var _ Operator = (*AggregateDistinctBlockingSinkOperator)(nil)

// AggregateSourceFactory creates the source lanes reading the output of an
// aggregation.
type AggregateSourceFactory struct {
	factoryBase
	agg *aggregate.Aggregator
}

var _ OperatorFactory = (*AggregateSourceFactory)(nil)

// NewAggregateSourceFactory returns a factory for sources draining agg.
func NewAggregateSourceFactory(id, planNodeID int32, agg *aggregate.Aggregator) *AggregateSourceFactory {
	return &AggregateSourceFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, agg: agg}
}

// Create implements [OperatorFactory].
func (f *AggregateSourceFactory) Create(dop, lane int) Operator {
	f.agg.Retain()
	return &AggregateBlockingSourceOperator{
		baseOperator: newBaseOperator("aggregate_blocking_source", f.id, f.planNodeID),
		agg:          f.agg,
		lane:         lane,
		setupErr:     f.agg.SetOutputLanes(dop),
	}
}

// AggregateBlockingSourceOperator emits the partition of a shared aggregator
// assigned to its lane once every sink lane has finished.
type AggregateBlockingSourceOperator struct {
	baseOperator
	agg      *aggregate.Aggregator
	lane     int
	setupErr error
}

var (
	_ Operator          = (*AggregateBlockingSourceOperator)(nil)
	_ notify.Observable = (*AggregateBlockingSourceOperator)(nil)
)

func (o *AggregateBlockingSourceOperator) Prepare(_ context.Context) error {
	if err := o.prepare(); err != nil {
		return err
	}
	if o.setupErr != nil {
		return o.setupErr
	}
	return o.agg.Validate()
}

// Notifier returns the notifier of the aggregator, broadcast when its output
// becomes ready or it fails.
func (o *AggregateBlockingSourceOperator) Notifier() *notify.Notifier { return o.agg.Notifier() }

func (o *AggregateBlockingSourceOperator) NeedInput() bool { return false }

func (o *AggregateBlockingSourceOperator) HasOutput() bool {
	return !o.finishing && o.agg.Failed() == nil && o.agg.HasMore(o.lane)
}

func (o *AggregateBlockingSourceOperator) IsFinished() bool {
	return o.finishing || o.agg.Failed() != nil || (o.agg.Ready() && !o.agg.HasMore(o.lane))
}

func (o *AggregateBlockingSourceOperator) Finish(_ context.Context) { o.finishing = true }

func (o *AggregateBlockingSourceOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	return o.beginPush(rec, o.NeedInput())
}

func (o *AggregateBlockingSourceOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	if err := o.beginPull(o.HasOutput()); err != nil {
		return nil, err
	}
	rec, err := o.agg.Output(o.lane)
	if err != nil {
		return nil, err
	}
	return o.pulled(rec), nil
}

func (o *AggregateBlockingSourceOperator) Close() { o.agg.Release() }
