package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
)

// BufferedSourceFactory creates sources over chunks materialized before
// execution. Chunk i is read by lane i % dop.
type BufferedSourceFactory struct {
	factoryBase
	chunks []arrow.Record
}

var _ OperatorFactory = (*BufferedSourceFactory)(nil)

// NewBufferedSourceFactory returns a factory over chunks. The factory takes
// ownership of chunks; call [BufferedSourceFactory.Close] once all operators
// have been created.
func NewBufferedSourceFactory(id, planNodeID int32, chunks []arrow.Record) *BufferedSourceFactory {
	return &BufferedSourceFactory{
		factoryBase: factoryBase{id: id, planNodeID: planNodeID},
		chunks:      chunks,
	}
}

// Create implements [OperatorFactory].
func (f *BufferedSourceFactory) Create(dop, lane int) Operator {
	op := &BufferedSourceOperator{baseOperator: newBaseOperator("buffered_source", f.id, f.planNodeID)}
	for i, rec := range f.chunks {
		if i%dop != lane {
			continue
		}
		rec.Retain()
		op.chunks = append(op.chunks, rec)
	}
	return op
}

// Close releases the references held by the factory.
func (f *BufferedSourceFactory) Close() {
	for _, rec := range f.chunks {
		rec.Release()
	}
	f.chunks = nil
}

// BufferedSourceOperator emits a fixed list of chunks.
type BufferedSourceOperator struct {
	baseOperator
	chunks []arrow.Record
}

var _ Operator = (*BufferedSourceOperator)(nil)

func (o *BufferedSourceOperator) Prepare(_ context.Context) error { return o.prepare() }

func (o *BufferedSourceOperator) NeedInput() bool { return false }
func (o *BufferedSourceOperator) HasOutput() bool { return !o.finishing && len(o.chunks) > 0 }
func (o *BufferedSourceOperator) IsFinished() bool {
	return o.finishing || len(o.chunks) == 0
}

// Finish drops the chunks that were not read.
func (o *BufferedSourceOperator) Finish(_ context.Context) {
	o.finishing = true
	o.releaseAll()
}

func (o *BufferedSourceOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	return o.beginPush(rec, o.NeedInput())
}

func (o *BufferedSourceOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	if err := o.beginPull(o.HasOutput()); err != nil {
		return nil, err
	}
	rec := o.chunks[0]
	o.chunks[0] = nil
	o.chunks = o.chunks[1:]
	return o.pulled(rec), nil
}

func (o *BufferedSourceOperator) Close() { o.releaseAll() }

func (o *BufferedSourceOperator) releaseAll() {
	for _, rec := range o.chunks {
		chunk.Release(rec)
	}
	o.chunks = nil
}
