package pipeline

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
)

// ResultBuffer collects the chunks produced by the result sinks of a
// fragment. It is safe for concurrent use.
type ResultBuffer struct {
	mu     sync.Mutex
	chunks []arrow.Record
	rows   int64
}

func (b *ResultBuffer) append(rec arrow.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, rec)
	b.rows += int64(chunk.Rows(rec))
}

// Rows returns the number of rows collected so far.
func (b *ResultBuffer) Rows() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

// Take returns the collected chunks and empties the buffer. The caller owns
// the returned chunks.
func (b *ResultBuffer) Take() []arrow.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunks := b.chunks
	b.chunks = nil
	return chunks
}

// Release releases all chunks still held by the buffer.
func (b *ResultBuffer) Release() {
	for _, rec := range b.Take() {
		rec.Release()
	}
}

// ResultSinkFactory creates sinks appending to a [ResultBuffer].
type ResultSinkFactory struct {
	factoryBase
	buffer *ResultBuffer
}

var _ OperatorFactory = (*ResultSinkFactory)(nil)

func NewResultSinkFactory(id, planNodeID int32, buffer *ResultBuffer) *ResultSinkFactory {
	return &ResultSinkFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, buffer: buffer}
}

// Create implements [OperatorFactory].
func (f *ResultSinkFactory) Create(_, _ int) Operator {
	return &ResultSinkOperator{
		baseOperator: newBaseOperator("result_sink", f.id, f.planNodeID),
		buffer:       f.buffer,
	}
}

// ResultSinkOperator hands every chunk it receives to a [ResultBuffer].
type ResultSinkOperator struct {
	baseOperator
	buffer *ResultBuffer
}

var _ Operator = (*ResultSinkOperator)(nil)

func (o *ResultSinkOperator) Prepare(_ context.Context) error { return o.prepare() }

func (o *ResultSinkOperator) NeedInput() bool  { return !o.finishing }
func (o *ResultSinkOperator) HasOutput() bool  { return false }
func (o *ResultSinkOperator) IsFinished() bool { return o.finishing }

func (o *ResultSinkOperator) Finish(_ context.Context) { o.finishing = true }

func (o *ResultSinkOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	if err := o.beginPush(rec, o.NeedInput()); err != nil {
		return err
	}
	o.buffer.append(rec)
	return nil
}

func (o *ResultSinkOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	return nil, o.beginPull(false)
}

func (o *ResultSinkOperator) Close() {}
