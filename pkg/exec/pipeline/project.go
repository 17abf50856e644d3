package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
)

// ProjectFactory creates operators that select and rename columns.
type ProjectFactory struct {
	factoryBase
	input   *arrow.Schema
	columns []string
	aliases []string
}

var _ OperatorFactory = (*ProjectFactory)(nil)

// NewProjectFactory returns a factory for operators projecting columns of
// input chunks with schema input. aliases may be nil.
func NewProjectFactory(id, planNodeID int32, input *arrow.Schema, columns, aliases []string) *ProjectFactory {
	return &ProjectFactory{
		factoryBase: factoryBase{id: id, planNodeID: planNodeID},
		input:       input,
		columns:     columns,
		aliases:     aliases,
	}
}

// Create implements [OperatorFactory].
func (f *ProjectFactory) Create(_, _ int) Operator {
	return &ProjectOperator{
		baseOperator: newBaseOperator("project", f.id, f.planNodeID),
		input:        f.input,
		projection:   chunk.Projection{Columns: f.columns, Aliases: f.aliases},
	}
}

// ProjectOperator is a pass-through transform holding at most one chunk.
type ProjectOperator struct {
	baseOperator
	input      *arrow.Schema
	projection chunk.Projection
	buffer     arrow.Record
}

var _ Operator = (*ProjectOperator)(nil)

func (o *ProjectOperator) Prepare(_ context.Context) error {
	if err := o.prepare(); err != nil {
		return err
	}
	_, err := o.projection.Bind(o.input)
	return err
}

func (o *ProjectOperator) NeedInput() bool  { return !o.finishing && o.buffer == nil }
func (o *ProjectOperator) HasOutput() bool  { return o.buffer != nil }
func (o *ProjectOperator) IsFinished() bool { return o.finishing && o.buffer == nil }

func (o *ProjectOperator) Finish(_ context.Context) { o.finishing = true }

func (o *ProjectOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	if err := o.beginPush(rec, o.NeedInput()); err != nil {
		return err
	}
	defer rec.Release()

	if err := chunk.CheckSchema(o.input, rec); err != nil {
		return err
	}
	o.buffer = o.projection.Apply(rec)
	return nil
}

func (o *ProjectOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	if err := o.beginPull(o.HasOutput()); err != nil {
		return nil, err
	}
	rec := o.buffer
	o.buffer = nil
	return o.pulled(rec), nil
}

func (o *ProjectOperator) Close() {
	chunk.Release(o.buffer)
	o.buffer = nil
}
