// Package chunk contains helpers for working with chunks, the columnar batches
// that flow between operators.
//
// A chunk is an [arrow.Record]. Ownership of a chunk moves with the value:
// whoever receives a chunk from PushChunk or PullChunk must eventually call
// Release on it.
package chunk

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// Rows returns the number of rows in rec, treating a nil record as empty.
func Rows(rec arrow.Record) int {
	if rec == nil {
		return 0
	}
	return int(rec.NumRows())
}

// Release releases rec if it is non-nil.
func Release(rec arrow.Record) {
	if rec != nil {
		rec.Release()
	}
}

// CheckSchema returns a [status.CodeContractViolation] error if the schema of
// rec is not equal to expected.
func CheckSchema(expected *arrow.Schema, rec arrow.Record) error {
	if rec.Schema().Equal(expected) {
		return nil
	}
	return status.Errorf(status.CodeContractViolation, "chunk schema %s does not match expected schema %s", rec.Schema(), expected)
}

// ColumnIndex returns the index of the column called name in schema.
func ColumnIndex(schema *arrow.Schema, name string) (int, error) {
	indices := schema.FieldIndices(name)
	switch len(indices) {
	case 0:
		return -1, status.Errorf(status.CodeContractViolation, "column %q not found", name)
	case 1:
		return indices[0], nil
	default:
		return -1, status.Errorf(status.CodeContractViolation, "column %q is ambiguous", name)
	}
}

// Projection selects and optionally renames columns of a schema.
type Projection struct {
	Columns []string // Input column names, in output order.
	Aliases []string // Output names; empty or "" entries keep the input name.

	indices []int
	schema  *arrow.Schema
}

// Bind resolves the projection against an input schema and returns the output
// schema.
func (p *Projection) Bind(input *arrow.Schema) (*arrow.Schema, error) {
	if len(p.Aliases) > 0 && len(p.Aliases) != len(p.Columns) {
		return nil, fmt.Errorf("projection has %d columns but %d aliases", len(p.Columns), len(p.Aliases))
	}

	p.indices = make([]int, len(p.Columns))
	fields := make([]arrow.Field, len(p.Columns))
	for i, name := range p.Columns {
		idx, err := ColumnIndex(input, name)
		if err != nil {
			return nil, err
		}
		p.indices[i] = idx

		field := input.Field(idx)
		if len(p.Aliases) > 0 && p.Aliases[i] != "" {
			field.Name = p.Aliases[i]
		}
		fields[i] = field
	}

	p.schema = arrow.NewSchema(fields, nil)
	return p.schema, nil
}

// Apply returns a new record holding the projected columns of rec. The
// returned record shares buffers with rec; rec is not released.
func (p *Projection) Apply(rec arrow.Record) arrow.Record {
	cols := make([]arrow.Array, len(p.indices))
	for i, idx := range p.indices {
		cols[i] = rec.Column(idx)
	}
	return array.NewRecord(p.schema, cols, rec.NumRows())
}
