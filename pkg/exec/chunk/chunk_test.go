package chunk

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
	"github.com/qiyongbo/starrocks/pkg/util/arrowtest"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

func TestProjection(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := arrowtest.Record(alloc, testSchema, arrowtest.Rows{
		{"key": "a", "value": 1},
		{"key": nil, "value": 2},
	})
	defer rec.Release()

	p := Projection{Columns: []string{"value", "key"}, Aliases: []string{"v", ""}}
	schema, err := p.Bind(testSchema)
	require.NoError(t, err)
	require.Equal(t, []string{"v", "key"}, []string{schema.Field(0).Name, schema.Field(1).Name})

	out := p.Apply(rec)
	defer out.Release()

	rows, err := arrowtest.RecordRows(out)
	require.NoError(t, err)
	require.Equal(t, arrowtest.Rows{
		{"v": int64(1), "key": "a"},
		{"v": int64(2), "key": nil},
	}, rows)
}

func TestProjection_UnknownColumn(t *testing.T) {
	p := Projection{Columns: []string{"missing"}}
	_, err := p.Bind(testSchema)
	require.True(t, status.Is(err, status.CodeContractViolation))
}

func TestCheckSchema(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := arrowtest.Record(alloc, testSchema, arrowtest.Rows{{"key": "a", "value": 1}})
	defer rec.Release()

	require.NoError(t, CheckSchema(testSchema, rec))

	other := arrow.NewSchema([]arrow.Field{{Name: "key", Type: arrow.BinaryTypes.String, Nullable: true}}, nil)
	require.True(t, status.Is(CheckSchema(other, rec), status.CodeContractViolation))
}

func TestRows(t *testing.T) {
	require.Zero(t, Rows(nil))
	Release(nil) // must not panic
}
