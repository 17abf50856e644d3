// Package arrowtest provides helpers for comparing Arrow records in tests.
package arrowtest

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Rows is a row-oriented view of a record. Each row maps a column name to its
// value; nulls are represented by nil.
type Rows []map[string]any

// RecordRows converts rec into [Rows]. Supported column types are int64,
// float64, string and boolean.
func RecordRows(rec arrow.Record) (Rows, error) {
	rows := make(Rows, rec.NumRows())
	for i := range rows {
		rows[i] = make(map[string]any, rec.NumCols())
	}

	for colIdx, col := range rec.Columns() {
		name := rec.ColumnName(colIdx)
		for row := range rows {
			if col.IsNull(row) {
				rows[row][name] = nil
				continue
			}

			switch arr := col.(type) {
			case *array.Int64:
				rows[row][name] = arr.Value(row)
			case *array.Float64:
				rows[row][name] = arr.Value(row)
			case *array.String:
				rows[row][name] = arr.Value(row)
			case *array.Boolean:
				rows[row][name] = arr.Value(row)
			default:
				return nil, fmt.Errorf("unsupported column type %s", col.DataType())
			}
		}
	}

	return rows, nil
}

// RecordsRows converts and concatenates the rows of every record.
func RecordsRows(recs []arrow.Record) (Rows, error) {
	var all Rows
	for _, rec := range recs {
		rows, err := RecordRows(rec)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	return all, nil
}

// Record builds a record with the given schema from rows. Missing or nil
// values are appended as nulls. Record panics if a value does not match the
// type of its column.
func Record(alloc memory.Allocator, schema *arrow.Schema, rows Rows) arrow.Record {
	rb := array.NewRecordBuilder(alloc, schema)
	defer rb.Release()

	for _, row := range rows {
		for i, field := range schema.Fields() {
			val, ok := row[field.Name]
			if !ok || val == nil {
				rb.Field(i).AppendNull()
				continue
			}

			switch b := rb.Field(i).(type) {
			case *array.Int64Builder:
				b.Append(toInt64(val))
			case *array.Float64Builder:
				b.Append(toFloat64(val))
			case *array.StringBuilder:
				b.Append(val.(string))
			case *array.BooleanBuilder:
				b.Append(val.(bool))
			default:
				panic(fmt.Sprintf("unsupported builder %T", b))
			}
		}
	}

	return rb.NewRecord()
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	default:
		panic(fmt.Sprintf("value %v (%T) is not an integer", v, v))
	}
}

func toFloat64(v any) float64 {
	switch v := v.(type) {
	case int:
		return float64(v)
	case float64:
		return v
	default:
		panic(fmt.Sprintf("value %v (%T) is not a float", v, v))
	}
}
