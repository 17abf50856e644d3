package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// nullValue is the CSV spelling of a null value.
const nullValue = `\N`

var columnTypes = map[string]arrow.DataType{
	"int64":   arrow.PrimitiveTypes.Int64,
	"float64": arrow.PrimitiveTypes.Float64,
	"string":  arrow.BinaryTypes.String,
	"bool":    arrow.FixedWidthTypes.Boolean,
}

// parseColumns returns the schema described by columns of the form
// name:type.
func parseColumns(columns []string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		name, typ, ok := strings.Cut(strings.TrimSpace(col), ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("column %q must be of the form name:type", col)
		}
		dt, ok := columnTypes[strings.ToLower(typ)]
		if !ok {
			return nil, fmt.Errorf("column %q has unsupported type %q", name, typ)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

// readChunks reads r as CSV with the given schema into chunks of at most
// chunkSize rows. The caller owns the returned chunks.
func readChunks(r io.Reader, schema *arrow.Schema, cfg InputConfig, alloc memory.Allocator) ([]arrow.Record, error) {
	reader := csv.NewReader(
		r,
		schema,
		csv.WithAllocator(alloc),
		csv.WithHeader(cfg.Header),
		csv.WithComma([]rune(cfg.Delimiter)[0]),
		csv.WithNullReader(true, nullValue),
		csv.WithChunk(cfg.ChunkSize),
	)
	defer reader.Release()

	var chunks []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		chunks = append(chunks, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range chunks {
			rec.Release()
		}
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	return chunks, nil
}
