package aggregate

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

type kind uint8

const (
	kindNull kind = iota
	kindInt
	kindFloat
	kindString
	kindBool
)

// scalar is a comparable copy of a single non-null value. Floats are stored
// by their (normalized) bit pattern so that scalars can be used as map keys.
type scalar struct {
	kind kind
	i    int64
	s    string
}

func (s scalar) int() int64 { return s.i }

func (s scalar) float() float64 {
	if s.kind == kindInt {
		return float64(s.i)
	}
	return math.Float64frombits(uint64(s.i))
}

// size returns an estimate of the memory held by s.
func (s scalar) size() int64 { return 24 + int64(len(s.s)) }

// appendBytes appends a canonical encoding of s to dst.
func (s scalar) appendBytes(dst []byte) []byte {
	switch s.kind {
	case kindString:
		dst = binary.AppendUvarint(dst, uint64(len(s.s)))
		return append(dst, s.s...)
	case kindBool:
		return append(dst, byte(s.i))
	default:
		return binary.BigEndian.AppendUint64(dst, uint64(s.i))
	}
}

func normalizeFloat(f float64) int64 {
	switch {
	case f == 0: // folds -0 into +0
		return 0
	case math.IsNaN(f):
		return int64(math.Float64bits(math.NaN()))
	default:
		return int64(math.Float64bits(f))
	}
}

// column gives typed access to one input column of a chunk.
type column interface {
	IsNull(row int) bool
	// value returns the value at row. It must not be called for null rows.
	value(row int) scalar
}

type int64Column struct{ *array.Int64 }

func (c int64Column) value(row int) scalar { return scalar{kind: kindInt, i: c.Value(row)} }

type float64Column struct{ *array.Float64 }

func (c float64Column) value(row int) scalar {
	return scalar{kind: kindFloat, i: normalizeFloat(c.Value(row))}
}

type stringColumn struct{ *array.String }

func (c stringColumn) value(row int) scalar {
	// The value is backed by the Arrow data buffer, which is released with
	// the chunk. Clone it so the aggregator does not retain the chunk.
	return scalar{kind: kindString, s: strings.Clone(c.Value(row))}
}

// peek returns the value at row without copying. The result is only valid
// while the chunk is alive.
func (c stringColumn) peek(row int) string { return c.Value(row) }

type boolColumn struct{ *array.Boolean }

func (c boolColumn) value(row int) scalar {
	var i int64
	if c.Value(row) {
		i = 1
	}
	return scalar{kind: kindBool, i: i}
}

func newColumn(arr arrow.Array) (column, error) {
	switch arr := arr.(type) {
	case *array.Int64:
		return int64Column{arr}, nil
	case *array.Float64:
		return float64Column{arr}, nil
	case *array.String:
		return stringColumn{arr}, nil
	case *array.Boolean:
		return boolColumn{arr}, nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", arr.DataType())
	}
}

func supportedType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT64, arrow.FLOAT64, arrow.STRING, arrow.BOOL:
		return true
	default:
		return false
	}
}

func numericType(dt arrow.DataType) bool {
	return dt.ID() == arrow.INT64 || dt.ID() == arrow.FLOAT64
}

// keyEncoder encodes the group-by columns of a row into a byte string. Each
// column is encoded as a one-byte null marker optionally followed by the
// value, so that composite keys with nulls never collide.
type keyEncoder struct {
	buf []byte
}

func (e *keyEncoder) encode(cols []column, row int) string {
	e.buf = e.buf[:0]
	for _, col := range cols {
		if col.IsNull(row) {
			e.buf = append(e.buf, 0)
			continue
		}
		e.buf = append(e.buf, 1)

		// Avoid cloning strings: the key is copied once below.
		if sc, ok := col.(stringColumn); ok {
			v := sc.peek(row)
			e.buf = binary.AppendUvarint(e.buf, uint64(len(v)))
			e.buf = append(e.buf, v...)
			continue
		}
		e.buf = col.value(row).appendBytes(e.buf)
	}
	return string(e.buf)
}

// decodeKey appends the values of an encoded key to builders. types holds the
// data type of each key column, in order.
func decodeKey(key string, types []arrow.DataType, builders []array.Builder) error {
	b := []byte(key)
	for i, dt := range types {
		if len(b) == 0 {
			return fmt.Errorf("truncated group key")
		}
		marker := b[0]
		b = b[1:]
		if marker == 0 {
			builders[i].AppendNull()
			continue
		}

		switch dt.ID() {
		case arrow.INT64:
			builders[i].(*array.Int64Builder).Append(int64(binary.BigEndian.Uint64(b)))
			b = b[8:]
		case arrow.FLOAT64:
			builders[i].(*array.Float64Builder).Append(math.Float64frombits(binary.BigEndian.Uint64(b)))
			b = b[8:]
		case arrow.STRING:
			n, read := binary.Uvarint(b)
			if read <= 0 {
				return fmt.Errorf("corrupt string length in group key")
			}
			b = b[read:]
			builders[i].(*array.StringBuilder).Append(string(b[:n]))
			b = b[n:]
		case arrow.BOOL:
			builders[i].(*array.BooleanBuilder).Append(b[0] == 1)
			b = b[1:]
		default:
			return fmt.Errorf("unsupported key type %s", dt)
		}
	}
	return nil
}
