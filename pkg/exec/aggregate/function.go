package aggregate

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/axiomhq/hyperloglog"
)

// Func is an aggregate function.
type Func int

const (
	FuncSum Func = iota
	FuncCount
	FuncMin
	FuncMax
	FuncAvg
	FuncCountDistinct
	FuncSumDistinct
	FuncNDV // approximate count of distinct values
)

var funcNames = map[Func]string{
	FuncSum:           "sum",
	FuncCount:         "count",
	FuncMin:           "min",
	FuncMax:           "max",
	FuncAvg:           "avg",
	FuncCountDistinct: "count_distinct",
	FuncSumDistinct:   "sum_distinct",
	FuncNDV:           "ndv",
}

func (f Func) String() string {
	if name, ok := funcNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Func(%d)", int(f))
}

// ParseFunc returns the function with the given name.
func ParseFunc(name string) (Func, error) {
	for f, n := range funcNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregate function %q", name)
}

// Distinct reports whether f deduplicates its input values per group.
func (f Func) Distinct() bool {
	return f == FuncCountDistinct || f == FuncSumDistinct || f == FuncNDV
}

// Spec describes one aggregate function call.
type Spec struct {
	Func   Func
	Column string // Input column; empty means "*" and is only valid for count.
	Name   string // Output column name; defaults to func(column).
}

// OutputName returns the name of the output column for s.
func (s Spec) OutputName() string {
	if s.Name != "" {
		return s.Name
	}
	col := s.Column
	if col == "" {
		col = "*"
	}
	return fmt.Sprintf("%s(%s)", s.Func, col)
}

// aggState is the state of one aggregate function for one group.
type aggState struct {
	i    int64   // integer sum, min or max
	f    float64 // float sum, min, max or avg
	n    int64   // number of folded values; zero means the result is null (except for counts)
	seen map[scalar]struct{}
	hll  *hyperloglog.Sketch
}

// boundFunc is a [Spec] bound to an input schema.
type boundFunc struct {
	spec    Spec
	input   int // input column index, -1 for count(*)
	inType  arrow.DataType
	outType arrow.DataType
}

func bindFunc(spec Spec, schema *arrow.Schema) (boundFunc, error) {
	bf := boundFunc{spec: spec, input: -1}

	if spec.Column == "" {
		if spec.Func != FuncCount {
			return bf, fmt.Errorf("%s requires an input column", spec.Func)
		}
		bf.outType = arrow.PrimitiveTypes.Int64
		return bf, nil
	}

	indices := schema.FieldIndices(spec.Column)
	if len(indices) != 1 {
		return bf, fmt.Errorf("input column %q of %s not found", spec.Column, spec.Func)
	}
	bf.input = indices[0]
	bf.inType = schema.Field(bf.input).Type

	if !supportedType(bf.inType) {
		return bf, fmt.Errorf("unsupported input type %s for %s", bf.inType, spec.Func)
	}

	switch spec.Func {
	case FuncCount, FuncCountDistinct, FuncNDV:
		bf.outType = arrow.PrimitiveTypes.Int64
	case FuncSum, FuncMin, FuncMax, FuncSumDistinct:
		if !numericType(bf.inType) {
			return bf, fmt.Errorf("%s requires a numeric input, got %s", spec.Func, bf.inType)
		}
		bf.outType = bf.inType
	case FuncAvg:
		if !numericType(bf.inType) {
			return bf, fmt.Errorf("%s requires a numeric input, got %s", spec.Func, bf.inType)
		}
		bf.outType = arrow.PrimitiveTypes.Float64
	default:
		return bf, fmt.Errorf("unknown aggregate function %s", spec.Func)
	}
	return bf, nil
}

// validate checks that bf can run in the given phase.
func (bf boundFunc) validate(phase Phase, finalize bool) error {
	switch phase {
	case PhasePartial:
		// Distinct sets and averages have no single-column intermediate
		// form, so they must be finalized by the partial aggregator.
		if !finalize && (bf.spec.Func.Distinct() || bf.spec.Func == FuncAvg) {
			return fmt.Errorf("%s cannot produce intermediate results", bf.spec.Func)
		}
	case PhaseMerge:
		if bf.spec.Func == FuncAvg {
			return fmt.Errorf("%s cannot merge intermediate results", bf.spec.Func)
		}
		if bf.spec.Func == FuncCount && bf.input < 0 {
			return fmt.Errorf("count must reference the partial count column when merging")
		}
		if bf.spec.Func == FuncCount && bf.inType.ID() != arrow.INT64 {
			return fmt.Errorf("merging count requires an int64 column, got %s", bf.inType)
		}
	}
	return nil
}

// update folds the value of col at row into st. It returns the number of
// additional bytes retained by st.
func (bf boundFunc) update(st *aggState, col column, row int, phase Phase) (int64, error) {
	if bf.input < 0 { // count(*)
		st.n++
		return 0, nil
	}
	if col.IsNull(row) {
		return 0, nil
	}
	v := col.value(row)

	switch bf.spec.Func {
	case FuncSum:
		bf.add(st, v)
		st.n++
	case FuncCount:
		if phase == PhaseMerge {
			st.n += v.int()
		} else {
			st.n++
		}
	case FuncMin, FuncMax:
		bf.minMax(st, v)
	case FuncAvg:
		st.f += v.float()
		st.n++
	case FuncCountDistinct, FuncSumDistinct:
		if st.seen == nil {
			st.seen = make(map[scalar]struct{})
		}
		if _, ok := st.seen[v]; ok {
			return 0, nil
		}
		st.seen[v] = struct{}{}
		if phase == PhaseMerge {
			// The value is new for this group: fold it exactly once.
			bf.foldDistinct(st, v)
		}
		return v.size(), nil
	case FuncNDV:
		var grown int64
		if st.hll == nil {
			sketch, err := newSketch()
			if err != nil {
				return 0, err
			}
			st.hll = sketch
			grown = sketchSize
		}
		st.hll.Insert(v.appendBytes(nil))
		return grown, nil
	}
	return 0, nil
}

func (bf boundFunc) add(st *aggState, v scalar) {
	if bf.inType.ID() == arrow.INT64 {
		st.i += v.int()
	} else {
		st.f += v.float()
	}
}

func (bf boundFunc) minMax(st *aggState, v scalar) {
	isInt := bf.inType.ID() == arrow.INT64
	if st.n == 0 {
		st.i, st.f = v.int(), v.float()
		st.n++
		return
	}
	st.n++

	less := func() bool {
		if isInt {
			return v.int() < st.i
		}
		return v.float() < st.f
	}()
	greater := func() bool {
		if isInt {
			return v.int() > st.i
		}
		return v.float() > st.f
	}()

	if (bf.spec.Func == FuncMin && less) || (bf.spec.Func == FuncMax && greater) {
		st.i, st.f = v.int(), v.float()
	}
}

func (bf boundFunc) foldDistinct(st *aggState, v scalar) {
	if bf.spec.Func == FuncSumDistinct {
		bf.add(st, v)
	}
	st.n++
}

// merge folds the partial state src into dst. Both states must belong to the
// same group and have been produced by lane-local partial aggregation.
func (bf boundFunc) merge(dst, src *aggState) error {
	switch bf.spec.Func {
	case FuncSum, FuncAvg:
		dst.i += src.i
		dst.f += src.f
		dst.n += src.n
	case FuncCount:
		dst.n += src.n
	case FuncMin, FuncMax:
		if src.n == 0 {
			return nil
		}
		n := dst.n + src.n
		bf.minMax(dst, scalar{kind: kindOf(bf.inType), i: scalarBits(bf.inType, src)})
		dst.n = n
	case FuncCountDistinct, FuncSumDistinct:
		if dst.seen == nil {
			dst.seen = src.seen
			return nil
		}
		for v := range src.seen {
			dst.seen[v] = struct{}{}
		}
	case FuncNDV:
		if src.hll == nil {
			return nil
		}
		if dst.hll == nil {
			dst.hll = src.hll
			return nil
		}
		return dst.hll.Merge(src.hll)
	}
	return nil
}

// finalizeDistinct folds the unioned distinct set of a partial state. It is
// called exactly once per group after all lanes have been merged.
func (bf boundFunc) finalizeDistinct(st *aggState) {
	if bf.spec.Func != FuncCountDistinct && bf.spec.Func != FuncSumDistinct {
		return
	}
	st.i, st.f, st.n = 0, 0, 0
	for v := range st.seen {
		bf.foldDistinct(st, v)
	}
}

// appendResult appends the result for st to b, which must be a builder for
// bf.outType.
func (bf boundFunc) appendResult(b array.Builder, st *aggState) {
	switch bf.spec.Func {
	case FuncCount, FuncCountDistinct:
		b.(*array.Int64Builder).Append(st.n)
		return
	case FuncNDV:
		var estimate uint64
		if st.hll != nil {
			estimate = st.hll.Estimate()
		}
		b.(*array.Int64Builder).Append(int64(estimate))
		return
	}

	if st.n == 0 {
		b.AppendNull()
		return
	}

	switch bf.spec.Func {
	case FuncAvg:
		b.(*array.Float64Builder).Append(st.f / float64(st.n))
	default:
		if bf.outType.ID() == arrow.INT64 {
			b.(*array.Int64Builder).Append(st.i)
		} else {
			b.(*array.Float64Builder).Append(st.f)
		}
	}
}

func kindOf(dt arrow.DataType) kind {
	switch dt.ID() {
	case arrow.INT64:
		return kindInt
	case arrow.FLOAT64:
		return kindFloat
	case arrow.STRING:
		return kindString
	case arrow.BOOL:
		return kindBool
	default:
		return kindNull
	}
}

// scalarBits returns the current min/max of st in scalar form.
func scalarBits(dt arrow.DataType, st *aggState) int64 {
	if dt.ID() == arrow.INT64 {
		return st.i
	}
	return normalizeFloat(st.f)
}

const (
	sketchPrecision = 12
	sketchSize      = 1 << sketchPrecision
)

func newSketch() (*hyperloglog.Sketch, error) {
	return hyperloglog.NewSketch(sketchPrecision, true)
}
