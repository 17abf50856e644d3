// Package aggregate implements the hash aggregation shared by the sink and
// source operators of a pipeline.
//
// An [Aggregator] runs in one of two phases. In [PhasePartial] every sink lane
// owns a private shard of the hash table, so updates take no locks; once all
// lanes have finished, the shards are merged into one output partition per
// source lane. In [PhaseMerge] the input holds intermediate results (or raw
// values of distinct functions) from many producers, and all lanes update a
// single table whose stripes are guarded by locks so that each distinct value
// is folded exactly once per group.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/atomic"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
	"github.com/qiyongbo/starrocks/pkg/exec/notify"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
	"github.com/qiyongbo/starrocks/pkg/util/mempool"
)

// Phase is the aggregation phase of an [Aggregator].
type Phase int

const (
	// PhasePartial groups raw input rows independently per lane.
	PhasePartial Phase = iota
	// PhaseMerge consolidates intermediate results and deduplicates the
	// values of distinct functions.
	PhaseMerge
)

func (p Phase) String() string {
	switch p {
	case PhasePartial:
		return "PARTIAL"
	case PhaseMerge:
		return "MERGE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Params holds the parameters used to create an [Aggregator].
type Params struct {
	Schema     *arrow.Schema // Schema of every input chunk.
	GroupBy    []string      // Names of the group-by columns.
	Aggregates []Spec

	Phase Phase
	// Finalize emits final values instead of intermediate states.
	Finalize bool

	SinkLanes    int // Number of sink lanes calling Update; defaults to 1.
	ChunkSize    int // Maximum rows per output chunk; defaults to DefaultChunkSize.
	MergeStripes int // Defaults to DefaultMergeStripes.

	Tracker   *mempool.Tracker // Defaults to an unlimited tracker.
	Allocator memory.Allocator // Defaults to memory.DefaultAllocator.
}

func (p *Params) validate() error {
	if p.Schema == nil {
		return errors.New("input schema is required")
	}
	if len(p.GroupBy) == 0 && len(p.Aggregates) == 0 {
		return errors.New("at least one group-by column or aggregate is required")
	}
	if p.SinkLanes <= 0 {
		p.SinkLanes = 1
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.MergeStripes <= 0 {
		p.MergeStripes = DefaultMergeStripes
	}
	if p.Tracker == nil {
		p.Tracker = mempool.Unlimited("aggregate")
	}
	if p.Allocator == nil {
		p.Allocator = memory.DefaultAllocator
	}
	return nil
}

// Aggregator is the grouping and aggregation state shared by every lane of a
// sink operator and the paired source operator that reads its output.
//
// Sink lanes call [Aggregator.Update] concurrently (each lane from a single
// goroutine at a time) and [Aggregator.SinkFinished] once done. After the last
// lane finishes, the aggregator seals its key set, becomes ready and notifies
// observers; source lanes then drain their partition with
// [Aggregator.Output].
type Aggregator struct {
	params Params

	mu       sync.Mutex
	bound    bool
	bindErr  error
	keyIdx   []int
	keyTypes []arrow.DataType
	funcs    []boundFunc
	schema   *arrow.Schema // output schema

	shards  []*table  // lane-local tables (PhasePartial)
	stripes []*stripe // shared striped table (PhaseMerge)

	sinkDone    []bool
	sinksLeft   int
	outputLanes int
	partitions  [][]*group
	cursors     []int
	groups      int
	err         error

	sealed   *atomic.Bool
	ready    *atomic.Bool
	reserved *atomic.Int64
	refs     *atomic.Int32

	notifier notify.Notifier
}

// New returns a new Aggregator. Parameters are checked by
// [Aggregator.Validate], which must be called before the first Update.
func New(p Params) *Aggregator {
	return &Aggregator{
		params:      p,
		outputLanes: 1,
		sealed:      atomic.NewBool(false),
		ready:       atomic.NewBool(false),
		reserved:    atomic.NewInt64(0),
		refs:        atomic.NewInt32(0),
	}
}

// SetPhase changes the phase of the aggregator. It has no effect once the
// aggregator has been validated.
func (a *Aggregator) SetPhase(p Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.bound {
		a.params.Phase = p
	}
}

// Phase returns the current phase of the aggregator.
func (a *Aggregator) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params.Phase
}

// SetOutputLanes sets the number of source lanes reading the output. It must
// be called before the aggregator is sealed.
func (a *Aggregator) SetOutputLanes(n int) error {
	if n <= 0 {
		return status.Errorf(status.CodeContractViolation, "invalid number of output lanes %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed.Load() {
		return status.New(status.CodeContractViolation, "aggregator output lanes changed after seal")
	}
	a.outputLanes = n
	return nil
}

// Validate binds the aggregator to its input schema. It is safe to call more
// than once; every call returns the result of the first.
func (a *Aggregator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.bound {
		a.bound = true
		a.bindErr = a.bind()
		if a.bindErr != nil {
			a.bindErr = status.Wrap(status.CodeContractViolation, a.bindErr, "invalid aggregation")
		}
	}
	return a.bindErr
}

func (a *Aggregator) bind() error {
	if err := a.params.validate(); err != nil {
		return err
	}
	p := a.params

	fields := make([]arrow.Field, 0, len(p.GroupBy)+len(p.Aggregates))
	for _, name := range p.GroupBy {
		idx, err := chunk.ColumnIndex(p.Schema, name)
		if err != nil {
			return err
		}
		field := p.Schema.Field(idx)
		if !supportedType(field.Type) {
			return fmt.Errorf("unsupported group-by type %s for column %q", field.Type, name)
		}
		a.keyIdx = append(a.keyIdx, idx)
		a.keyTypes = append(a.keyTypes, field.Type)
		fields = append(fields, arrow.Field{Name: name, Type: field.Type, Nullable: true})
	}

	for _, spec := range p.Aggregates {
		bf, err := bindFunc(spec, p.Schema)
		if err != nil {
			return err
		}
		if err := bf.validate(p.Phase, p.Finalize); err != nil {
			return err
		}
		a.funcs = append(a.funcs, bf)
		fields = append(fields, arrow.Field{Name: spec.OutputName(), Type: bf.outType, Nullable: true})
	}
	a.schema = arrow.NewSchema(fields, nil)

	a.sinkDone = make([]bool, p.SinkLanes)
	a.sinksLeft = p.SinkLanes

	switch p.Phase {
	case PhasePartial:
		a.shards = make([]*table, p.SinkLanes)
		for i := range a.shards {
			a.shards[i] = newTable(0)
		}
	case PhaseMerge:
		a.stripes = make([]*stripe, p.MergeStripes)
		for i := range a.stripes {
			a.stripes[i] = &stripe{table: newTable(0)}
		}
	default:
		return fmt.Errorf("unknown phase %s", p.Phase)
	}
	return nil
}

// OutputSchema returns the schema of the chunks produced by
// [Aggregator.Output]: the group-by columns followed by one column per
// aggregate. It returns nil before a successful Validate.
func (a *Aggregator) OutputSchema() *arrow.Schema {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schema
}

// Notifier returns the notifier broadcast when the aggregator becomes ready
// or fails.
func (a *Aggregator) Notifier() *notify.Notifier { return &a.notifier }

// Update folds the rows of rec into the state of lane. rec is not released.
func (a *Aggregator) Update(ctx context.Context, lane int, rec arrow.Record) error {
	if err := ctx.Err(); err != nil {
		return status.Wrap(status.CodeCancelled, err, "aggregation cancelled")
	}
	if err := a.checkUpdate(lane); err != nil {
		return err
	}
	if err := chunk.CheckSchema(a.params.Schema, rec); err != nil {
		return err
	}

	rows := chunk.Rows(rec)
	if rows == 0 {
		return nil
	}

	keys := make([]column, len(a.keyIdx))
	for i, idx := range a.keyIdx {
		col, err := newColumn(rec.Column(idx))
		if err != nil {
			return status.Wrap(status.CodeContractViolation, err, "group-by column")
		}
		keys[i] = col
	}
	inputs := make([]column, len(a.funcs))
	for i, bf := range a.funcs {
		if bf.input < 0 {
			continue
		}
		col, err := newColumn(rec.Column(bf.input))
		if err != nil {
			return status.Wrap(status.CodeContractViolation, err, "aggregate input column")
		}
		inputs[i] = col
	}

	var enc keyEncoder
	if a.params.Phase == PhasePartial {
		return a.updateTable(a.shards[lane], &enc, keys, inputs, allRows(rows))
	}

	// Route rows to stripes first so each stripe lock is taken once per chunk.
	byStripe := make([][]int, len(a.stripes))
	for row := range rows {
		s := hashKey(enc.encode(keys, row)) % uint64(len(a.stripes))
		byStripe[s] = append(byStripe[s], row)
	}
	for s, selection := range byStripe {
		if len(selection) == 0 {
			continue
		}
		st := a.stripes[s]
		st.mu.Lock()
		err := a.updateTable(st.table, &enc, keys, inputs, selection)
		st.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) checkUpdate(lane int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.bound || a.bindErr != nil:
		return status.New(status.CodeContractViolation, "aggregator updated before successful validation")
	case lane < 0 || lane >= a.params.SinkLanes:
		return status.Errorf(status.CodeContractViolation, "sink lane %d out of range [0, %d)", lane, a.params.SinkLanes)
	case a.err != nil:
		return status.Wrap(status.CodeCancelled, a.err, "aggregator failed")
	case a.sealed.Load() || a.sinkDone[lane]:
		return status.Errorf(status.CodeContractViolation, "aggregator updated after lane %d finished", lane)
	}
	return nil
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func (a *Aggregator) updateTable(t *table, enc *keyEncoder, keys, inputs []column, rows []int) error {
	for _, row := range rows {
		key := enc.encode(keys, row)
		g, created := t.lookup(key, len(a.funcs))
		if created {
			if err := a.reserve(groupSize(key, len(a.funcs))); err != nil {
				t.groups.Delete(key)
				return err
			}
		}

		for i, bf := range a.funcs {
			grown, err := bf.update(&g.states[i], inputs[i], row, a.params.Phase)
			if err != nil {
				return status.Wrap(status.CodeInternal, err, "updating aggregate")
			}
			if err := a.reserve(grown); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Aggregator) reserve(n int64) error {
	if n <= 0 {
		return nil
	}
	if err := a.params.Tracker.TryConsume(n); err != nil {
		return err
	}
	a.reserved.Add(n)
	return nil
}

// SinkFinished marks lane as done. When every sink lane is done the
// aggregator merges its state into the output partitions, becomes ready and
// notifies observers. Calling SinkFinished twice for a lane is a no-op.
func (a *Aggregator) SinkFinished(lane int) error {
	a.mu.Lock()
	if !a.bound || a.bindErr != nil {
		a.mu.Unlock()
		return status.New(status.CodeContractViolation, "aggregator finished before successful validation")
	}
	if lane < 0 || lane >= len(a.sinkDone) {
		a.mu.Unlock()
		return status.Errorf(status.CodeContractViolation, "sink lane %d out of range [0, %d)", lane, len(a.sinkDone))
	}
	if a.sinkDone[lane] {
		a.mu.Unlock()
		return nil
	}
	a.sinkDone[lane] = true
	a.sinksLeft--
	if a.sinksLeft > 0 || a.err != nil {
		a.mu.Unlock()
		return nil
	}

	err := a.seal()
	if err != nil {
		a.err = err
	}
	a.mu.Unlock()

	a.notifier.Broadcast()
	return err
}

// seal freezes the key set and splits the groups into output partitions.
// a.mu must be held.
func (a *Aggregator) seal() error {
	a.sealed.Store(true)

	parts := a.outputLanes
	a.partitions = make([][]*group, parts)
	a.cursors = make([]int, parts)

	route := func(g *group) int { return int(hashKey(g.key) % uint64(parts)) }

	switch a.params.Phase {
	case PhasePartial:
		merged := make([]*table, parts)
		for i := range merged {
			merged[i] = newTable(0)
		}
		for _, shard := range a.shards {
			var mergeErr error
			shard.each(func(src *group) {
				if mergeErr != nil {
					return
				}
				dst, created := merged[route(src)].lookup(src.key, 0)
				if created {
					dst.states = src.states
					return
				}
				for i, bf := range a.funcs {
					if err := bf.merge(&dst.states[i], &src.states[i]); err != nil {
						mergeErr = err
						return
					}
				}
			})
			if mergeErr != nil {
				return status.Wrap(status.CodeInternal, mergeErr, "merging partial aggregates")
			}
		}
		a.shards = nil

		for p, t := range merged {
			t.each(func(g *group) {
				for i, bf := range a.funcs {
					bf.finalizeDistinct(&g.states[i])
				}
				a.partitions[p] = append(a.partitions[p], g)
			})
		}

	case PhaseMerge:
		for _, st := range a.stripes {
			st.each(func(g *group) {
				p := route(g)
				a.partitions[p] = append(a.partitions[p], g)
			})
		}
		a.stripes = nil
	}

	for _, part := range a.partitions {
		a.groups += len(part)
	}

	// A global aggregation produces exactly one row even without input.
	if len(a.keyIdx) == 0 && a.groups == 0 {
		a.partitions[0] = append(a.partitions[0], &group{states: make([]aggState, len(a.funcs))})
		a.groups = 1
	}

	a.ready.Store(true)
	return nil
}

// Ready reports whether all sink lanes have finished and output can be read.
func (a *Aggregator) Ready() bool { return a.ready.Load() }

// HasMore reports whether the partition of lane still has groups to output.
func (a *Aggregator) HasMore(lane int) bool {
	if !a.ready.Load() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if lane < 0 || lane >= len(a.partitions) {
		return false
	}
	return a.cursors[lane] < len(a.partitions[lane])
}

// Output materializes the next chunk of the partition of lane. It returns nil
// once the partition is drained. The caller owns the returned record.
func (a *Aggregator) Output(lane int) (arrow.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return nil, status.Wrap(status.CodeUpstreamFailure, a.err, "aggregation failed")
	}
	if !a.ready.Load() {
		return nil, status.New(status.CodeContractViolation, "aggregator output read before all sinks finished")
	}
	if lane < 0 || lane >= len(a.partitions) {
		return nil, status.Errorf(status.CodeContractViolation, "source lane %d out of range [0, %d)", lane, len(a.partitions))
	}

	part := a.partitions[lane]
	start := a.cursors[lane]
	if start >= len(part) {
		return nil, nil
	}
	end := min(start+a.params.ChunkSize, len(part))

	rb := array.NewRecordBuilder(a.params.Allocator, a.schema)
	defer rb.Release()
	rb.Reserve(end - start)

	keyBuilders := rb.Fields()[:len(a.keyIdx)]
	for _, g := range part[start:end] {
		if err := decodeKey(g.key, a.keyTypes, keyBuilders); err != nil {
			return nil, status.Wrap(status.CodeInternal, err, "decoding group key")
		}
		for i, bf := range a.funcs {
			bf.appendResult(rb.Field(len(a.keyIdx)+i), &g.states[i])
		}
	}

	// Drop emitted groups so their state can be collected.
	clear(part[start:end])
	a.cursors[lane] = end
	return rb.NewRecord(), nil
}

// Groups returns the number of groups after the aggregator is sealed.
func (a *Aggregator) Groups() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groups
}

// Cancel marks the aggregator as failed because of err. Readers observe the
// failure through [Aggregator.Failed] and finish early. Only the first
// cancellation is recorded.
func (a *Aggregator) Cancel(err error) {
	if err == nil {
		err = context.Canceled
	}
	a.mu.Lock()
	first := a.err == nil
	if first {
		a.err = err
	}
	a.mu.Unlock()

	if first {
		a.notifier.Broadcast()
	}
}

// Failed returns the error the aggregator failed with, if any.
func (a *Aggregator) Failed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Retain adds a reference to the aggregator. Every operator sharing the
// aggregator holds one reference.
func (a *Aggregator) Retain() { a.refs.Inc() }

// Release drops a reference. Dropping the last reference frees the hash
// tables and returns reserved memory to the tracker.
func (a *Aggregator) Release() {
	if a.refs.Dec() > 0 {
		return
	}

	a.mu.Lock()
	a.shards = nil
	a.stripes = nil
	a.partitions = nil
	a.mu.Unlock()

	if n := a.reserved.Swap(0); n > 0 && a.params.Tracker != nil {
		a.params.Tracker.Release(n)
	}
}
