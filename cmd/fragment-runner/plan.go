package main

import (
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/aggregate"
	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
	"github.com/qiyongbo/starrocks/pkg/exec/engine"
	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
)

// parseAggregates parses aggregates of the form func:column, or func alone
// for count(*).
func parseAggregates(specs []string) ([]aggregate.Spec, error) {
	out := make([]aggregate.Spec, 0, len(specs))
	for _, s := range specs {
		name, column, _ := strings.Cut(strings.TrimSpace(s), ":")
		fn, err := aggregate.ParseFunc(name)
		if err != nil {
			return nil, err
		}
		out = append(out, aggregate.Spec{Func: fn, Column: column})
	}
	return out, nil
}

// plan holds the operator factories of a group-by fragment.
type plan struct {
	pipelines []pipeline.PipelineSpec
	result    *pipeline.ResultBuffer
	schema    *arrow.Schema // schema of the result rows
}

// mergeable reports whether every aggregate has an intermediate form that a
// second aggregation can merge.
func mergeable(specs []aggregate.Spec) bool {
	return !slices.ContainsFunc(specs, func(s aggregate.Spec) bool {
		return s.Func.Distinct() || s.Func == aggregate.FuncAvg
	})
}

// allDistinct reports whether every aggregate deduplicates its input. Only
// those can fold raw rows into a merging table.
func allDistinct(specs []aggregate.Spec) bool {
	return !slices.ContainsFunc(specs, func(s aggregate.Spec) bool { return !s.Func.Distinct() })
}

// buildPlan builds the pipelines of a group-by over the chunks of source.
//
// When every aggregate can be merged the plan aggregates twice: lanes
// pre-aggregate their share of the input, and the partial results are
// redistributed through a local exchange into a merging aggregation.
// When every aggregate is distinct the input is redistributed first and
// deduplicated in distinct sinks sharing one merging table. Anything else,
// such as averages or distinct aggregates mixed with plain ones, is computed
// in a single finalizing aggregation.
func buildPlan(e *engine.Engine, input *arrow.Schema, source pipeline.OperatorFactory, q QueryConfig) (*plan, error) {
	specs, err := parseAggregates(q.Aggregates)
	if err != nil {
		return nil, err
	}

	// Only the referenced columns flow into the aggregation.
	var columns []string
	for _, name := range q.GroupBy {
		if !slices.Contains(columns, name) {
			columns = append(columns, name)
		}
	}
	for _, s := range specs {
		if s.Column != "" && !slices.Contains(columns, s.Column) {
			columns = append(columns, s.Column)
		}
	}
	if len(columns) == 0 {
		// count(*) alone still needs a column to count rows of.
		columns = []string{input.Field(0).Name}
	}
	projection := chunk.Projection{Columns: columns}
	projected, err := projection.Bind(input)
	if err != nil {
		return nil, err
	}

	p := &plan{result: &pipeline.ResultBuffer{}}
	scan := []pipeline.OperatorFactory{source, pipeline.NewProjectFactory(2, 1, input, columns, nil)}

	var final *aggregate.Aggregator
	switch {
	case mergeable(specs):
		partial := e.NewAggregator(aggregate.Params{
			Schema:     projected,
			GroupBy:    q.GroupBy,
			Aggregates: specs,
			Phase:      aggregate.PhasePartial,
			SinkLanes:  q.DOP,
		})
		if err := partial.Validate(); err != nil {
			return nil, err
		}

		merge := make([]aggregate.Spec, len(specs))
		for i, s := range specs {
			merge[i] = aggregate.Spec{Func: s.Func, Column: s.OutputName(), Name: s.OutputName()}
		}
		final = e.NewAggregator(aggregate.Params{
			Schema:     partial.OutputSchema(),
			GroupBy:    q.GroupBy,
			Aggregates: merge,
			Phase:      aggregate.PhaseMerge,
			Finalize:   true,
			SinkLanes:  q.DOP,
		})

		exchange := e.NewExchange()
		p.pipelines = append(p.pipelines,
			pipeline.PipelineSpec{DOP: q.DOP, Factories: append(scan, pipeline.NewAggregateSinkFactory(3, 2, partial))},
			pipeline.PipelineSpec{DOP: q.DOP, Factories: []pipeline.OperatorFactory{
				pipeline.NewAggregateSourceFactory(4, 2, partial),
				pipeline.NewExchangeSinkFactory(5, 3, exchange),
			}},
			pipeline.PipelineSpec{DOP: q.DOP, Factories: []pipeline.OperatorFactory{
				pipeline.NewExchangeSourceFactory(6, 3, exchange),
				pipeline.NewAggregateSinkFactory(7, 4, final),
			}},
		)

	case allDistinct(specs):
		final = e.NewAggregator(aggregate.Params{
			Schema:     projected,
			GroupBy:    q.GroupBy,
			Aggregates: specs,
			Phase:      aggregate.PhaseMerge,
			Finalize:   true,
			SinkLanes:  q.DOP,
		})

		exchange := e.NewExchange()
		p.pipelines = append(p.pipelines,
			pipeline.PipelineSpec{DOP: q.DOP, Factories: append(scan, pipeline.NewExchangeSinkFactory(3, 2, exchange))},
			pipeline.PipelineSpec{DOP: q.DOP, Factories: []pipeline.OperatorFactory{
				pipeline.NewExchangeSourceFactory(4, 2, exchange),
				pipeline.NewAggregateDistinctSinkFactory(7, 4, final),
			}},
		)

	default:
		final = e.NewAggregator(aggregate.Params{
			Schema:     projected,
			GroupBy:    q.GroupBy,
			Aggregates: specs,
			Phase:      aggregate.PhasePartial,
			Finalize:   true,
			SinkLanes:  q.DOP,
		})
		p.pipelines = append(p.pipelines,
			pipeline.PipelineSpec{DOP: q.DOP, Factories: append(scan, pipeline.NewAggregateSinkFactory(3, 2, final))},
		)
	}
	if err := final.Validate(); err != nil {
		return nil, err
	}
	p.schema = final.OutputSchema()

	out := []pipeline.OperatorFactory{pipeline.NewAggregateSourceFactory(8, 4, final)}
	if q.Limit > 0 {
		out = append(out, pipeline.NewLimitFactory(9, 5, q.Limit))
	}
	out = append(out, pipeline.NewResultSinkFactory(10, 6, p.result))
	p.pipelines = append(p.pipelines, pipeline.PipelineSpec{DOP: q.DOP, Factories: out})
	return p, nil
}
