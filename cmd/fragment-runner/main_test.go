package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"

	"github.com/qiyongbo/starrocks/pkg/exec/report"
)

const salesCSV = `region,product,amount,price
north,apple,3,1.5
south,apple,\N,1.5
north,pear,2,2.0
east,pear,5,\N
south,plum,1,3.0
north,apple,4,1.5
\N,plum,7,3.0
`

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(salesCSV), 0o600))
	return path
}

func testConfig(t *testing.T, groupBy, aggregates string) Config {
	var cfg Config
	flagext.DefaultValues(&cfg)

	cfg.Engine.Pipeline.WorkerThreads = 2
	cfg.Engine.Report.Backoff.MinBackoff = time.Millisecond
	cfg.Engine.Report.Backoff.MaxBackoff = 5 * time.Millisecond
	cfg.Input.Path = writeInput(t)
	cfg.Input.ChunkSize = 2
	require.NoError(t, cfg.Input.Columns.Set("region:string,product:string,amount:int64,price:float64"))
	if groupBy != "" {
		require.NoError(t, cfg.Query.GroupBy.Set(groupBy))
	}
	require.NoError(t, cfg.Query.Aggregates.Set(aggregates))
	cfg.Query.DOP = 3
	return cfg
}

// sortedLines returns the header of out and its remaining lines sorted.
func sortedLines(out string) (string, []string) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	body := lines[1:]
	slices.Sort(body)
	return lines[0], body
}

func TestRun(t *testing.T) {
	for _, tc := range []struct {
		name       string
		groupBy    string
		aggregates string
		header     string
		rows       []string
	}{
		{
			name:       "two phase",
			groupBy:    "region",
			aggregates: "sum:amount,count,max:price",
			header:     "region\tsum(amount)\tcount(*)\tmax(price)",
			rows: []string{
				"\\N\t7\t1\t3",
				"east\t5\t1\t\\N",
				"north\t9\t3\t2",
				"south\t1\t2\t3",
			},
		},
		{
			name:       "average",
			groupBy:    "product",
			aggregates: "avg:amount",
			header:     "product\tavg(amount)",
			rows: []string{
				"apple\t3.5",
				"pear\t3.5",
				"plum\t4",
			},
		},
		{
			name:       "distinct",
			groupBy:    "product",
			aggregates: "count_distinct:region,sum_distinct:price",
			header:     "product\tcount_distinct(region)\tsum_distinct(price)",
			rows: []string{
				"apple\t2\t1.5",
				"pear\t2\t2",
				"plum\t1\t3",
			},
		},
		{
			name:       "distinct mixed with plain",
			groupBy:    "product",
			aggregates: "count:amount,count_distinct:region,sum:amount",
			header:     "product\tcount(amount)\tcount_distinct(region)\tsum(amount)",
			rows: []string{
				"apple\t2\t2\t7",
				"pear\t2\t2\t7",
				"plum\t2\t1\t8",
			},
		},
		{
			name:       "global",
			aggregates: "count,sum:amount",
			header:     "count(*)\tsum(amount)",
			rows:       []string{"7\t22"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, tc.groupBy, tc.aggregates)

			var out bytes.Buffer
			require.NoError(t, run(context.Background(), cfg, log.NewNopLogger(), &out))

			header, rows := sortedLines(out.String())
			require.Equal(t, tc.header, header)
			require.Equal(t, tc.rows, rows)
		})
	}
}

func TestRun_Coordinator(t *testing.T) {
	cfg := testConfig(t, "region", "count")
	cfg.Coordinator.ListenAddr = "127.0.0.1:0"
	cfg.Query.Limit = 2

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, log.NewNopLogger(), &out))
	_, rows := sortedLines(out.String())
	require.Len(t, rows, 2)
}

func TestRun_InvalidQuery(t *testing.T) {
	cfg := testConfig(t, "region", "avg:region")

	err := run(context.Background(), cfg, log.NewNopLogger(), &bytes.Buffer{})
	require.ErrorContains(t, err, "planning fragment")
}

func TestCoordinator_KeepsLatestReport(t *testing.T) {
	c := &coordinator{logger: log.NewNopLogger(), reports: map[string]report.Report{}, changed: make(chan struct{})}

	require.NoError(t, c.receive(context.Background(), report.Report{InstanceID: "a", Seq: 2}))
	require.NoError(t, c.receive(context.Background(), report.Report{InstanceID: "a", Seq: 1}))
	require.Equal(t, uint64(2), c.reports["a"].Seq)

	require.NoError(t, c.receive(context.Background(), report.Report{InstanceID: "a", Seq: 3, Done: true}))
	require.NoError(t, c.receive(context.Background(), report.Report{InstanceID: "a", Seq: 4}))
	require.Equal(t, uint64(3), c.reports["a"].Seq)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rep, err := c.waitFinal(ctx, "a")
	require.NoError(t, err)
	require.True(t, rep.Done)

	_, err = c.waitFinal(ctx, "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseColumns(t *testing.T) {
	schema, err := parseColumns([]string{"a:int64", " b:String", "c:bool", "d:float64"})
	require.NoError(t, err)
	require.Equal(t, []arrow.DataType{
		arrow.PrimitiveTypes.Int64,
		arrow.BinaryTypes.String,
		arrow.FixedWidthTypes.Boolean,
		arrow.PrimitiveTypes.Float64,
	}, []arrow.DataType{schema.Field(0).Type, schema.Field(1).Type, schema.Field(2).Type, schema.Field(3).Type})

	for _, bad := range [][]string{{"a"}, {"a:decimal"}, {"a:int64", "a:string"}, {":int64"}} {
		_, err := parseColumns(bad)
		require.Error(t, err, "columns %v", bad)
	}
}

func TestReadChunks(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema, err := parseColumns([]string{"region:string", "product:string", "amount:int64", "price:float64"})
	require.NoError(t, err)

	cfg := InputConfig{Header: true, Delimiter: ",", ChunkSize: 3}
	chunks, err := readChunks(strings.NewReader(salesCSV), schema, cfg, alloc)
	require.NoError(t, err)
	defer func() {
		for _, rec := range chunks {
			rec.Release()
		}
	}()

	require.Len(t, chunks, 3)
	var rows, nulls int
	for _, rec := range chunks {
		rows += int(rec.NumRows())
		for _, col := range rec.Columns() {
			nulls += col.NullN()
		}
	}
	require.Equal(t, 7, rows)
	require.Equal(t, 3, nulls)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  pipeline:
    worker_threads: 3
  aggregate:
    memory_limit: 64MB
input:
  path: /data/in.csv
  columns: a:int64,b:string
query:
  group_by: b
  aggregates: sum:a
  dop: 2
`), 0o600))

	cfg, err := loadConfig([]string{"-config.file", path, "-query.dop", "5"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Engine.Pipeline.WorkerThreads)
	require.Equal(t, flagext.Bytes(64<<20), cfg.Engine.Aggregate.MemoryLimit)
	require.Equal(t, "/data/in.csv", cfg.Input.Path)
	require.Equal(t, flagext.StringSliceCSV{"a:int64", "b:string"}, cfg.Input.Columns)
	// Flags override the file, the file overrides defaults.
	require.Equal(t, 5, cfg.Query.DOP)
	require.Equal(t, ",", cfg.Input.Delimiter)
	require.NoError(t, cfg.Validate())

	require.NoError(t, os.WriteFile(path, []byte("unknown_field: 1\n"), 0o600))
	_, err = loadConfig([]string{"-config.file", path}, &bytes.Buffer{})
	require.ErrorContains(t, err, "unknown_field")
}
