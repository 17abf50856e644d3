package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newItem(key string, seq uint64, done bool) *item {
	return &item{report: Report{InstanceID: key, Seq: seq, Done: done}}
}

func mustPop(t *testing.T, q *reportQueue) *item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, ok := q.pop(ctx)
	require.True(t, ok, "queue is empty")
	return it
}

func requireEmpty(t *testing.T, q *reportQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	it, ok := q.pop(ctx)
	require.False(t, ok, "unexpected report %+v", it)
}

func TestReportQueue_Supersede(t *testing.T) {
	for _, tc := range []struct {
		name    string
		pushes  []*item
		dropped []string
		expect  uint64 // seq delivered
	}{
		{
			name:    "newer progress replaces pending progress",
			pushes:  []*item{newItem("a", 1, false), newItem("a", 2, false)},
			dropped: []string{"", dropSuperseded},
			expect:  2,
		},
		{
			name:    "final replaces pending progress",
			pushes:  []*item{newItem("a", 1, false), newItem("a", 2, true)},
			dropped: []string{"", dropSuperseded},
			expect:  2,
		},
		{
			name:    "pending final is never replaced",
			pushes:  []*item{newItem("a", 1, true), newItem("a", 2, false), newItem("a", 3, true)},
			dropped: []string{"", dropFinalized, dropFinalized},
			expect:  1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q, err := newReportQueue(10, 10)
			require.NoError(t, err)

			for i, it := range tc.pushes {
				require.Equal(t, tc.dropped[i], q.push(it))
			}
			require.Equal(t, 1, q.len())
			require.Equal(t, tc.expect, mustPop(t, q).report.Seq)
			requireEmpty(t, q)
		})
	}
}

func TestReportQueue_OneInFlightPerKey(t *testing.T) {
	q, err := newReportQueue(10, 10)
	require.NoError(t, err)

	first := newItem("a", 1, false)
	require.Empty(t, q.push(first))
	require.Same(t, first, mustPop(t, q))

	require.Empty(t, q.push(newItem("a", 2, false)))
	require.Empty(t, q.push(newItem("b", 3, false)))
	require.True(t, q.superseded("a"))
	require.False(t, q.superseded("b"))

	// Key a is still in flight, so only b can be delivered.
	require.Equal(t, "b", mustPop(t, q).key())
	requireEmpty(t, q)

	q.done(first)
	require.Equal(t, uint64(2), mustPop(t, q).report.Seq)
}

func TestReportQueue_FinalizedKeys(t *testing.T) {
	q, err := newReportQueue(10, 10)
	require.NoError(t, err)

	final := newItem("a", 1, true)
	require.Empty(t, q.push(final))
	require.Same(t, final, mustPop(t, q))

	// A final in flight is not followed by anything.
	require.Equal(t, dropFinalized, q.push(newItem("a", 2, false)))

	q.done(final)
	require.Equal(t, dropFinalized, q.push(newItem("a", 3, false)))
	require.Equal(t, dropFinalized, q.push(newItem("a", 4, true)))
	require.Zero(t, q.len())
	requireEmpty(t, q)
}

func TestReportQueue_Full(t *testing.T) {
	q, err := newReportQueue(1, 10)
	require.NoError(t, err)

	require.Empty(t, q.push(newItem("a", 1, false)))
	require.Equal(t, dropQueueFull, q.push(newItem("b", 2, false)))
	require.Empty(t, q.push(newItem("b", 3, true)), "final reports are always queued")

	// Replacing the pending report of a key does not need room.
	require.Equal(t, dropSuperseded, q.push(newItem("a", 4, false)))
	require.Equal(t, 2, q.len())

	require.Equal(t, uint64(4), mustPop(t, q).report.Seq)
	require.Equal(t, uint64(3), mustPop(t, q).report.Seq)
}

func TestReportQueue_Drain(t *testing.T) {
	q, err := newReportQueue(10, 10)
	require.NoError(t, err)

	require.Empty(t, q.push(newItem("a", 1, false)))
	require.Empty(t, q.push(newItem("b", 2, true)))

	items := q.drain()
	require.Len(t, items, 2)
	require.Zero(t, q.len())
	require.Equal(t, dropShutdown, q.push(newItem("c", 3, true)))
}
