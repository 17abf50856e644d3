package pipeline

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/qiyongbo/starrocks/pkg/exec/chunk"
	"github.com/qiyongbo/starrocks/pkg/exec/notify"
)

// LocalExchange moves chunks from the sink lanes of one pipeline to the
// source lanes of another within a fragment.
//
// Every consumer lane has its own queue and every producer lane may have at
// most a fixed number of chunks in flight. A lane's readiness therefore only
// changes in its favor through the actions of other lanes, so a predicate
// observed by a driver still holds when it acts on it.
type LocalExchange struct {
	capacity int // per producer

	mu        sync.Mutex
	queues    [][]exchangeItem // per consumer
	left      []bool           // per consumer, set once it stops reading
	inflight  []int            // per producer
	producers int              // producers not yet finished
	consumers int              // consumers not yet finished
	next      int              // round-robin cursor over consumers

	notifier notify.Notifier
}

type exchangeItem struct {
	rec      arrow.Record
	producer int
}

// NewLocalExchange returns an exchange allowing each producer lane capacity
// chunks in flight.
func NewLocalExchange(capacity int) *LocalExchange {
	return &LocalExchange{capacity: max(capacity, 1)}
}

func (e *LocalExchange) addProducer(lane int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.inflight) <= lane {
		e.inflight = append(e.inflight, 0)
	}
	e.producers++
}

func (e *LocalExchange) addConsumer(lane int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queues) <= lane {
		e.queues = append(e.queues, nil)
		e.left = append(e.left, false)
	}
	e.consumers++
}

func (e *LocalExchange) hasRoom(producer int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumers == 0 || e.inflight[producer] < e.capacity
}

func (e *LocalExchange) push(producer int, rec arrow.Record) {
	e.mu.Lock()
	if e.consumers == 0 {
		// Nobody is reading anymore.
		e.mu.Unlock()
		rec.Release()
		return
	}
	target := e.pickConsumer()
	e.queues[target] = append(e.queues[target], exchangeItem{rec: rec, producer: producer})
	e.inflight[producer]++
	e.mu.Unlock()

	e.notifier.Broadcast()
}

// pickConsumer returns the consumer with the shortest queue, breaking ties
// round-robin. e.mu must be held.
func (e *LocalExchange) pickConsumer() int {
	best := -1
	for i := range e.queues {
		c := (e.next + i) % len(e.queues)
		if e.left[c] {
			continue
		}
		if best < 0 || len(e.queues[c]) < len(e.queues[best]) {
			best = c
		}
	}
	e.next = (best + 1) % len(e.queues)
	return best
}

func (e *LocalExchange) pending(consumer int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[consumer])
}

func (e *LocalExchange) pop(consumer int) arrow.Record {
	e.mu.Lock()
	q := e.queues[consumer]
	if len(q) == 0 {
		e.mu.Unlock()
		return nil
	}
	item := q[0]
	q[0] = exchangeItem{}
	e.queues[consumer] = q[1:]
	e.inflight[item.producer]--
	e.mu.Unlock()

	e.notifier.Broadcast()
	return item.rec
}

// drained reports whether consumer will never receive another chunk.
func (e *LocalExchange) drained(consumer int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers == 0 && len(e.queues[consumer]) == 0
}

func (e *LocalExchange) producerDone() {
	e.mu.Lock()
	e.producers--
	e.mu.Unlock()
	e.notifier.Broadcast()
}

// consumerDone drops the queue of consumer and, once the last consumer is
// gone, lets producers discard their output.
func (e *LocalExchange) consumerDone(consumer int) {
	e.mu.Lock()
	q := e.queues[consumer]
	e.queues[consumer] = nil
	e.left[consumer] = true
	for _, item := range q {
		e.inflight[item.producer]--
	}
	e.consumers--
	e.mu.Unlock()

	for _, item := range q {
		chunk.Release(item.rec)
	}
	e.notifier.Broadcast()
}

// ExchangeSinkFactory creates the producer side of a [LocalExchange].
type ExchangeSinkFactory struct {
	factoryBase
	exchange *LocalExchange
}

var _ OperatorFactory = (*ExchangeSinkFactory)(nil)

func NewExchangeSinkFactory(id, planNodeID int32, exchange *LocalExchange) *ExchangeSinkFactory {
	return &ExchangeSinkFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, exchange: exchange}
}

// Create implements [OperatorFactory].
func (f *ExchangeSinkFactory) Create(_, lane int) Operator {
	f.exchange.addProducer(lane)
	return &ExchangeSinkOperator{
		baseOperator: newBaseOperator("exchange_sink", f.id, f.planNodeID),
		exchange:     f.exchange,
		lane:         lane,
	}
}

// ExchangeSinkOperator pushes chunks into a [LocalExchange].
type ExchangeSinkOperator struct {
	baseOperator
	exchange *LocalExchange
	lane     int
}

var (
	_ Operator          = (*ExchangeSinkOperator)(nil)
	_ notify.Observable = (*ExchangeSinkOperator)(nil)
)

func (o *ExchangeSinkOperator) Prepare(_ context.Context) error { return o.prepare() }

// Notifier returns the notifier of the exchange.
func (o *ExchangeSinkOperator) Notifier() *notify.Notifier { return &o.exchange.notifier }

func (o *ExchangeSinkOperator) NeedInput() bool {
	return !o.finishing && o.exchange.hasRoom(o.lane)
}
func (o *ExchangeSinkOperator) HasOutput() bool  { return false }
func (o *ExchangeSinkOperator) IsFinished() bool { return o.finishing }

func (o *ExchangeSinkOperator) Finish(_ context.Context) {
	if o.finishing {
		return
	}
	o.finishing = true
	o.exchange.producerDone()
}

func (o *ExchangeSinkOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	if err := o.beginPush(rec, o.NeedInput()); err != nil {
		return err
	}
	o.exchange.push(o.lane, rec)
	return nil
}

func (o *ExchangeSinkOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	return nil, o.beginPull(false)
}

func (o *ExchangeSinkOperator) Close() {}

// ExchangeSourceFactory creates the consumer side of a [LocalExchange].
type ExchangeSourceFactory struct {
	factoryBase
	exchange *LocalExchange
}

var _ OperatorFactory = (*ExchangeSourceFactory)(nil)

func NewExchangeSourceFactory(id, planNodeID int32, exchange *LocalExchange) *ExchangeSourceFactory {
	return &ExchangeSourceFactory{factoryBase: factoryBase{id: id, planNodeID: planNodeID}, exchange: exchange}
}

// Create implements [OperatorFactory].
func (f *ExchangeSourceFactory) Create(_, lane int) Operator {
	f.exchange.addConsumer(lane)
	return &ExchangeSourceOperator{
		baseOperator: newBaseOperator("exchange_source", f.id, f.planNodeID),
		exchange:     f.exchange,
		lane:         lane,
	}
}

// ExchangeSourceOperator reads the chunks routed to its lane by a
// [LocalExchange].
type ExchangeSourceOperator struct {
	baseOperator
	exchange *LocalExchange
	lane     int
	done     bool
}

var (
	_ Operator          = (*ExchangeSourceOperator)(nil)
	_ notify.Observable = (*ExchangeSourceOperator)(nil)
)

func (o *ExchangeSourceOperator) Prepare(_ context.Context) error { return o.prepare() }

// Notifier returns the notifier of the exchange.
func (o *ExchangeSourceOperator) Notifier() *notify.Notifier { return &o.exchange.notifier }

func (o *ExchangeSourceOperator) NeedInput() bool { return false }
func (o *ExchangeSourceOperator) HasOutput() bool {
	return !o.finishing && o.exchange.pending(o.lane) > 0
}
func (o *ExchangeSourceOperator) IsFinished() bool {
	return o.finishing || o.exchange.drained(o.lane)
}

// Finish stops reading; chunks still queued for the lane are dropped.
func (o *ExchangeSourceOperator) Finish(_ context.Context) {
	o.finishing = true
	o.leave()
}

func (o *ExchangeSourceOperator) PushChunk(_ context.Context, rec arrow.Record) error {
	return o.beginPush(rec, o.NeedInput())
}

func (o *ExchangeSourceOperator) PullChunk(_ context.Context) (arrow.Record, error) {
	if err := o.beginPull(o.HasOutput()); err != nil {
		return nil, err
	}
	return o.pulled(o.exchange.pop(o.lane)), nil
}

func (o *ExchangeSourceOperator) Close() { o.leave() }

func (o *ExchangeSourceOperator) leave() {
	if o.done {
		return
	}
	o.done = true
	o.exchange.consumerDone(o.lane)
}
