package streamchan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamchan/streamchan/pool"
)

// bufferedCore is the storage layer for the buffered rendezvous channel
// (spec.md §4.2/§4.4); structurally identical to rendezvousCore but backed by
// bufferedState.
type bufferedCore[T any] struct {
	mu    sync.Mutex
	state *bufferedState[T]
	ids   tokenMinter

	producerPool pool.Pool
	consumerPool pool.Pool

	iteratorTaken bool

	termOnce  sync.Once
	termCBs   []func()
	termCBsMu sync.Mutex

	debugID string
}

func newBufferedCore[T any](capacity int) *bufferedCore[T] {
	c := &bufferedCore[T]{
		state:   newBufferedState[T](capacity),
		debugID: newDebugID(),
	}
	c.producerPool = pool.NewDynamic(func() interface{} {
		return &suspendedProducer[T]{resumeCh: make(chan error, 1)}
	})
	c.consumerPool = pool.NewDynamic(func() interface{} {
		return &suspendedConsumer[T]{resumeCh: make(chan consumerResult[T], 1)}
	})
	return c
}

func (c *bufferedCore[T]) addTerminationCallback(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	terminated := c.state.terminated
	c.mu.Unlock()
	if terminated {
		fn()
		return
	}
	c.termCBsMu.Lock()
	c.termCBs = append(c.termCBs, fn)
	c.termCBsMu.Unlock()
}

func (c *bufferedCore[T]) fireTerminationCallbacks() {
	c.termOnce.Do(func() {
		c.termCBsMu.Lock()
		cbs := c.termCBs
		c.termCBs = nil
		c.termCBsMu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	})
}

func (c *bufferedCore[T]) trySend(v T) (bool, error) {
	c.mu.Lock()
	action := c.state.newElementFromProducer(v)
	c.mu.Unlock()

	switch action.kind {
	case bufSendAlreadyFinished:
		return false, ErrAlreadyFinished
	case bufSendHandedOff:
		action.consumer.resumeCh <- consumerResult[T]{value: v, ok: true}
		return true, nil
	case bufSendAccepted:
		return true, nil
	default:
		return false, nil
	}
}

func (c *bufferedCore[T]) send(ctx context.Context, v T) error {
	ok, err := c.trySend(v)
	if ok || err != nil {
		return err
	}

	id := c.ids.mint()
	p := c.producerPool.Get().(*suspendedProducer[T])
	p.id, p.element = id, v
	select {
	case <-p.resumeCh:
	default:
	}

	c.mu.Lock()
	action := c.state.producerHasSuspended(p)
	c.mu.Unlock()

	switch action.kind {
	case bspResumeProducer:
		c.producerPool.Put(p)
		return action.err
	case bspAccepted:
		c.producerPool.Put(p)
		return nil
	}

	sendErr, resumed := waitResumed(ctx, p.resumeCh, func() {
		c.mu.Lock()
		cancelAction := c.state.sendCancelled(id)
		c.mu.Unlock()
		if cancelAction.kind == scResumeProducer {
			cancelAction.resumeCh <- ErrCancelled
		}
	})
	if !resumed {
		sendErr = ErrCancelled
	}
	c.producerPool.Put(p)
	return sendErr
}

func (c *bufferedCore[T]) next(ctx context.Context) (T, bool, error) {
	c.mu.Lock()
	action := c.state.newRequestFromConsumer()
	c.mu.Unlock()

	switch action.kind {
	case bufNextPopped:
		if action.resumed != nil {
			action.resumed.resumeCh <- nil
		}
		return action.value, true, nil
	case bufNextResult:
		if !action.result.ok || action.result.err != nil {
			c.fireTerminationCallbacks()
		}
		var zero T
		return zero, action.result.ok, action.result.err
	}

	id := c.ids.mint()
	cs := c.consumerPool.Get().(*suspendedConsumer[T])
	cs.id = id
	select {
	case <-cs.resumeCh:
	default:
	}

	c.mu.Lock()
	susAction := c.state.nextSuspended(cs)
	c.mu.Unlock()

	switch susAction.kind {
	case nsResumeConsumer:
		c.consumerPool.Put(cs)
		if susAction.producer != nil {
			susAction.producer.resumeCh <- nil
		}
		if !susAction.result.ok || susAction.result.err != nil {
			c.fireTerminationCallbacks()
		}
		var zero T
		if susAction.result.ok {
			return susAction.result.value, true, nil
		}
		return zero, false, susAction.result.err
	case nsResumeProducerAndConsumer:
		susAction.producer.resumeCh <- nil
		c.consumerPool.Put(cs)
		return susAction.producer.element, true, nil
	}

	result, resumed := waitResumed(ctx, cs.resumeCh, func() {
		c.mu.Lock()
		cancelAction := c.state.nextCancelled(id)
		c.mu.Unlock()
		if cancelAction.kind == ncResumeConsumer {
			cancelAction.resumeCh <- consumerResult[T]{ok: false}
		}
	})
	c.consumerPool.Put(cs)
	var zero T
	if !resumed {
		return zero, false, nil
	}
	if !result.ok || result.err != nil {
		c.fireTerminationCallbacks()
	}
	if result.ok {
		return result.value, true, nil
	}
	return zero, false, result.err
}

func (c *bufferedCore[T]) finish(failure error) {
	c.mu.Lock()
	action := c.state.channelHasFinished(failure)
	c.mu.Unlock()

	slog.Debug("buffered channel finished", "channel", c.debugID, "failure", failure != nil)

	for _, p := range action.resumedProducers {
		p.resumeCh <- nil
	}
	for _, d := range action.consumers {
		d.consumer.resumeCh <- d.result
	}
	c.fireTerminationCallbacks()
}

func (c *bufferedCore[T]) closeConsumer() {
	c.mu.Lock()
	producers := c.state.consumerClosed()
	c.mu.Unlock()
	slog.Debug("buffered channel iterator closed", "channel", c.debugID, "failedProducers", len(producers))
	for _, p := range producers {
		p.resumeCh <- ErrAlreadyFinished
	}
	c.fireTerminationCallbacks()
}

// String returns the channel's debug identity, for log correlation only; it
// never participates in state-machine logic (spec.md §4.4).
func (c *bufferedCore[T]) String() string { return c.debugID }

func (c *bufferedCore[T]) takeIterator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iteratorTaken {
		panic(ErrIteratorAlreadyAttached)
	}
	c.iteratorTaken = true
}

// --- Non-throwing facade ---

// BufferedChannel is the consumer-side handle of a bounded-buffer channel
// whose termination never carries a failure value.
type BufferedChannel[T any] struct{ core *bufferedCore[T] }

// BufferedSource is the producer-side handle paired with a BufferedChannel.
type BufferedSource[T any] struct{ core *bufferedCore[T] }

// NewBuffered creates a channel with a bounded FIFO buffer of the given
// capacity (coerced to at least 1). Sends beyond capacity suspend.
func NewBuffered[T any](capacity int) (*BufferedChannel[T], *BufferedSource[T]) {
	core := newBufferedCore[T](capacity)
	return &BufferedChannel[T]{core: core}, &BufferedSource[T]{core: core}
}

func (s *BufferedSource[T]) TrySend(v T) (bool, error) { return s.core.trySend(v) }

func (s *BufferedSource[T]) Send(ctx context.Context, v T) error { return s.core.send(ctx, v) }

func (s *BufferedSource[T]) Finish() { s.core.finish(nil) }

func (s *BufferedSource[T]) SetOnTermination(fn func()) { s.core.addTerminationCallback(fn) }

func (s *BufferedSource[T]) Copy() *BufferedSource[T] { return &BufferedSource[T]{core: s.core} }

// String returns the underlying channel's debug identity, for log
// correlation only.
func (s *BufferedSource[T]) String() string { return s.core.String() }

// String returns the channel's debug identity, for log correlation only.
func (ch *BufferedChannel[T]) String() string { return ch.core.String() }

func (ch *BufferedChannel[T]) Next(ctx context.Context) (T, bool) {
	v, ok, _ := ch.core.next(ctx)
	return v, ok
}

func (ch *BufferedChannel[T]) Close() { ch.core.closeConsumer() }

func (ch *BufferedChannel[T]) Elements(ctx context.Context) func(yield func(T) bool) {
	ch.core.takeIterator()
	return func(yield func(T) bool) {
		for {
			v, ok := ch.Next(ctx)
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// --- Throwing facade ---

// ThrowingBufferedChannel is the consumer-side handle of a bounded-buffer
// channel whose termination may carry a Failure value.
type ThrowingBufferedChannel[T any] struct{ core *bufferedCore[T] }

// ThrowingBufferedSource is the producer-side handle paired with a
// ThrowingBufferedChannel.
type ThrowingBufferedSource[T any] struct{ core *bufferedCore[T] }

// NewBufferedThrowing creates a bounded-buffer channel whose Finish may carry
// a failure, delivered to the consumer at most once.
func NewBufferedThrowing[T any](capacity int) (*ThrowingBufferedChannel[T], *ThrowingBufferedSource[T]) {
	core := newBufferedCore[T](capacity)
	return &ThrowingBufferedChannel[T]{core: core}, &ThrowingBufferedSource[T]{core: core}
}

func (s *ThrowingBufferedSource[T]) TrySend(v T) (bool, error) { return s.core.trySend(v) }

func (s *ThrowingBufferedSource[T]) Send(ctx context.Context, v T) error {
	return s.core.send(ctx, v)
}

func (s *ThrowingBufferedSource[T]) Finish(failure error) { s.core.finish(failure) }

func (s *ThrowingBufferedSource[T]) SetOnTermination(fn func()) { s.core.addTerminationCallback(fn) }

func (s *ThrowingBufferedSource[T]) Copy() *ThrowingBufferedSource[T] {
	return &ThrowingBufferedSource[T]{core: s.core}
}

// String returns the underlying channel's debug identity, for log
// correlation only.
func (s *ThrowingBufferedSource[T]) String() string { return s.core.String() }

// String returns the channel's debug identity, for log correlation only.
func (ch *ThrowingBufferedChannel[T]) String() string { return ch.core.String() }

func (ch *ThrowingBufferedChannel[T]) Next(ctx context.Context) (T, bool, error) {
	return ch.core.next(ctx)
}

func (ch *ThrowingBufferedChannel[T]) Close() { ch.core.closeConsumer() }

func (ch *ThrowingBufferedChannel[T]) Elements(ctx context.Context) func(yield func(T, error) bool) {
	ch.core.takeIterator()
	return func(yield func(T, error) bool) {
		for {
			v, ok, err := ch.Next(ctx)
			if err != nil {
				yield(v, err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}
