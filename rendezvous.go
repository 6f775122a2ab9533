package streamchan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamchan/streamchan/pool"
)

// rendezvousCore is the storage layer for the rendezvous channel (spec.md
// §4.4): it wraps rendezvousState in a mutex, converts actions into concrete
// goroutine resumptions, and wires cancellation. Suspended-party records are
// recycled through a dynamic pool (adapted from the teacher's worker pool,
// see pool/dynamic.go) to avoid an allocation on every suspend/resume cycle.
type rendezvousCore[T any] struct {
	mu    sync.Mutex
	state *rendezvousState[T]
	ids   tokenMinter

	producerPool pool.Pool
	consumerPool pool.Pool

	iteratorTaken bool

	termOnce  sync.Once
	termCBs   []func()
	termCBsMu sync.Mutex

	debugID string
}

func newRendezvousCore[T any]() *rendezvousCore[T] {
	c := &rendezvousCore[T]{
		state:   newRendezvousState[T](),
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

func (c *rendezvousCore[T]) addTerminationCallback(fn func()) {
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

func (c *rendezvousCore[T]) fireTerminationCallbacks() {
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

// trySend attempts a non-blocking hand-off. It only succeeds when a consumer
// is already suspended, since a rendezvous channel has no buffer to stash the
// element in otherwise.
func (c *rendezvousCore[T]) trySend(v T) (bool, error) {
	c.mu.Lock()
	action := c.state.send()
	c.mu.Unlock()

	switch action.kind {
	case sendAlreadyFinished:
		return false, ErrAlreadyFinished
	case sendResumeConsumer:
		action.consumer.resumeCh <- consumerResult[T]{value: v, ok: true}
		return true, nil
	default: // sendSuspend: caller must block; trySend does not suspend.
		return false, nil
	}
}

// send performs a suspending send, exactly matching spec.md §4.1/§5.
func (c *rendezvousCore[T]) send(ctx context.Context, v T) error {
	ok, err := c.trySend(v)
	if ok || err != nil {
		return err
	}

	id := c.ids.mint()
	p := c.producerPool.Get().(*suspendedProducer[T])
	p.id, p.element = id, v
	// drain any stale value left by a previous cycle before reuse.
	select {
	case <-p.resumeCh:
	default:
	}

	c.mu.Lock()
	action := c.state.sendSuspended(p)
	c.mu.Unlock()

	switch action.kind {
	case spResumeProducer:
		c.producerPool.Put(p)
		return action.err
	case spResumeProducerAndConsumer:
		action.consumer.resumeCh <- consumerResult[T]{value: v, ok: true}
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

// next performs a suspending receive, returning the element, whether the
// stream is still live, and a failure if one was queued for this receive.
func (c *rendezvousCore[T]) next(ctx context.Context) (T, bool, error) {
	c.mu.Lock()
	action := c.state.next()
	c.mu.Unlock()

	switch action.kind {
	case nextResumeProducer:
		action.producer.resumeCh <- nil
		return action.producer.element, true, nil
	case nextResult:
		c.fireTerminationCallbacks()
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
		if susAction.result.err != nil || !susAction.result.ok {
			c.fireTerminationCallbacks()
		}
		var zero T
		if susAction.result.ok {
			return zero, true, nil
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
	if !resumed {
		var zero T
		return zero, false, nil
	}
	if result.err != nil || !result.ok {
		c.fireTerminationCallbacks()
	}
	var zero T
	if result.ok {
		return result.value, true, nil
	}
	return zero, false, result.err
}

func (c *rendezvousCore[T]) finish(failure error) {
	c.mu.Lock()
	action := c.state.finish(failure)
	c.mu.Unlock()

	slog.Debug("rendezvous channel finished", "channel", c.debugID, "failure", failure != nil)

	for _, p := range action.producers {
		p.resumeCh <- nil
	}
	for _, d := range action.consumers {
		d.consumer.resumeCh <- d.result
	}
	c.fireTerminationCallbacks()
}

func (c *rendezvousCore[T]) closeConsumer() {
	c.mu.Lock()
	producers := c.state.consumerClosed()
	c.mu.Unlock()
	slog.Debug("rendezvous channel iterator closed", "channel", c.debugID, "failedProducers", len(producers))
	for _, p := range producers {
		p.resumeCh <- ErrAlreadyFinished
	}
	c.fireTerminationCallbacks()
}

// String returns the channel's debug identity, for log correlation only; it
// never participates in state-machine logic (spec.md §4.4).
func (c *rendezvousCore[T]) String() string { return c.debugID }

func (c *rendezvousCore[T]) takeIterator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iteratorTaken {
		panic(ErrIteratorAlreadyAttached)
	}
	c.iteratorTaken = true
}

// --- Non-throwing facade ---

// Channel is the consumer-side handle of a rendezvous channel whose
// termination never carries a failure value.
type Channel[T any] struct{ core *rendezvousCore[T] }

// Source is the producer-side handle paired with a Channel.
type Source[T any] struct{ core *rendezvousCore[T] }

// NewRendezvous creates an unbuffered channel: every send awaits a matching
// receive.
func NewRendezvous[T any]() (*Channel[T], *Source[T]) {
	core := newRendezvousCore[T]()
	return &Channel[T]{core: core}, &Source[T]{core: core}
}

// TrySend attempts a non-blocking hand-off; it only succeeds if a consumer is
// already suspended.
func (s *Source[T]) TrySend(v T) (bool, error) { return s.core.trySend(v) }

// Send suspends until a consumer receives v, the channel finishes, or ctx is
// cancelled.
func (s *Source[T]) Send(ctx context.Context, v T) error { return s.core.send(ctx, v) }

// Finish terminates the channel. Finish is idempotent; only the first call
// has any effect.
func (s *Source[T]) Finish() { s.core.finish(nil) }

// SetOnTermination registers a callback invoked exactly once when the
// channel enters its terminal state. If the channel has already finished,
// the callback runs synchronously inside this call (spec.md §6).
func (s *Source[T]) SetOnTermination(fn func()) { s.core.addTerminationCallback(fn) }

// Copy returns an additional producer handle for the same channel.
func (s *Source[T]) Copy() *Source[T] { return &Source[T]{core: s.core} }

// String returns the underlying channel's debug identity, for log
// correlation only.
func (s *Source[T]) String() string { return s.core.String() }

// String returns the channel's debug identity, for log correlation only.
func (ch *Channel[T]) String() string { return ch.core.String() }

// Next suspends until an element is available, the channel finishes, or ctx
// is cancelled (in which case ok is false and err is nil).
func (ch *Channel[T]) Next(ctx context.Context) (T, bool) {
	v, ok, _ := ch.core.next(ctx)
	return v, ok
}

// Close models iterator destruction: it transitions the channel to finished
// and fails every currently suspended producer with ErrAlreadyFinished.
func (ch *Channel[T]) Close() { ch.core.closeConsumer() }

// Elements adapts the channel to a single-use pull loop. Calling it twice on
// the same Channel is a contract violation and panics, mirroring spec.md
// §4.5's "creating a second iterator traps."
func (ch *Channel[T]) Elements(ctx context.Context) func(yield func(T) bool) {
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

// ThrowingChannel is the consumer-side handle of a channel whose termination
// may carry a Failure value, delivered at most once.
type ThrowingChannel[T any] struct{ core *rendezvousCore[T] }

// ThrowingSource is the producer-side handle paired with a ThrowingChannel.
type ThrowingSource[T any] struct{ core *rendezvousCore[T] }

// NewRendezvousThrowing creates an unbuffered channel whose Finish may carry
// a failure, delivered to the consumer at most once.
func NewRendezvousThrowing[T any]() (*ThrowingChannel[T], *ThrowingSource[T]) {
	core := newRendezvousCore[T]()
	return &ThrowingChannel[T]{core: core}, &ThrowingSource[T]{core: core}
}

func (s *ThrowingSource[T]) TrySend(v T) (bool, error) { return s.core.trySend(v) }

func (s *ThrowingSource[T]) Send(ctx context.Context, v T) error { return s.core.send(ctx, v) }

// Finish terminates the channel, optionally with a failure delivered to the
// next consumer receive.
func (s *ThrowingSource[T]) Finish(failure error) { s.core.finish(failure) }

func (s *ThrowingSource[T]) SetOnTermination(fn func()) { s.core.addTerminationCallback(fn) }

func (s *ThrowingSource[T]) Copy() *ThrowingSource[T] { return &ThrowingSource[T]{core: s.core} }

// String returns the underlying channel's debug identity, for log
// correlation only.
func (s *ThrowingSource[T]) String() string { return s.core.String() }

// String returns the channel's debug identity, for log correlation only.
func (ch *ThrowingChannel[T]) String() string { return ch.core.String() }

// Next suspends until an element, a failure, or end-of-stream is available.
// The failure (if any) is returned at most once; all following calls return
// ok == false, err == nil.
func (ch *ThrowingChannel[T]) Next(ctx context.Context) (T, bool, error) {
	return ch.core.next(ctx)
}

func (ch *ThrowingChannel[T]) Close() { ch.core.closeConsumer() }

func (ch *ThrowingChannel[T]) Elements(ctx context.Context) func(yield func(T, error) bool) {
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
