package streamchan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamchan/streamchan/metrics"
	"github.com/streamchan/streamchan/pool"
)

// CallbackToken identifies a send that returned without demand and must be
// resumed later, either via MPSCSource.EnqueueCallback or cancelled via
// MPSCSource.CancelSend. It is the exported counterpart of the internal
// token type used by every channel variant's state machine.
type CallbackToken uint64

// mpscOptions configures an MPSC channel's instrumentation.
type mpscOptions struct {
	metrics metrics.Provider
}

// MPSCOption configures an MPSC channel at construction time, following the
// functional-options pattern the teacher's task-execution package uses for
// its own construction surface.
type MPSCOption func(*mpscOptions)

// WithMetricsProvider wires a metrics.Provider into the channel for
// buffer-length, watermark, and suspension instrumentation. The default is
// metrics.NewNoopProvider.
func WithMetricsProvider(p metrics.Provider) MPSCOption {
	return func(o *mpscOptions) { o.metrics = p }
}

// mpscCore is the storage layer for the MPSC watermark channel (spec.md
// §4.3). It is the richest of the three variants: producers are
// reference-counted, back-pressure is delegated to a pluggable policy, and a
// producer waiting for renewed demand may resume either synchronously (a
// registered callback) or by blocking a goroutine.
type mpscCore[T any] struct {
	mu    sync.Mutex
	state *mpscState[T]

	producerChanPool pool.Pool
	consumerPool     pool.Pool

	iteratorTaken bool

	termOnce  sync.Once
	termCBs   []func()
	termCBsMu sync.Mutex

	bufferLenGauge metrics.UpDownCounter
	watermarkHist  metrics.Histogram
	suspendCount   metrics.Counter
	resumeCount    metrics.Counter
	cancelCount    metrics.Counter

	enqueuedTokens map[token]struct{}

	debugID string
}

func newMPSCCore[T any](policy BackpressurePolicy[T], opts ...MPSCOption) *mpscCore[T] {
	cfg := mpscOptions{metrics: metrics.NewNoopProvider()}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &mpscCore[T]{
		state:          newMPSCState[T](policy),
		enqueuedTokens: make(map[token]struct{}),
		debugID:        newDebugID(),

		bufferLenGauge: cfg.metrics.UpDownCounter(
			"streamchan.mpsc.buffer_length",
			metrics.WithDescription("current number of buffered elements"),
			metrics.WithUnit("1"),
		),
		watermarkHist: cfg.metrics.Histogram(
			"streamchan.mpsc.watermark",
			metrics.WithDescription("watermark policy value observed after each buffer mutation"),
			metrics.WithUnit("1"),
		),
		suspendCount: cfg.metrics.Counter(
			"streamchan.mpsc.producer_suspensions",
			metrics.WithDescription("producers parked awaiting renewed demand"),
		),
		resumeCount: cfg.metrics.Counter(
			"streamchan.mpsc.producer_resumptions",
			metrics.WithDescription("parked producers resumed"),
		),
		cancelCount: cfg.metrics.Counter(
			"streamchan.mpsc.producer_cancellations",
			metrics.WithDescription("parked producers cancelled before being resumed"),
		),
	}
	c.producerChanPool = pool.NewDynamic(func() interface{} {
		return make(chan error, 1)
	})
	c.consumerPool = pool.NewDynamic(func() interface{} {
		return &suspendedConsumer[T]{resumeCh: make(chan consumerResult[T], 1)}
	})
	return c
}

func (c *mpscCore[T]) addTerminationCallback(sourceID token, fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	immediate := c.state.setOnTermination(sourceID, fn)
	c.mu.Unlock()
	if immediate != nil {
		immediate()
	}
}

func (c *mpscCore[T]) fireTerminationCallbacks(extra []func()) {
	for _, cb := range extra {
		cb()
	}
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

func (c *mpscCore[T]) recordEnqueued() {
	c.bufferLenGauge.Add(1)
	c.recordWatermark()
}

func (c *mpscCore[T]) recordDequeued() {
	c.bufferLenGauge.Add(-1)
	c.recordWatermark()
}

func (c *mpscCore[T]) recordWatermark() {
	if wp, ok := c.state.policy.(*WatermarkPolicy[T]); ok {
		c.watermarkHist.Record(float64(wp.Snapshot()))
	}
}

func (c *mpscCore[T]) resumeProducer(p mpscSuspendedProducer, err error) {
	c.resumeCount.Add(1)
	if p.callback != nil {
		p.callback(err)
		return
	}
	if p.resumeCh != nil {
		p.resumeCh <- err
	}
}

func (c *mpscCore[T]) newSource() token {
	c.mu.Lock()
	id := c.state.sourceInitialized()
	c.mu.Unlock()
	slog.Debug("mpsc producer handle registered", "channel", c.debugID, "source", uint64(id))
	return id
}

// String returns the channel's debug identity, for log correlation only; it
// never participates in state-machine logic (spec.md §4.4).
func (c *mpscCore[T]) String() string { return c.debugID }

// send appends v to the buffer unconditionally (unless the channel has
// already finished) and reports whether the caller may keep sending
// immediately. When it cannot, tok identifies the pending registration to
// pass to enqueueCallback, blockingSend, or cancelSend.
func (c *mpscCore[T]) send(v T) (mayContinue bool, tok token, err error) {
	c.mu.Lock()
	action := c.state.send(v)
	c.mu.Unlock()

	if action.kind == mpscSendAlreadyFinished {
		return false, 0, ErrAlreadyFinished
	}
	c.recordEnqueued()
	// A delivery straight to a suspended consumer never rested in the
	// buffer; the gauge samples the buffer, not elements in flight.
	if action.kind == mpscSendResumeConsumerProduceMore || action.kind == mpscSendResumeConsumerEnqueue {
		c.recordDequeued()
	}

	switch action.kind {
	case mpscSendProduceMore:
		return true, 0, nil
	case mpscSendResumeConsumerProduceMore:
		action.consumer.resumeCh <- consumerResult[T]{value: action.value, ok: true}
		return true, 0, nil
	case mpscSendResumeConsumerEnqueue:
		action.consumer.resumeCh <- consumerResult[T]{value: action.value, ok: true}
		return false, action.cbToken, nil
	default: // mpscSendEnqueue
		return false, action.cbToken, nil
	}
}

func (c *mpscCore[T]) enqueueCallback(tok token, cb func(error)) {
	c.mu.Lock()
	if _, used := c.enqueuedTokens[tok]; used {
		c.mu.Unlock()
		panic(ErrCallbackAlreadyEnqueued)
	}
	c.enqueuedTokens[tok] = struct{}{}
	action := c.state.enqueueProducer(mpscSuspendedProducer{tok: tok, callback: cb})
	c.mu.Unlock()

	switch action.kind {
	case mpscEnqResumeNow:
		cb(nil)
	case mpscEnqResumeWithError:
		cb(action.err)
	default:
		c.suspendCount.Add(1)
	}
}

func (c *mpscCore[T]) cancelSend(tok token) {
	c.mu.Lock()
	action := c.state.cancelProducer(tok)
	c.mu.Unlock()
	if action.kind == mpscCancelResume {
		c.cancelCount.Add(1)
		c.resumeProducer(action.producer, ErrCancelled)
	}
}

// blockingSend commits the suspension registered by send's returned token
// and parks the calling goroutine until demand returns, the channel
// finishes, or ctx is cancelled.
func (c *mpscCore[T]) blockingSend(ctx context.Context, tok token) error {
	ch := c.producerChanPool.Get().(chan error)
	select {
	case <-ch:
	default:
	}

	c.mu.Lock()
	action := c.state.enqueueProducer(mpscSuspendedProducer{tok: tok, resumeCh: ch})
	c.mu.Unlock()

	switch action.kind {
	case mpscEnqResumeNow:
		c.producerChanPool.Put(ch)
		return nil
	case mpscEnqResumeWithError:
		c.producerChanPool.Put(ch)
		return action.err
	}
	c.suspendCount.Add(1)

	errv, resumed := waitResumed(ctx, ch, func() {
		c.mu.Lock()
		cancelAction := c.state.cancelProducer(tok)
		c.mu.Unlock()
		if cancelAction.kind == mpscCancelResume {
			c.cancelCount.Add(1)
			c.resumeProducer(cancelAction.producer, ErrCancelled)
		}
	})
	c.producerChanPool.Put(ch)
	if !resumed {
		return ErrCancelled
	}
	return errv
}

func (c *mpscCore[T]) sendBlocking(ctx context.Context, v T) error {
	mayContinue, tok, err := c.send(v)
	if err != nil {
		return err
	}
	if mayContinue {
		return nil
	}
	return c.blockingSend(ctx, tok)
}

func (c *mpscCore[T]) next(ctx context.Context) (T, bool, error) {
	c.mu.Lock()
	action := c.state.next()
	c.mu.Unlock()

	var zero T
	switch action.kind {
	case mpscNextReturnElement, mpscNextReturnElementAndResume:
		c.recordDequeued()
		for _, p := range action.resumeProducers {
			c.resumeProducer(p, nil)
		}
		return action.value, true, nil
	case mpscNextReturnResult:
		if !action.result.ok || action.result.err != nil {
			c.fireTerminationCallbacks(nil)
		}
		return zero, action.result.ok, action.result.err
	}

	cs := c.consumerPool.Get().(*suspendedConsumer[T])
	select {
	case <-cs.resumeCh:
	default:
	}

	c.mu.Lock()
	susAction := c.state.suspendNext(cs)
	c.mu.Unlock()

	if susAction.kind == mpscNSResumeConsumer {
		c.consumerPool.Put(cs)
		if susAction.result.ok {
			c.recordDequeued()
		}
		for _, p := range susAction.resumeProducers {
			c.resumeProducer(p, nil)
		}
		if !susAction.result.ok || susAction.result.err != nil {
			c.fireTerminationCallbacks(nil)
		}
		if susAction.result.ok {
			return susAction.result.value, true, nil
		}
		return zero, false, susAction.result.err
	}

	result, resumed := waitResumed(ctx, cs.resumeCh, func() {
		c.mu.Lock()
		cancelAction := c.state.cancelNext()
		c.mu.Unlock()
		for _, p := range cancelAction.producers {
			c.resumeProducer(p, ErrAlreadyFinished)
		}
		c.fireTerminationCallbacks(cancelAction.onTerminations)
	})
	c.consumerPool.Put(cs)
	if !resumed {
		return zero, false, nil
	}
	if !result.ok || result.err != nil {
		c.fireTerminationCallbacks(nil)
	}
	if result.ok {
		return result.value, true, nil
	}
	return zero, false, result.err
}

func (c *mpscCore[T]) finish(failure error) {
	c.mu.Lock()
	action := c.state.finish(failure)
	c.mu.Unlock()

	slog.Debug("mpsc channel closed", "channel", c.debugID, "failure", failure != nil)

	for _, p := range action.producers {
		c.resumeProducer(p, ErrAlreadyFinished)
	}
	if action.consumer != nil {
		action.consumer.consumer.resumeCh <- action.consumer.result
	}
	c.fireTerminationCallbacks(action.onTerminations)
}

func (c *mpscCore[T]) sourceDeinitialized(sourceID token, failure error) {
	c.mu.Lock()
	action := c.state.sourceDeinitialized(sourceID, failure)
	c.mu.Unlock()

	slog.Debug("mpsc producer handle released", "channel", c.debugID, "source", uint64(sourceID))

	for _, p := range action.producers {
		c.resumeProducer(p, ErrAlreadyFinished)
	}
	if action.consumer != nil {
		action.consumer.consumer.resumeCh <- action.consumer.result
	}
	if len(action.producers) > 0 || action.consumer != nil || len(action.onTerminations) > 0 {
		c.fireTerminationCallbacks(action.onTerminations)
	}
}

func (c *mpscCore[T]) takeIterator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iteratorTaken {
		panic(ErrIteratorAlreadyAttached)
	}
	c.iteratorTaken = true
}

// --- Non-throwing facade ---

// MPSCChannel is the consumer-side handle of a multi-producer watermark
// channel whose termination never carries a failure value.
type MPSCChannel[T any] struct{ core *mpscCore[T] }

// MPSCSource is one producer-side handle paired with an MPSCChannel. Every
// handle returned by NewMPSC or Copy counts toward the channel's active
// producer count; the channel only finishes once every handle has called
// Finish.
type MPSCSource[T any] struct {
	core       *mpscCore[T]
	sourceID   token
	finishOnce sync.Once
}

// NewMPSC creates a multi-producer channel governed by policy (use
// NewWatermark for bounded back-pressure, or UnboundedPolicy{} for none).
func NewMPSC[T any](policy BackpressurePolicy[T], opts ...MPSCOption) (*MPSCChannel[T], *MPSCSource[T]) {
	core := newMPSCCore[T](policy, opts...)
	id := core.newSource()
	return &MPSCChannel[T]{core: core}, &MPSCSource[T]{core: core, sourceID: id}
}

// TrySend appends v without blocking. mayContinue reports whether the
// caller may send again immediately; when false, tok must be passed to
// EnqueueCallback or CancelSend to learn when demand returns.
func (s *MPSCSource[T]) TrySend(v T) (bool, CallbackToken, error) {
	mayContinue, t, err := s.core.send(v)
	return mayContinue, CallbackToken(t), err
}

// EnqueueCallback registers cb to run once when demand returns for the
// pending send identified by tok (from a prior TrySend). cb may run
// synchronously, inline, if demand has already returned.
func (s *MPSCSource[T]) EnqueueCallback(tok CallbackToken, cb func(error)) {
	s.core.enqueueCallback(token(tok), cb)
}

// CancelSend abandons a pending send registered via TrySend/EnqueueCallback.
func (s *MPSCSource[T]) CancelSend(tok CallbackToken) { s.core.cancelSend(token(tok)) }

// Send suspends the calling goroutine until demand returns, the channel
// finishes, or ctx is cancelled.
func (s *MPSCSource[T]) Send(ctx context.Context, v T) error { return s.core.sendBlocking(ctx, v) }

// Finish releases this producer handle. The channel terminates once every
// handle obtained from NewMPSC or Copy has called Finish. Finish is
// idempotent per handle.
func (s *MPSCSource[T]) Finish() {
	s.finishOnce.Do(func() { s.core.sourceDeinitialized(s.sourceID, nil) })
}

// SetOnTermination registers a callback invoked exactly once when the
// channel enters its terminal state.
func (s *MPSCSource[T]) SetOnTermination(fn func()) { s.core.addTerminationCallback(s.sourceID, fn) }

// Copy mints an additional producer handle, incrementing the active
// producer count.
func (s *MPSCSource[T]) Copy() *MPSCSource[T] {
	return &MPSCSource[T]{core: s.core, sourceID: s.core.newSource()}
}

// String returns this handle's debug identity (channel id and source id),
// for log correlation only.
func (s *MPSCSource[T]) String() string {
	return fmt.Sprintf("%s/source-%d", s.core.String(), uint64(s.sourceID))
}

// String returns the channel's debug identity, for log correlation only.
func (ch *MPSCChannel[T]) String() string { return ch.core.String() }

// Next suspends until an element is available or the channel finishes.
func (ch *MPSCChannel[T]) Next(ctx context.Context) (T, bool) {
	v, ok, _ := ch.core.next(ctx)
	return v, ok
}

// Close forcefully terminates the channel regardless of remaining active
// producers, failing every pending send with ErrAlreadyFinished.
func (ch *MPSCChannel[T]) Close() { ch.core.finish(nil) }

func (ch *MPSCChannel[T]) Elements(ctx context.Context) func(yield func(T) bool) {
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

// ThrowingMPSCChannel is the consumer-side handle of a multi-producer
// watermark channel whose termination may carry a Failure value.
type ThrowingMPSCChannel[T any] struct{ core *mpscCore[T] }

// ThrowingMPSCSource is one producer-side handle paired with a
// ThrowingMPSCChannel.
type ThrowingMPSCSource[T any] struct {
	core       *mpscCore[T]
	sourceID   token
	finishOnce sync.Once
}

// NewMPSCThrowing creates a multi-producer channel whose Finish may carry a
// failure, delivered to the consumer at most once.
func NewMPSCThrowing[T any](policy BackpressurePolicy[T], opts ...MPSCOption) (*ThrowingMPSCChannel[T], *ThrowingMPSCSource[T]) {
	core := newMPSCCore[T](policy, opts...)
	id := core.newSource()
	return &ThrowingMPSCChannel[T]{core: core}, &ThrowingMPSCSource[T]{core: core, sourceID: id}
}

func (s *ThrowingMPSCSource[T]) TrySend(v T) (bool, CallbackToken, error) {
	mayContinue, t, err := s.core.send(v)
	return mayContinue, CallbackToken(t), err
}

func (s *ThrowingMPSCSource[T]) EnqueueCallback(tok CallbackToken, cb func(error)) {
	s.core.enqueueCallback(token(tok), cb)
}

func (s *ThrowingMPSCSource[T]) CancelSend(tok CallbackToken) { s.core.cancelSend(token(tok)) }

func (s *ThrowingMPSCSource[T]) Send(ctx context.Context, v T) error {
	return s.core.sendBlocking(ctx, v)
}

// Finish releases this producer handle, optionally attaching a failure to be
// delivered to the consumer once the channel terminates. Finish is
// idempotent per handle; only its first call's failure (if any) is kept.
func (s *ThrowingMPSCSource[T]) Finish(failure error) {
	s.finishOnce.Do(func() { s.core.sourceDeinitialized(s.sourceID, failure) })
}

func (s *ThrowingMPSCSource[T]) SetOnTermination(fn func()) {
	s.core.addTerminationCallback(s.sourceID, fn)
}

func (s *ThrowingMPSCSource[T]) Copy() *ThrowingMPSCSource[T] {
	return &ThrowingMPSCSource[T]{core: s.core, sourceID: s.core.newSource()}
}

// String returns this handle's debug identity (channel id and source id),
// for log correlation only.
func (s *ThrowingMPSCSource[T]) String() string {
	return fmt.Sprintf("%s/source-%d", s.core.String(), uint64(s.sourceID))
}

// String returns the channel's debug identity, for log correlation only.
func (ch *ThrowingMPSCChannel[T]) String() string { return ch.core.String() }

func (ch *ThrowingMPSCChannel[T]) Next(ctx context.Context) (T, bool, error) {
	return ch.core.next(ctx)
}

// Close forcefully terminates the channel, optionally delivering failure to
// a currently suspended consumer.
func (ch *ThrowingMPSCChannel[T]) Close(failure error) { ch.core.finish(failure) }

func (ch *ThrowingMPSCChannel[T]) Elements(ctx context.Context) func(yield func(T, error) bool) {
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
