package streamchan

// mpscState is the pure, non-blocking state machine backing the MPSC
// watermark channel (spec.md §4.3). Unlike the rendezvous and buffered
// variants, it tracks a reference count of live producer handles and
// delegates the pause/resume decision to a pluggable BackpressurePolicy.
type mpscState[T any] struct {
	policy BackpressurePolicy[T]

	buffer   []T
	consumer *suspendedConsumer[T]

	suspendedProducers      []mpscSuspendedProducer
	cancelledAsyncProducers map[token]struct{}
	hasOutstandingDemand    bool

	activeProducers  uint64
	sourceCounter    uint64
	callbackCounter  uint64

	onTerminations []mpscOnTermination

	finished bool
	failure  error
}

type mpscOnTermination struct {
	sourceID token
	cb       func()
}

// mpscSuspendedProducer is a producer parked after send() returned an
// enqueue token, waiting for renewed demand (spec.md §4.3's
// `(token, resumeKind)` deque entries). Exactly one of callback (a
// synchronous callback registration) and resumeCh (a blocked goroutine
// awaiting a channel send) is set.
type mpscSuspendedProducer struct {
	tok      token
	callback func(error)
	resumeCh chan error
}

func newMPSCState[T any](policy BackpressurePolicy[T]) *mpscState[T] {
	if policy == nil {
		policy = UnboundedPolicy[T]{}
	}
	return &mpscState[T]{
		policy:                  policy,
		cancelledAsyncProducers: make(map[token]struct{}),
		hasOutstandingDemand:    true,
	}
}

const sentinelSourceID token = ^token(0)

// sourceInitialized mints a new producer-handle id and counts it as active.
// Once the channel has finished, it returns a sentinel id so further
// operations on that handle become no-ops.
func (s *mpscState[T]) sourceInitialized() token {
	if s.finished {
		return sentinelSourceID
	}
	s.activeProducers++
	s.sourceCounter++
	return token(s.sourceCounter)
}

// --- send() ---

type mpscSendActionKind int

const (
	mpscSendProduceMore mpscSendActionKind = iota
	mpscSendEnqueue
	mpscSendResumeConsumerProduceMore
	mpscSendResumeConsumerEnqueue
	mpscSendAlreadyFinished
)

type mpscSendAction[T any] struct {
	kind     mpscSendActionKind
	consumer *suspendedConsumer[T]
	value    T
	cbToken  token
}

// send appends the element to the buffer, consults the back-pressure
// policy, and immediately hands the element to a suspended consumer if one
// is waiting, mirroring spec.md §4.3's send(sequence) transition.
func (s *mpscState[T]) send(v T) mpscSendAction[T] {
	if s.finished {
		return mpscSendAction[T]{kind: mpscSendAlreadyFinished}
	}

	s.buffer = append(s.buffer, v)
	s.hasOutstandingDemand = s.policy.didSend([]T{v})

	var resumedConsumer *suspendedConsumer[T]
	var delivered T
	if s.consumer != nil && len(s.buffer) > 0 {
		resumedConsumer = s.consumer
		s.consumer = nil
		delivered = s.buffer[0]
		s.buffer = s.buffer[1:]
		if s.policy.didConsume(delivered) {
			s.hasOutstandingDemand = true
		}
	}

	if s.hasOutstandingDemand {
		if resumedConsumer != nil {
			return mpscSendAction[T]{kind: mpscSendResumeConsumerProduceMore, consumer: resumedConsumer, value: delivered}
		}
		return mpscSendAction[T]{kind: mpscSendProduceMore}
	}

	s.callbackCounter++
	tok := token(s.callbackCounter)
	if resumedConsumer != nil {
		return mpscSendAction[T]{kind: mpscSendResumeConsumerEnqueue, consumer: resumedConsumer, value: delivered, cbToken: tok}
	}
	return mpscSendAction[T]{kind: mpscSendEnqueue, cbToken: tok}
}

// --- enqueueProducer() / cancelProducer() ---

type mpscEnqueueActionKind int

const (
	mpscEnqNone mpscEnqueueActionKind = iota
	mpscEnqResumeNow
	mpscEnqResumeWithError
)

type mpscEnqueueAction struct {
	kind mpscEnqueueActionKind
	err  error
}

// enqueueProducer commits a producer's suspension after send() returned an
// enqueue token. It resolves the race where demand returned, or the token
// was already cancelled, between send() and this call.
func (s *mpscState[T]) enqueueProducer(p mpscSuspendedProducer) mpscEnqueueAction {
	if _, cancelled := s.cancelledAsyncProducers[p.tok]; cancelled {
		delete(s.cancelledAsyncProducers, p.tok)
		return mpscEnqueueAction{kind: mpscEnqResumeWithError, err: ErrCancelled}
	}
	if s.finished {
		return mpscEnqueueAction{kind: mpscEnqResumeWithError, err: ErrAlreadyFinished}
	}
	if s.hasOutstandingDemand {
		return mpscEnqueueAction{kind: mpscEnqResumeNow}
	}
	s.suspendedProducers = append(s.suspendedProducers, p)
	return mpscEnqueueAction{kind: mpscEnqNone}
}

type mpscCancelProducerActionKind int

const (
	mpscCancelNone mpscCancelProducerActionKind = iota
	mpscCancelResume
)

type mpscCancelProducerAction struct {
	kind     mpscCancelProducerActionKind
	producer mpscSuspendedProducer
}

// cancelProducer removes a suspended producer by its callback token, or
// remembers the cancellation for a token not yet enqueued.
func (s *mpscState[T]) cancelProducer(tok token) mpscCancelProducerAction {
	for i, p := range s.suspendedProducers {
		if p.tok == tok {
			s.suspendedProducers = append(s.suspendedProducers[:i:i], s.suspendedProducers[i+1:]...)
			return mpscCancelProducerAction{kind: mpscCancelResume, producer: p}
		}
	}
	s.cancelledAsyncProducers[tok] = struct{}{}
	return mpscCancelProducerAction{}
}

// --- next() / suspendNext() / cancelNext() ---

type mpscNextActionKind int

const (
	mpscNextReturnElement mpscNextActionKind = iota
	mpscNextReturnElementAndResume
	mpscNextReturnResult
	mpscNextSuspend
)

type mpscNextAction[T any] struct {
	kind            mpscNextActionKind
	value           T
	result          consumerResult[T]
	resumeProducers []mpscSuspendedProducer
}

// next pops the oldest buffered element, if any, informing the
// back-pressure policy and waking parked producers whenever the watermark
// drops below its low mark.
func (s *mpscState[T]) next() mpscNextAction[T] {
	if len(s.buffer) > 0 {
		v := s.buffer[0]
		s.buffer = s.buffer[1:]
		return mpscNextAction[T]{kind: s.afterConsume(v), value: v, resumeProducers: s.drainResumable()}
	}
	if s.finished {
		return mpscNextAction[T]{kind: mpscNextReturnResult, result: s.terminalResult()}
	}
	return mpscNextAction[T]{kind: mpscNextSuspend}
}

// afterConsume updates demand bookkeeping for a just-popped element and
// reports whether parked producers became resumable as a result.
func (s *mpscState[T]) afterConsume(v T) mpscNextActionKind {
	crossed := s.policy.didConsume(v)
	if crossed {
		s.hasOutstandingDemand = true
	}
	if crossed && len(s.suspendedProducers) > 0 {
		return mpscNextReturnElementAndResume
	}
	return mpscNextReturnElement
}

func (s *mpscState[T]) drainResumable() []mpscSuspendedProducer {
	if !s.hasOutstandingDemand || len(s.suspendedProducers) == 0 {
		return nil
	}
	resumed := s.suspendedProducers
	s.suspendedProducers = nil
	return resumed
}

func (s *mpscState[T]) terminalResult() consumerResult[T] {
	if s.failure != nil {
		err := s.failure
		s.failure = nil
		return consumerResult[T]{err: err}
	}
	return consumerResult[T]{ok: false}
}

type mpscNextSuspendedActionKind int

const (
	mpscNSNone mpscNextSuspendedActionKind = iota
	mpscNSResumeConsumer
)

type mpscNextSuspendedAction[T any] struct {
	kind            mpscNextSuspendedActionKind
	result          consumerResult[T]
	resumeProducers []mpscSuspendedProducer
}

// suspendNext commits a consumer suspension once next() found nothing
// available, resolving the race where an element or termination arrived in
// the meantime.
func (s *mpscState[T]) suspendNext(c *suspendedConsumer[T]) mpscNextSuspendedAction[T] {
	if len(s.buffer) > 0 {
		v := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.afterConsume(v)
		resumed := s.drainResumable()
		return mpscNextSuspendedAction[T]{kind: mpscNSResumeConsumer, result: consumerResult[T]{value: v, ok: true}, resumeProducers: resumed}
	}
	if s.finished {
		return mpscNextSuspendedAction[T]{kind: mpscNSResumeConsumer, result: s.terminalResult()}
	}
	s.consumer = c
	return mpscNextSuspendedAction[T]{kind: mpscNSNone}
}

// cancelNext models cancellation of the single outstanding suspended
// receive. Because MPSC has only one consumer slot, cancelling it is
// equivalent to shutting the whole channel down: every parked producer is
// failed and no further elements will ever be drained.
func (s *mpscState[T]) cancelNext() mpscFinishAction[T] {
	if s.finished {
		return mpscFinishAction[T]{}
	}
	s.finished = true
	s.consumer = nil
	producers := s.suspendedProducers
	s.suspendedProducers = nil
	return mpscFinishAction[T]{producers: producers, onTerminations: s.drainTerminations()}
}

// --- finish() / sourceDeinitialized() ---

type mpscConsumerResume[T any] struct {
	consumer *suspendedConsumer[T]
	result   consumerResult[T]
}

type mpscFinishAction[T any] struct {
	producers      []mpscSuspendedProducer // each resumed with ErrAlreadyFinished
	consumer       *mpscConsumerResume[T]
	onTerminations []func()
}

// finish forcefully terminates the channel regardless of remaining active
// producers (the consumer-side escape hatch exposed as Channel.Close).
func (s *mpscState[T]) finish(failure error) mpscFinishAction[T] {
	if s.finished {
		return mpscFinishAction[T]{}
	}
	s.finished = true

	producers := s.suspendedProducers
	s.suspendedProducers = nil
	cbs := s.drainTerminations()

	var consumerAction *mpscConsumerResume[T]
	if s.consumer != nil {
		c := s.consumer
		s.consumer = nil
		result := consumerResult[T]{ok: false}
		if failure != nil {
			result = consumerResult[T]{err: failure}
		}
		consumerAction = &mpscConsumerResume[T]{consumer: c, result: result}
	} else if failure != nil {
		s.failure = failure
	}

	return mpscFinishAction[T]{producers: producers, consumer: consumerAction, onTerminations: cbs}
}

// sourceDeinitialized decrements the active-producer count; the channel only
// terminates once the last producer handle is deinitialized, per spec.md
// §4.3's reference-counted lifecycle. failure (if non-nil) is recorded the
// first time any handle reports one.
func (s *mpscState[T]) sourceDeinitialized(sourceID token, failure error) mpscFinishAction[T] {
	if s.finished || sourceID == sentinelSourceID {
		return mpscFinishAction[T]{}
	}
	if failure != nil && s.failure == nil {
		s.failure = failure
	}
	if s.activeProducers > 0 {
		s.activeProducers--
	}
	if s.activeProducers > 0 {
		return mpscFinishAction[T]{}
	}

	s.finished = true
	producers := s.suspendedProducers
	s.suspendedProducers = nil
	cbs := s.drainTerminations()

	var consumerAction *mpscConsumerResume[T]
	if s.consumer != nil && len(s.buffer) == 0 {
		c := s.consumer
		s.consumer = nil
		consumerAction = &mpscConsumerResume[T]{consumer: c, result: s.terminalResult()}
	}
	return mpscFinishAction[T]{producers: producers, consumer: consumerAction, onTerminations: cbs}
}

// --- termination callbacks ---

// setOnTermination installs (cb non-nil) or removes (cb nil) a source's
// termination callback. It returns a non-nil function when the channel has
// already finished, for the caller to invoke once outside the lock.
func (s *mpscState[T]) setOnTermination(sourceID token, cb func()) func() {
	if cb == nil {
		for i, t := range s.onTerminations {
			if t.sourceID == sourceID {
				s.onTerminations = append(s.onTerminations[:i:i], s.onTerminations[i+1:]...)
				break
			}
		}
		return nil
	}
	if s.finished {
		return cb
	}
	s.onTerminations = append(s.onTerminations, mpscOnTermination{sourceID: sourceID, cb: cb})
	return nil
}

func (s *mpscState[T]) drainTerminations() []func() {
	if len(s.onTerminations) == 0 {
		return nil
	}
	cbs := make([]func(), 0, len(s.onTerminations))
	for _, t := range s.onTerminations {
		cbs = append(cbs, t.cb)
	}
	s.onTerminations = nil
	return cbs
}
