package streamchan

// rendezvousState is the pure, non-blocking state machine backing the
// rendezvous channel (spec.md §4.1). Every method mutates state and returns
// an action describing what the storage layer must do once the lock is
// released; no method here ever blocks or touches a channel directly.
//
// A single generic machine serves both the throwing and non-throwing facade:
// the non-throwing Channel simply never calls finish with a non-nil failure,
// and never reads the err field of a consumerResult.
type rendezvousState[T any] struct {
	producers          []*suspendedProducer[T]
	cancelledProducers map[token]struct{}
	consumers          []*suspendedConsumer[T]
	cancelledConsumers map[token]struct{}

	terminated    bool
	failureQueued bool
	failure       error
}

func newRendezvousState[T any]() *rendezvousState[T] {
	return &rendezvousState[T]{
		cancelledProducers: make(map[token]struct{}),
		cancelledConsumers: make(map[token]struct{}),
	}
}

type suspendedProducer[T any] struct {
	id       token
	resumeCh chan error
	element  T
}

type suspendedConsumer[T any] struct {
	id       token
	resumeCh chan consumerResult[T]
}

// consumerResult is what a suspended (or about-to-suspend) consumer is
// resumed with: an element, end-of-stream, or a queued failure.
type consumerResult[T any] struct {
	value T
	ok    bool
	err   error
}

// --- send() / sendSuspended() / sendCancelled() ---

type sendActionKind int

const (
	sendSuspend sendActionKind = iota
	sendResumeConsumer
	sendAlreadyFinished
)

type sendAction[T any] struct {
	kind     sendActionKind
	consumer *suspendedConsumer[T]
}

// send is the fast-path attempt: resume the oldest waiting consumer if one
// exists, otherwise instruct the caller to suspend.
func (s *rendezvousState[T]) send() sendAction[T] {
	if s.terminated {
		return sendAction[T]{kind: sendAlreadyFinished}
	}
	if len(s.consumers) > 0 {
		c := s.consumers[0]
		s.consumers = s.consumers[1:]
		return sendAction[T]{kind: sendResumeConsumer, consumer: c}
	}
	return sendAction[T]{kind: sendSuspend}
}

type sendSuspendedKind int

const (
	spNone sendSuspendedKind = iota
	spResumeProducer
	spResumeProducerAndConsumer
)

type sendSuspendedAction[T any] struct {
	kind     sendSuspendedKind
	err      error
	consumer *suspendedConsumer[T]
}

// sendSuspended commits a producer suspension once the caller has created its
// resume handle (p.id, p.resumeCh, p.element are already populated, typically
// from the storage layer's record pool). It resolves the races spec.md §4.1
// describes: a cancel that arrived first, a consumer that started waiting in
// the meantime, or termination that happened between send() and
// sendSuspended().
func (s *rendezvousState[T]) sendSuspended(p *suspendedProducer[T]) sendSuspendedAction[T] {
	if _, cancelled := s.cancelledProducers[p.id]; cancelled {
		delete(s.cancelledProducers, p.id)
		return sendSuspendedAction[T]{kind: spResumeProducer, err: ErrCancelled}
	}
	if s.terminated {
		return sendSuspendedAction[T]{kind: spResumeProducer, err: ErrAlreadyFinished}
	}
	if len(s.consumers) > 0 {
		c := s.consumers[0]
		s.consumers = s.consumers[1:]
		return sendSuspendedAction[T]{kind: spResumeProducerAndConsumer, consumer: c}
	}
	s.producers = append(s.producers, p)
	return sendSuspendedAction[T]{kind: spNone}
}

type sendCancelledKind int

const (
	scNone sendCancelledKind = iota
	scResumeProducer
)

type sendCancelledAction struct {
	kind     sendCancelledKind
	resumeCh chan error
}

// sendCancelled removes a suspended producer by id, or remembers the
// cancellation for a suspension that has not yet been recorded.
func (s *rendezvousState[T]) sendCancelled(id token) sendCancelledAction {
	for i, p := range s.producers {
		if p.id == id {
			s.producers = append(s.producers[:i:i], s.producers[i+1:]...)
			return sendCancelledAction{kind: scResumeProducer, resumeCh: p.resumeCh}
		}
	}
	s.cancelledProducers[id] = struct{}{}
	return sendCancelledAction{}
}

// --- next() / nextSuspended() / nextCancelled() ---

type nextActionKind int

const (
	nextSuspend nextActionKind = iota
	nextResumeProducer
	nextResult
)

type nextAction[T any] struct {
	kind     nextActionKind
	producer *suspendedProducer[T]
	result   consumerResult[T]
}

func (s *rendezvousState[T]) next() nextAction[T] {
	if len(s.producers) > 0 {
		p := s.producers[0]
		s.producers = s.producers[1:]
		return nextAction[T]{kind: nextResumeProducer, producer: p}
	}
	if s.terminated {
		if s.failureQueued {
			s.failureQueued = false
			return nextAction[T]{kind: nextResult, result: consumerResult[T]{err: s.failure}}
		}
		return nextAction[T]{kind: nextResult, result: consumerResult[T]{ok: false}}
	}
	return nextAction[T]{kind: nextSuspend}
}

type nextSuspendedKind int

const (
	nsNone nextSuspendedKind = iota
	nsResumeConsumer
	nsResumeProducerAndConsumer
)

type nextSuspendedAction[T any] struct {
	kind     nextSuspendedKind
	producer *suspendedProducer[T]
	result   consumerResult[T]
}

func (s *rendezvousState[T]) nextSuspended(c *suspendedConsumer[T]) nextSuspendedAction[T] {
	if _, cancelled := s.cancelledConsumers[c.id]; cancelled {
		delete(s.cancelledConsumers, c.id)
		return nextSuspendedAction[T]{kind: nsResumeConsumer, result: consumerResult[T]{ok: false}}
	}
	if len(s.producers) > 0 {
		p := s.producers[0]
		s.producers = s.producers[1:]
		return nextSuspendedAction[T]{kind: nsResumeProducerAndConsumer, producer: p}
	}
	if s.terminated {
		if s.failureQueued {
			s.failureQueued = false
			return nextSuspendedAction[T]{kind: nsResumeConsumer, result: consumerResult[T]{err: s.failure}}
		}
		return nextSuspendedAction[T]{kind: nsResumeConsumer, result: consumerResult[T]{ok: false}}
	}
	s.consumers = append(s.consumers, c)
	return nextSuspendedAction[T]{kind: nsNone}
}

type nextCancelledKind int

const (
	ncNone nextCancelledKind = iota
	ncResumeConsumer
)

type nextCancelledAction[T any] struct {
	kind     nextCancelledKind
	resumeCh chan consumerResult[T]
}

func (s *rendezvousState[T]) nextCancelled(id token) nextCancelledAction[T] {
	for i, c := range s.consumers {
		if c.id == id {
			s.consumers = append(s.consumers[:i:i], s.consumers[i+1:]...)
			return nextCancelledAction[T]{kind: ncResumeConsumer, resumeCh: c.resumeCh}
		}
	}
	s.cancelledConsumers[id] = struct{}{}
	return nextCancelledAction[T]{}
}

// --- finish() / consumerClosed() ---

type consumerDelivery[T any] struct {
	consumer *suspendedConsumer[T]
	result   consumerResult[T]
}

type finishAction[T any] struct {
	producers []*suspendedProducer[T] // resumed with success, element discarded (no buffer to hold it)
	consumers []consumerDelivery[T]
}

// finish transitions to the terminal state exactly once (absorbing, spec.md
// §3). If failure is non-nil and at least one consumer is currently
// suspended, that consumer receives the failure directly and all others
// receive end-of-stream; otherwise the failure is queued for the first
// post-termination receive.
func (s *rendezvousState[T]) finish(failure error) finishAction[T] {
	if s.terminated {
		return finishAction[T]{}
	}
	s.terminated = true

	producers := s.producers
	s.producers = nil
	consumers := s.consumers
	s.consumers = nil

	deliveries := make([]consumerDelivery[T], 0, len(consumers))
	if failure != nil && len(consumers) > 0 {
		deliveries = append(deliveries, consumerDelivery[T]{consumer: consumers[0], result: consumerResult[T]{err: failure}})
		for _, c := range consumers[1:] {
			deliveries = append(deliveries, consumerDelivery[T]{consumer: c, result: consumerResult[T]{ok: false}})
		}
	} else {
		if failure != nil {
			s.failureQueued = true
			s.failure = failure
		}
		for _, c := range consumers {
			deliveries = append(deliveries, consumerDelivery[T]{consumer: c, result: consumerResult[T]{ok: false}})
		}
	}

	return finishAction[T]{producers: producers, consumers: deliveries}
}

// consumerClosed models iterator destruction (spec.md §3): transitions to
// finished and fails every currently suspended producer, mirroring
// cancelNext's effect on the MPSC machine. It is a no-op once already
// terminated.
func (s *rendezvousState[T]) consumerClosed() []*suspendedProducer[T] {
	if s.terminated {
		return nil
	}
	s.terminated = true
	producers := s.producers
	s.producers = nil
	s.consumers = nil
	return producers
}
