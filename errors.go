package streamchan

import "errors"

// Namespace prefixes every sentinel error exported by this package, matching
// the teacher's flat errors.go convention.
const Namespace = "streamchan"

var (
	// ErrAlreadyFinished is returned by a send once the channel has entered
	// its terminal state.
	ErrAlreadyFinished = errors.New(Namespace + ": channel already finished")

	// ErrCancelled is returned to a suspended send whose context was
	// cancelled while it was waiting, or whose pending MPSC send was
	// abandoned with CancelSend. A cancelled next is not given this error; it
	// reports end-of-stream (ok == false, err == nil) instead.
	ErrCancelled = errors.New(Namespace + ": operation cancelled")

	// ErrIteratorAlreadyAttached is the contract violation raised when a
	// second iterator is created on a channel that already has one.
	ErrIteratorAlreadyAttached = errors.New(Namespace + ": only one iterator may be attached to a channel")

	// ErrCallbackAlreadyEnqueued is the contract violation raised when the
	// same callback token is enqueued twice (spec.md §6).
	ErrCallbackAlreadyEnqueued = errors.New(Namespace + ": callback token already enqueued")
)
