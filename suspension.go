package streamchan

import "context"

// waitResumed blocks until resumeCh delivers a value or ctx is cancelled.
//
// This is the Go expression of the "one-shot wake-up handle" described in
// spec.md §9: the select statement below IS the cancellation registration
// point, so no separate handler-registration step is needed. If ctx is
// cancelled first, onCancel runs the matching state-machine *Cancelled
// transition under the storage layer's lock before waitResumed returns. Since
// cancellation and resumption can race, resumeCh is checked once more,
// non-blocking, after onCancel returns: if the state machine's sticky
// cancellation bookkeeping lost the race (the party was already resumed
// before the cancel was observed), the resumption always wins.
func waitResumed[T any](ctx context.Context, resumeCh <-chan T, onCancel func()) (T, bool) {
	select {
	case v := <-resumeCh:
		return v, true
	case <-ctx.Done():
		onCancel()
		select {
		case v := <-resumeCh:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}
