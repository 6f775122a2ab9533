package streamchan

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// token is a wrapping 64-bit identifier minted for suspended-party ids,
// callback tokens, and MPSC source ids. The space is 64-bit and never
// expected to wrap in practice (spec.md §4.4).
type token uint64

// tokenMinter hands out monotonically increasing tokens via wrapping
// increments. It is safe for concurrent use.
type tokenMinter struct{ n atomic.Uint64 }

func (m *tokenMinter) mint() token { return token(m.n.Add(1)) }

// newDebugID returns a correlation identifier attached to channels and
// sources for logging only. It never participates in state-machine
// transitions or token comparisons.
func newDebugID() string { return uuid.NewString() }
