package pool

// Pool is a free list of reusable values of a single type, used to avoid an
// allocation every time a short-lived object (a worker, a suspended-party
// record) is needed and released.
type Pool interface {
	// Get returns a value from the pool, constructing a new one if none is
	// available.
	Get() interface{}

	// Put returns a value to the pool for reuse.
	Put(interface{})
}
