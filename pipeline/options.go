package pipeline

// Option configures a Pipeline. Use with New.
type Option func(*config)

type poolType int

const (
	poolUnspecified poolType = iota
	poolDynamic
	poolFixed
)

type config struct {
	maxWorkers   uint
	poolSelected poolType
	stopOnError  bool
}

// WithFixedPool selects a fixed-size worker pool with the given capacity
// (must be > 0). Mutually exclusive with WithDynamicPool.
func WithFixedPool(n uint) Option {
	return func(c *config) {
		if c.poolSelected != poolUnspecified && c.poolSelected != poolFixed {
			panic("pipeline: conflicting pool options: WithFixedPool and WithDynamicPool both specified")
		}
		if n == 0 {
			panic("pipeline: WithFixedPool requires n > 0")
		}
		c.poolSelected = poolFixed
		c.maxWorkers = n
	}
}

// WithDynamicPool selects a dynamic-size worker pool (the default when no
// pool option is given).
func WithDynamicPool() Option {
	return func(c *config) {
		if c.poolSelected != poolUnspecified && c.poolSelected != poolDynamic {
			panic("pipeline: conflicting pool options: WithFixedPool and WithDynamicPool both specified")
		}
		c.poolSelected = poolDynamic
	}
}

// WithStopOnError cancels the pipeline's context as soon as any element's
// processing returns an error, stopping further dispatch. An in-flight
// element whose Func is still running at that point is reported on the
// errors channel with the context's error; its result is discarded.
func WithStopOnError() Option { return func(c *config) { c.stopOnError = true } }
