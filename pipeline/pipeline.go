// Package pipeline is a concrete external collaborator for a streamchan
// channel: it drains a Channel[T], applies a Func across a pool of workers,
// and feeds results and tagged errors into two streamchan MPSC channels.
// It is adapted from the teacher's workers package (workers.go,
// dispatcher.go, worker.go, task.go), generalized from "a task queue with
// one results/errors pair" to "any streamchan.Channel[T] source."
package pipeline

import (
	"context"
	"sync"

	"github.com/streamchan/streamchan"
	"github.com/streamchan/streamchan/pool"
)

// Pipeline applies fn to every element pulled from a source channel, across
// a pool of workers, and publishes results and errors on two MPSC channels.
type Pipeline[T, R any] struct {
	cfg config
	fn  Func[T, R]
}

// New constructs a Pipeline. The default pool is dynamic; use WithFixedPool
// to bound concurrency.
func New[T, R any](fn Func[T, R], opts ...Option) *Pipeline[T, R] {
	cfg := config{poolSelected: poolUnspecified}
	for _, opt := range opts {
		if opt == nil {
			panic("pipeline: nil option")
		}
		opt(&cfg)
	}
	if cfg.poolSelected == poolUnspecified {
		cfg.poolSelected = poolDynamic
	}
	return &Pipeline[T, R]{cfg: cfg, fn: fn}
}

// Run drains source until it closes or ctx is cancelled, applying fn to each
// element on a worker pool. It returns immediately; results and errs are
// live channels fed by a background dispatch goroutine, and both finish
// once dispatch has stopped (source closed or ctx cancelled) and every
// in-flight element has been processed.
func (p *Pipeline[T, R]) Run(ctx context.Context, source *streamchan.Channel[T]) (results *streamchan.MPSCChannel[R], errs *streamchan.MPSCChannel[error]) {
	ctx, cancel := context.WithCancel(ctx)

	resultsCh, resultsSink := streamchan.NewMPSC[R](streamchan.UnboundedPolicy[R]{})
	errsCh, errsSink := streamchan.NewMPSC[error](streamchan.UnboundedPolicy[error]{})

	newWorkerFn := func() interface{} { return newWorker[T, R](p.fn) }
	var workerPool pool.Pool
	if p.cfg.poolSelected == poolFixed {
		workerPool = pool.NewFixed(p.cfg.maxWorkers, newWorkerFn)
	} else {
		workerPool = pool.NewDynamic(newWorkerFn)
	}

	go p.dispatch(ctx, cancel, source, workerPool, resultsSink, errsSink)

	return resultsCh, errsCh
}

// dispatch reads elements from source and executes them via execute. It
// tracks in-flight elements with a WaitGroup, mirroring the teacher's
// dispatcher.run, and stops as soon as ctx.Done() fires or source closes.
func (p *Pipeline[T, R]) dispatch(
	ctx context.Context,
	cancel context.CancelFunc,
	source *streamchan.Channel[T],
	workerPool pool.Pool,
	resultsSink *streamchan.MPSCSource[R],
	errsSink *streamchan.MPSCSource[error],
) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		resultsSink.Finish()
		errsSink.Finish()
		cancel()
	}()

	index := 0
	for {
		v, ok := source.Next(ctx)
		if !ok {
			return
		}

		i := index
		index++
		inflight.Add(1)
		// Each in-flight element gets its own producer handle on both sinks
		// (Source.Copy()), so the MPSC channels' reference-counted lifecycle
		// is driven by actual concurrent producers rather than the single
		// handle dispatch itself holds.
		resultsHandle := resultsSink.Copy()
		errsHandle := errsSink.Copy()
		go func(v T, i int) {
			defer inflight.Done()
			defer resultsHandle.Finish()
			defer errsHandle.Finish()
			p.execute(ctx, cancel, workerPool, resultsHandle, errsHandle, v, i)
		}(v, i)
	}
}

func (p *Pipeline[T, R]) execute(
	ctx context.Context,
	cancel context.CancelFunc,
	workerPool pool.Pool,
	resultsSink *streamchan.MPSCSource[R],
	errsSink *streamchan.MPSCSource[error],
	v T,
	index int,
) {
	w := workerPool.Get().(*worker[T, R])
	result, err := w.run(ctx, v)
	workerPool.Put(w)

	if err != nil {
		// Unbounded sinks never suspend, so this send completes regardless
		// of whether ctx is about to be (or already was) cancelled below.
		_ = errsSink.Send(ctx, newTaskTaggedError(err, index))
		if p.cfg.stopOnError {
			cancel()
		}
		return
	}
	_ = resultsSink.Send(ctx, result)
}
