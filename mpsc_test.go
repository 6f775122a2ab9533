package streamchan

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMPSC_TrySendUnboundedAlwaysContinues(t *testing.T) {
	ch, src := NewMPSC[int](UnboundedPolicy[int]{})

	for i := 0; i < 5; i++ {
		mayContinue, _, err := src.TrySend(i)
		if !mayContinue || err != nil {
			t.Fatalf("TrySend(%d) = %v, _, %v; want true, nil", i, mayContinue, err)
		}
	}

	for i := 0; i < 5; i++ {
		v, ok := ch.Next(context.Background())
		if !ok || v != i {
			t.Fatalf("Next() = %d, %v; want %d, true", v, ok, i)
		}
	}
}

func TestMPSC_WatermarkPausesProducerThenResumesOnEnqueueCallback(t *testing.T) {
	ch, src := NewMPSC[int](NewWatermark[int](2, 2))

	mayContinue, _, err := src.TrySend(1)
	if !mayContinue || err != nil {
		t.Fatalf("first TrySend = %v, _, %v", mayContinue, err)
	}
	mayContinue, tok, err := src.TrySend(2)
	if mayContinue || err != nil {
		t.Fatalf("second TrySend reaching high watermark = %v, _, %v; want false, nil", mayContinue, err)
	}

	resumed := make(chan error, 1)
	src.EnqueueCallback(tok, func(err error) { resumed <- err })

	select {
	case <-resumed:
		t.Fatalf("callback fired before any element was consumed")
	case <-time.After(30 * time.Millisecond):
	}

	if v, ok := ch.Next(context.Background()); !ok || v != 1 {
		t.Fatalf("Next() = %d, %v; want 1, true", v, ok)
	}

	select {
	case err := <-resumed:
		if err != nil {
			t.Fatalf("resume callback carried error %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("resume callback never fired after consumption dropped below low watermark")
	}
}

func TestMPSC_SendBlocksUntilDemandReturns(t *testing.T) {
	ch, src := NewMPSC[int](NewWatermark[int](2, 2))

	if mayContinue, _, _ := src.TrySend(1); !mayContinue {
		t.Fatalf("first TrySend should have signalled continue")
	}

	done := make(chan error, 1)
	go func() { done <- src.Send(context.Background(), 2) }()

	select {
	case <-done:
		t.Fatalf("Send returned before demand returned")
	case <-time.After(50 * time.Millisecond):
	}

	if v, ok := ch.Next(context.Background()); !ok || v != 1 {
		t.Fatalf("Next() = %d, %v; want 1, true", v, ok)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send returned error %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Send did not unblock once demand returned")
	}
}

func TestMPSC_CancelSendAbandonsPendingProducer(t *testing.T) {
	_, src := NewMPSC[int](NewWatermark[int](0, 1))
	_, _, _ = src.TrySend(1)
	_, tok, _ := src.TrySend(2)

	called := false
	src.EnqueueCallback(tok, func(err error) { called = true })
	src.CancelSend(tok)

	time.Sleep(20 * time.Millisecond)
	if !called {
		t.Fatalf("cancelling a pending send should still invoke its callback, with ErrCancelled")
	}
}

func TestMPSC_EnqueueCallbackTwiceWithSameTokenPanics(t *testing.T) {
	_, src := NewMPSC[int](NewWatermark[int](0, 1))
	_, _, _ = src.TrySend(1)
	_, tok, _ := src.TrySend(2)

	src.EnqueueCallback(tok, func(error) {})

	defer func() {
		if recover() == nil {
			t.Fatalf("enqueueing the same callback token twice should panic (spec.md §6 contract violation)")
		}
	}()
	src.EnqueueCallback(tok, func(error) {})
}

func TestMPSC_ChannelTerminatesOnlyAfterEveryProducerFinishes(t *testing.T) {
	ch, src := NewMPSC[int](UnboundedPolicy[int]{})
	second := src.Copy()

	src.Finish()

	done := make(chan bool, 1)
	go func() {
		_, ok := ch.Next(context.Background())
		done <- ok
	}()

	select {
	case <-done:
		t.Fatalf("channel reported termination before every producer handle finished")
	case <-time.After(50 * time.Millisecond):
	}

	second.Finish()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Next() reported ok=true after all producers finished with no pending elements")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("channel never terminated after the last producer handle finished")
	}
}

func TestMPSC_CloseTerminatesRegardlessOfActiveProducers(t *testing.T) {
	ch, src := NewMPSC[int](UnboundedPolicy[int]{})
	_ = src.Copy() // a second active producer handle that never calls Finish

	ch.Close()

	_, ok := ch.Next(context.Background())
	if ok {
		t.Fatalf("Next() after Close = ok=true; want false")
	}
}

func TestMPSCThrowing_FailureDeliveredOnceOnFinish(t *testing.T) {
	ch, src := NewMPSCThrowing[int](UnboundedPolicy[int]{})
	boom := errors.New("boom")
	src.Finish(boom)

	_, ok, err := ch.Next(context.Background())
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Next() = _, %v, %v; want false, boom", ok, err)
	}

	_, ok, err = ch.Next(context.Background())
	if ok || err != nil {
		t.Fatalf("second Next() = _, %v, %v; want false, nil", ok, err)
	}
}

func TestMPSC_SetOnTerminationPerSourceFiresWhenChannelTerminates(t *testing.T) {
	_, src := NewMPSC[int](UnboundedPolicy[int]{})

	var fired bool
	src.SetOnTermination(func() { fired = true })
	src.Finish()

	if !fired {
		t.Fatalf("termination callback registered on the only producer handle did not fire on Finish")
	}
}

func TestMPSC_MultipleProducersInterleaveWithoutLoss(t *testing.T) {
	ch, src := NewMPSC[int](UnboundedPolicy[int]{})
	p2 := src.Copy()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_, _, _ = src.TrySend(i)
		}
		src.Finish()
	}()
	go func() {
		for i := 0; i < n; i++ {
			_, _, _ = p2.TrySend(n + i)
		}
		p2.Finish()
	}()

	seen := make(map[int]bool)
	for {
		v, ok := ch.Next(context.Background())
		if !ok {
			break
		}
		seen[v] = true
	}

	if len(seen) != 2*n {
		t.Fatalf("received %d distinct values; want %d", len(seen), 2*n)
	}
}
