package streamchan

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBuffered_TrySendFillsCapacityThenFails(t *testing.T) {
	_, src := NewBuffered[int](2)

	for i := 0; i < 2; i++ {
		ok, err := src.TrySend(i)
		if !ok || err != nil {
			t.Fatalf("TrySend(%d) = %v, %v; want true, nil", i, ok, err)
		}
	}

	ok, err := src.TrySend(99)
	if ok || err != nil {
		t.Fatalf("TrySend beyond capacity = %v, %v; want false, nil (would-block)", ok, err)
	}
}

func TestBuffered_SendSuspendsWhenFull(t *testing.T) {
	ch, src := NewBuffered[int](1)

	if ok, _ := src.TrySend(1); !ok {
		t.Fatalf("first TrySend should have succeeded")
	}

	done := make(chan error, 1)
	go func() { done <- src.Send(context.Background(), 2) }()

	select {
	case <-done:
		t.Fatalf("Send returned while the buffer was still full")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := ch.Next(context.Background())
	if !ok || v != 1 {
		t.Fatalf("Next() = %d, %v; want 1, true", v, ok)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("suspended Send returned error %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Send did not unblock once buffer drained")
	}

	v, ok = ch.Next(context.Background())
	if !ok || v != 2 {
		t.Fatalf("Next() = %d, %v; want 2, true", v, ok)
	}
}

func TestBuffered_FIFOOrderingPreserved(t *testing.T) {
	ch, src := NewBuffered[int](5)

	for i := 0; i < 5; i++ {
		if ok, err := src.TrySend(i); !ok || err != nil {
			t.Fatalf("TrySend(%d) = %v, %v", i, ok, err)
		}
	}

	for i := 0; i < 5; i++ {
		v, ok := ch.Next(context.Background())
		if !ok || v != i {
			t.Fatalf("Next() = %d, %v; want %d, true", v, ok, i)
		}
	}
}

func TestBuffered_NextOnEmptyBufferSuspendsUntilSend(t *testing.T) {
	ch, src := NewBuffered[string](4)

	recv := make(chan string, 1)
	go func() {
		v, _ := ch.Next(context.Background())
		recv <- v
	}()
	time.Sleep(20 * time.Millisecond)

	if ok, err := src.TrySend("x"); !ok || err != nil {
		t.Fatalf("TrySend = %v, %v", ok, err)
	}

	select {
	case v := <-recv:
		if v != "x" {
			t.Fatalf("received %q; want x", v)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("consumer never woke up")
	}
}

func TestBuffered_SendCancelledByContextWhileSuspended(t *testing.T) {
	_, src := NewBuffered[int](1)
	_, _ = src.TrySend(0) // fill capacity

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Send(ctx, 1) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Send returned %v; want ErrCancelled", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("suspended Send did not observe cancellation")
	}
}

func TestBuffered_FinishDrainsRemainingBufferBeforeEnding(t *testing.T) {
	ch, src := NewBuffered[int](3)
	for i := 0; i < 3; i++ {
		_, _ = src.TrySend(i)
	}
	src.Finish()

	for i := 0; i < 3; i++ {
		v, ok := ch.Next(context.Background())
		if !ok || v != i {
			t.Fatalf("Next() after Finish = %d, %v; want %d, true", v, ok, i)
		}
	}

	_, ok := ch.Next(context.Background())
	if ok {
		t.Fatalf("Next() should report ok=false once the drained buffer is exhausted")
	}
}

func TestBufferedThrowing_FailureDeliveredAfterBufferDrains(t *testing.T) {
	ch, src := NewBufferedThrowing[int](2)
	_, _ = src.TrySend(1)
	boom := errors.New("boom")
	src.Finish(boom)

	v, ok, err := ch.Next(context.Background())
	if !ok || v != 1 || err != nil {
		t.Fatalf("Next() = %d, %v, %v; want 1, true, nil", v, ok, err)
	}

	_, ok, err = ch.Next(context.Background())
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Next() = _, %v, %v; want false, boom", ok, err)
	}
}

func TestBuffered_CloseFailsSuspendedProducers(t *testing.T) {
	ch, src := NewBuffered[int](1)
	_, _ = src.TrySend(0)

	done := make(chan error, 1)
	go func() { done <- src.Send(context.Background(), 1) }()
	time.Sleep(20 * time.Millisecond)

	ch.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAlreadyFinished) {
			t.Fatalf("Send returned %v after Close; want ErrAlreadyFinished", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("suspended Send was never resumed by Close")
	}
}

func TestBuffered_ZeroOrNegativeCapacityCoercedToOne(t *testing.T) {
	_, src := NewBuffered[int](0)

	ok, err := src.TrySend(1)
	if !ok || err != nil {
		t.Fatalf("TrySend on coerced-capacity channel = %v, %v; want true, nil", ok, err)
	}
	ok, _ = src.TrySend(2)
	if ok {
		t.Fatalf("TrySend should fail once the coerced capacity of 1 is reached")
	}
}
