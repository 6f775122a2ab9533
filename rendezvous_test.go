package streamchan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRendezvous_SendBlocksUntilReceive(t *testing.T) {
	ch, src := NewRendezvous[int]()

	done := make(chan error, 1)
	go func() { done <- src.Send(context.Background(), 42) }()

	select {
	case <-done:
		t.Fatalf("Send returned before a receive happened")
	case <-time.After(50 * time.Millisecond):
		// expected: still blocked
	}

	v, ok := ch.Next(context.Background())
	if !ok || v != 42 {
		t.Fatalf("Next() = %d, %v; want 42, true", v, ok)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Send did not unblock after matching receive")
	}
}

func TestRendezvous_TrySendFailsWithoutWaitingConsumer(t *testing.T) {
	_, src := NewRendezvous[string]()

	ok, err := src.TrySend("hello")
	if ok || err != nil {
		t.Fatalf("TrySend() = %v, %v; want false, nil", ok, err)
	}
}

func TestRendezvous_TrySendSucceedsWithWaitingConsumer(t *testing.T) {
	ch, src := NewRendezvous[string]()

	recv := make(chan string, 1)
	go func() {
		v, _ := ch.Next(context.Background())
		recv <- v
	}()
	time.Sleep(20 * time.Millisecond)

	ok, err := src.TrySend("hello")
	if !ok || err != nil {
		t.Fatalf("TrySend() = %v, %v; want true, nil", ok, err)
	}

	select {
	case v := <-recv:
		if v != "hello" {
			t.Fatalf("received %q; want hello", v)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("consumer never received the element")
	}
}

func TestRendezvous_FIFOAmongSuspendedConsumers(t *testing.T) {
	ch, src := NewRendezvous[int]()

	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, _ := ch.Next(context.Background())
			results <- v
		}()
	}
	time.Sleep(30 * time.Millisecond) // let all three suspend in order

	for i := 0; i < 3; i++ {
		if err := src.Send(context.Background(), i); err != nil {
			t.Fatalf("Send(%d) returned error: %v", i, err)
		}
	}

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-results:
			got = append(got, v)
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timed out waiting for receive %d", i)
		}
	}
	// Every sent value must have been delivered exactly once; FIFO ordering
	// among consumers is an internal scheduling detail, not observable here
	// since goroutine suspension order isn't guaranteed by the runtime.
	seen := map[int]bool{}
	for _, v := range got {
		seen[v] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[i] {
			t.Fatalf("value %d was never delivered, got=%v", i, got)
		}
	}
}

func TestRendezvous_SendCancelledByContext(t *testing.T) {
	_, src := NewRendezvous[int]()

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
		t.Fatalf("Send did not return after ctx was cancelled")
	}
}

func TestRendezvous_NextCancelledByContextReturnsNoValue(t *testing.T) {
	ch, _ := NewRendezvous[int]()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := ch.Next(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Next() reported ok=true after cancellation")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("Next did not return after ctx was cancelled")
	}
}

func TestRendezvous_FinishEndsStream(t *testing.T) {
	ch, src := NewRendezvous[int]()
	src.Finish()

	v, ok := ch.Next(context.Background())
	if ok {
		t.Fatalf("Next() = %d, true after Finish; want ok=false", v)
	}
}

func TestRendezvous_FinishResumesSuspendedProducerWithoutError(t *testing.T) {
	_, src := NewRendezvous[int]()

	done := make(chan error, 1)
	go func() { done <- src.Send(context.Background(), 1) }()
	time.Sleep(20 * time.Millisecond)

	src.Finish()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("suspended Send was never resumed by Finish")
	}
}

func TestRendezvousThrowing_FailureDeliveredOnce(t *testing.T) {
	ch, src := NewRendezvousThrowing[int]()
	boom := errors.New("boom")
	src.Finish(boom)

	_, ok, err := ch.Next(context.Background())
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Next() = _, %v, %v; want false, boom", ok, err)
	}

	_, ok, err = ch.Next(context.Background())
	if ok || err != nil {
		t.Fatalf("second Next() = _, %v, %v; want false, nil (failure delivered once)", ok, err)
	}
}

func TestRendezvous_SetOnTerminationFiresOnce(t *testing.T) {
	_, src := NewRendezvous[int]()

	var calls int
	src.SetOnTermination(func() { calls++ })
	src.Finish()
	src.Finish() // idempotent: must not fire the callback twice

	if calls != 1 {
		t.Fatalf("termination callback fired %d times; want 1", calls)
	}
}

func TestRendezvous_SetOnTerminationAfterFinishFiresImmediately(t *testing.T) {
	_, src := NewRendezvous[int]()
	src.Finish()

	fired := false
	src.SetOnTermination(func() { fired = true })
	if !fired {
		t.Fatalf("termination callback registered after Finish did not fire synchronously")
	}
}

func TestRendezvous_CopyShareTheSameChannel(t *testing.T) {
	ch, src := NewRendezvous[int]()
	other := src.Copy()

	go func() { _ = other.Send(context.Background(), 7) }()

	v, ok := ch.Next(context.Background())
	if !ok || v != 7 {
		t.Fatalf("Next() = %d, %v; want 7, true", v, ok)
	}
}

func TestRendezvous_ElementsSecondIteratorPanics(t *testing.T) {
	ch, src := NewRendezvous[int]()
	src.Finish()

	_ = ch.Elements(context.Background())

	defer func() {
		if recover() == nil {
			t.Fatalf("second call to Elements did not panic")
		}
	}()
	_ = ch.Elements(context.Background())
}

func TestRendezvous_ElementsYieldsAllSentValues(t *testing.T) {
	ch, src := NewRendezvous[int]()

	go func() {
		for i := 0; i < 3; i++ {
			_ = src.Send(context.Background(), i)
		}
		src.Finish()
	}()

	var got []int
	for v := range ch.Elements(context.Background()) {
		got = append(got, v)
	}
	if len(got) != 3 {
		t.Fatalf("Elements yielded %v; want 3 values", got)
	}
}

func TestRendezvous_CloseFailsSuspendedProducer(t *testing.T) {
	ch, src := NewRendezvous[int]()

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
