package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestListenerProcessesInputsInOrder(t *testing.T) {
	in := make(chan int, 8)
	var mu sync.Mutex
	var got []int

	l := New(in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	l.Start(context.Background())

	for i := 0; i < 5; i++ {
		in <- i
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d (order: %v)", i, v, i, got)
		}
	}
}

func TestListenerReportsHandlerErrorsAndKeepsRunning(t *testing.T) {
	in := make(chan int, 8)
	var mu sync.Mutex
	var errCount int
	var processed []int

	l := New(in, func(v int) error {
		if v == 2 {
			return errors.New("boom")
		}
		mu.Lock()
		processed = append(processed, v)
		mu.Unlock()
		return nil
	})
	l.OnError(func(err error) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})
	l.Start(context.Background())

	in <- 1
	in <- 2
	in <- 3

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2 && errCount == 1
	})
	l.Stop()
}

func TestListenerStopRunsStopHandlerOnce(t *testing.T) {
	in := make(chan int)
	var stopCount int
	l := New(in, func(int) error { return nil }, func() { stopCount++ })
	l.Start(context.Background())
	l.Stop()

	if stopCount != 1 {
		t.Fatalf("stopCount = %d, want 1", stopCount)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
