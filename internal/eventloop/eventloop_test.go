package eventloop

import (
	"testing"
	"time"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	e := New(0, 8, nil)
	go e.Run()
	defer e.Stop()

	done := make(chan int, 1)
	if !e.Post(func(flow *Flow) { done <- 42 }) {
		t.Fatal("Post returned false on empty queue")
	}
	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("command never ran")
	}
}

func TestPostReturnsFalseWhenQueueFull(t *testing.T) {
	e := New(0, 1, nil)
	// Don't run the loop, so nothing drains the queue.
	if !e.Post(func(flow *Flow) {}) {
		t.Fatal("first post should have succeeded")
	}
	if e.Post(func(flow *Flow) {}) {
		t.Fatal("second post should report the queue full")
	}
}

func TestRunTimerFiresRepeatedly(t *testing.T) {
	e := New(0, 8, nil)
	go e.Run()
	defer e.Stop()

	ticks := make(chan struct{}, 8)
	e.RunTimer(10*time.Millisecond, func(flow *Flow) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
