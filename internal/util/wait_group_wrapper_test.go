package util

import (
	"testing"
	"time"

	"github.com/rocketspeed-go/core/internal/lg"
)

func TestWaitGroupWrapperWaitsForHandler(t *testing.T) {
	var w WaitGroupWrapper
	done := make(chan struct{})
	w.Wrap(lg.Discard, func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	w.Wait()
	select {
	case <-done:
	default:
		t.Fatal("Wait returned before handler finished")
	}
}

func TestWaitGroupWrapperRecoversPanic(t *testing.T) {
	var w WaitGroupWrapper
	var logged []string
	logf := func(level lg.Level, format string, args ...interface{}) {
		logged = append(logged, level.String())
	}
	w.Wrap(logf, func() {
		panic("boom")
	})
	w.Wait()
	if len(logged) != 1 || logged[0] != "ERROR" {
		t.Fatalf("expected one ERROR log from recovered panic, got %v", logged)
	}
}
