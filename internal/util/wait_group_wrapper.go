package util

import (
	"runtime/debug"
	"sync"

	"github.com/rocketspeed-go/core/internal/lg"
)

// WaitGroupWrapper tracks the goroutines a role binary launches through
// Wrap (each role wraps its run goroutine) so Stop can wait for them to
// drain before the process exits. A role runs as an OS
// service via kardianos/service, so a goroutine that panics must not take
// the whole process down silently: Wrap recovers the panic, reports it
// through the same lg.Func every other component logs through, and still
// releases the WaitGroup so shutdown isn't blocked forever on a dead
// goroutine.
type WaitGroupWrapper struct {
	sync.WaitGroup
}

// Wrap runs handler in a new goroutine counted against w. logf may be nil,
// in which case a recovered panic is dropped instead of logged.
func (w *WaitGroupWrapper) Wrap(logf lg.Func, handler func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		defer func() {
			if r := recover(); r != nil && logf != nil {
				logf(lg.ERROR, "util: recovered panic in wrapped goroutine: %v\n%s", r, debug.Stack())
			}
		}()
		handler()
	}()
}
