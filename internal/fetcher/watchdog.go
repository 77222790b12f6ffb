package fetcher

import (
	"errors"
	"io"
	"sync"
	"time"
)

// errStalled is the cause attached when the watchdog cuts an idle transfer.
var errStalled = errors.New("no bytes received within inactivity window")

// watchdog aborts a stalled transfer by closing the response body when no
// bytes arrive within the window. Closing the body unblocks the pending
// Read, which then fails the current attempt. Already-written partial bytes
// are kept for a future resumed attempt.
type watchdog struct {
	closer io.Closer
	window time.Duration

	mu      sync.Mutex
	last    time.Time
	expired bool

	stopOnce sync.Once
	done     chan struct{}
}

// newWatchdog starts a watchdog over closer. A zero window disables it.
func newWatchdog(closer io.Closer, window time.Duration) *watchdog {
	w := &watchdog{
		closer: closer,
		window: window,
		last:   time.Now(),
		done:   make(chan struct{}),
	}
	if window > 0 {
		go w.watch()
	}
	return w
}

func (w *watchdog) watch() {
	// Check at a quarter of the window so an idle connection is cut at most
	// 25% late, but never busier than every 100ms.
	interval := w.window / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.last) >= w.window
			if idle {
				w.expired = true
			}
			w.mu.Unlock()

			if idle {
				w.closer.Close()
				return
			}
		}
	}
}

// Touch records transfer activity, resetting the inactivity window
func (w *watchdog) Touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

// Expired reports whether the watchdog fired
func (w *watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// Stop shuts the watchdog down without closing the body
func (w *watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}
