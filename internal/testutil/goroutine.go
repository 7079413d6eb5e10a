package testutil

import (
	"runtime"
	"testing"
	"time"
)

// LeakSettle is how long stopped consumers, producers and scan workers get
// to exit before a leak is reported.
const LeakSettle = 10 * time.Second

// AssertNoGoroutineLeaks fails t when more than margin goroutines above
// baseline are still alive after settle. The failure carries every stack.
func AssertNoGoroutineLeaks(t *testing.T, baseline, margin int, settle time.Duration) {
	t.Helper()
	deadline := time.Now().Add(settle)
	for {
		if runtime.NumGoroutine() <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	stacks := make([]byte, 1<<20)
	stacks = stacks[:runtime.Stack(stacks, true)]
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d\n%s",
		baseline, runtime.NumGoroutine(), margin, stacks)
}
