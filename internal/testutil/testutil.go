// Package testutil provides helpers for tests that run goroutines.
//
// t.Fatal and t.FailNow must not be called off the test goroutine: they
// call runtime.Goexit, which stops the calling goroutine while the test
// keeps waiting. Concurrently collects errors over a channel and reports
// them from the test goroutine instead.
package testutil

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// Concurrently runs fn in n goroutines, one id per goroutine, and
// reports every returned error after all of them finish. fn returns
// errors instead of calling t.Fatal.
func Concurrently(t *testing.T, n int, fn func(id int) error) {
	t.Helper()

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := fn(id); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("goroutine error: %v", err)
	}
}

// VerifyNoLeaks fails the test if goroutines started after the call are
// still running when the test ends. Call it before registering other
// cleanups; cleanups run last-in-first-out, so the check then runs after
// the code under test has shut down.
func VerifyNoLeaks(t *testing.T) {
	t.Helper()

	base := runtime.NumGoroutine()
	t.Cleanup(func() {
		// Finished goroutines are reaped asynchronously, so poll
		// briefly before declaring a leak.
		deadline := time.Now().Add(2 * time.Second)
		n := runtime.NumGoroutine()
		for n > base && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			n = runtime.NumGoroutine()
		}
		if n > base {
			buf := make([]byte, 1<<20)
			buf = buf[:runtime.Stack(buf, true)]
			t.Errorf("goroutine leak: %d running, started with %d\n%s", n, base, buf)
		}
	})
}
