// Package hammer runs a test body from many goroutines at once to shake
// out races in shared compiler state.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Run releases p goroutines simultaneously, each invoking test n times.
// A panic inside a goroutine is reported as a test error instead of
// crashing the process. Callers that need per-goroutine results collect
// them by the goroutine index and assert after Run returns.
func Run(t *testing.T, p, n int, test func(goroutine, iteration int)) {
	t.Helper()
	// Force goroutines onto fewer cores so they actually interleave.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(p/2 + 1))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < p; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					t.Error(recovered)
				}
			}()
			<-start
			for i := 0; i < n; i++ {
				test(g, i)
			}
		}()
	}
	close(start)
	wg.Wait()
}
