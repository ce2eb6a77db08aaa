// Package testutil provides helpers for exercising admission components under
// concurrent load in tests.
package testutil

import (
	"sync"
	"sync/atomic"

	dErrors "queryguard/pkg/domain-errors"
)

// ConcurrentResult tallies the outcomes of concurrent admission attempts.
type ConcurrentResult struct {
	Allowed     int32
	RateLimited int32
	Unavailable int32
	Errors      int32
}

// Total returns the total number of operations executed.
func (r *ConcurrentResult) Total() int32 {
	return r.Allowed + r.RateLimited + r.Unavailable + r.Errors
}

// RunConcurrent executes fn in parallel goroutines and buckets each outcome
// by its domain error code. It replaces the WaitGroup-plus-atomics
// boilerplate in tests that race many callers against one limiter or ledger.
func RunConcurrent(goroutines int, fn func(idx int) error) *ConcurrentResult {
	var wg sync.WaitGroup
	var allowed, rateLimited, unavailable, errs atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := fn(idx)
			switch {
			case err == nil:
				allowed.Add(1)
			case dErrors.HasCode(err, dErrors.CodeRateLimited):
				rateLimited.Add(1)
			case dErrors.HasCode(err, dErrors.CodeUnavailable):
				unavailable.Add(1)
			default:
				errs.Add(1)
			}
		}(i)
	}

	wg.Wait()

	return &ConcurrentResult{
		Allowed:     allowed.Load(),
		RateLimited: rateLimited.Load(),
		Unavailable: unavailable.Load(),
		Errors:      errs.Load(),
	}
}
