package microtask

import (
	"context"
)

// Promisify wraps a legacy callback-style operation in a promise. fn runs
// synchronously and receives a completion callback: invoking it with a
// non-nil err rejects the promise, otherwise the promise resolves with value.
// Only the first invocation settles; later calls are ignored. A panic in fn
// rejects with [PanicError] unless the callback already settled the promise.
func Promisify(s *Scheduler, fn func(callback func(err error, value Result))) *Promise {
	p := s.newPromise()
	if fn == nil {
		p.resolve(nil)
		return p
	}

	// Settlement idempotence gives first-invocation-wins for free.
	callback := func(err error, value Result) {
		if err != nil {
			p.reject(err)
		} else {
			p.resolve(value)
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(PanicError{Value: r})
			}
		}()
		fn(callback)
	}()

	return p
}

// Async runs a blocking function on its own goroutine and returns a promise
// settled from its outcome: a nil error resolves with the returned value, a
// non-nil error rejects. A panic in fn rejects with [PanicError]; a
// runtime.Goexit (e.g. testing.T.Fatal on the spawned goroutine) rejects with
// [ErrGoexit], so the promise never dangles.
//
// The goroutine is tracked: [Scheduler.Shutdown] waits briefly for in-flight
// Async work before rejecting stragglers. Returns [ErrSchedulerTerminated]
// without spawning when the scheduler has terminated.
func (s *Scheduler) Async(ctx context.Context, fn func(context.Context) (Result, error)) (*Promise, error) {
	if fn == nil {
		p := s.newPromise()
		p.resolve(nil)
		return p, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The terminated check and Add are atomic with respect to shutdown's
	// asyncWg.Wait, so a late Async cannot slip past the drain.
	s.asyncMu.Lock()
	if s.state.Load() == StateTerminated {
		s.asyncMu.Unlock()
		return nil, ErrSchedulerTerminated
	}
	s.asyncWg.Add(1)
	p := s.newPromise()
	s.asyncMu.Unlock()

	go func() {
		defer s.asyncWg.Done()

		returned := false
		defer func() {
			if r := recover(); r != nil {
				p.reject(PanicError{Value: r})
				return
			}
			// recover() is nil during a Goexit unwind, but deferred functions
			// still run; a non-returned fn with no panic means Goexit.
			if !returned {
				p.reject(ErrGoexit)
			}
		}()

		v, err := fn(ctx)
		returned = true
		if err != nil {
			p.reject(err)
		} else {
			p.resolve(v)
		}
	}()

	return p, nil
}
