// Package microtask provides a deferred-value runtime for Go: promises with
// Promise/A+ chaining semantics, driven by a single-goroutine scheduler with
// a two-tier task model (macrotasks and microtasks) and deterministic
// ordering guarantees.
//
// # Architecture
//
// The package is built around a [Scheduler] that owns a dedicated loop
// goroutine. Producers hand it work from any goroutine via [Scheduler.Submit]
// (macrotasks) and [Scheduler.ScheduleMicrotask]; timer macrotasks are
// scheduled with [Scheduler.SetTimeout], [Scheduler.SetInterval], and
// [Scheduler.SetImmediate]. [Promise] reactions registered with
// [Promise.Then], [Promise.Catch], and [Promise.Finally] always run as
// microtasks on the scheduler goroutine.
//
// # Execution Model
//
// Each loop tick processes work in a fixed order:
//  1. A batch of queued macrotasks, draining microtasks to completion after
//     each one.
//  2. Expired timer callbacks (earliest deadline first), again draining
//     microtasks after each.
//  3. The unhandled-rejection check, at the drain-cycle boundary.
//  4. Sleep until new work arrives or the next timer deadline.
//
// Draining to completion means microtasks enqueued by other microtasks run
// before the next macrotask, to arbitrary depth. Combined with FIFO queues
// this yields the core ordering guarantees: reactions fire in registration
// order, reactions never run synchronously within the call that registered
// them, and all pending reactions run before the next macrotask.
//
// # Promises
//
// [NewPromise] takes an executor that receives resolve and reject functions.
// Settlement is a one-shot transition; subsequent attempts are silently
// ignored. Resolving with a *Promise or [Thenable] adopts its eventual
// outcome rather than wrapping it, recursively, so chains flatten.
// Self-resolution rejects with a [TypeError].
//
// The aggregate combinators [All], [Race], [AllSettled], and [Any] accept a
// mix of promises and plain values; [Resolve], [Reject], [WithResolvers],
// [Try], [Promisify], and [Scheduler.Async] cover construction from existing
// values, callback-style APIs, and blocking functions.
//
// # Unhandled Rejections
//
// A promise rejected with no failure handler attached by the end of the
// microtask drain cycle in which it settled is reported exactly once: the
// scheduler dispatches a cancelable "unhandledrejection" event on
// [Scheduler.Events] and, unless a listener calls [Event.PreventDefault],
// logs a diagnostic. Attaching a handler within the same cycle suppresses
// the report; attaching one later fires "rejectionhandled".
//
// # Thread Safety
//
//   - [Scheduler.Submit] and [Scheduler.ScheduleMicrotask] are safe from any
//     goroutine; the microtask queue is a lock-free MPSC ring.
//   - Promise settlement and reaction registration are safe from any
//     goroutine; reactions execute only on the loop goroutine.
//   - Timer scheduling and clearing are safe from any goroutine, including
//     from inside callbacks.
//
// # Usage
//
//	s, err := microtask.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go s.Run(context.Background())
//
//	p := microtask.NewPromise(s, func(resolve microtask.ResolveFunc, _ microtask.RejectFunc) {
//	    go func() {
//	        // produce the value off-loop
//	        resolve(42)
//	    }()
//	})
//	p.Then(func(v microtask.Result) microtask.Result {
//	    fmt.Println("got", v)
//	    return nil
//	}, nil)
//
//	// ...
//	s.Shutdown(context.Background())
//
// # Error Types
//
//   - [PanicError]: wraps panics recovered from executors, handlers, [Try],
//     and [Scheduler.Async]
//   - [AggregateError]: [Any] rejection when every input rejects
//   - [TypeError], [RangeError]: chaining cycles and argument validation
//   - [ErrSchedulerTerminated]: rejection reason for promises orphaned by
//     scheduler shutdown, and the error for work submitted after termination
package microtask
