package microtask

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Result is the type-erased value of a fulfilled or rejected promise.
// For fulfilled promises it holds the success value; for rejected promises it
// holds the rejection reason (typically an error).
type Result = any

// PromiseState is the lifecycle state of a [Promise]. A promise starts
// Pending and transitions exactly once to either Fulfilled or Rejected;
// terminal states never change.
type PromiseState int32

const (
	// Pending indicates the operation has not yet settled.
	Pending PromiseState = iota

	// Fulfilled indicates the promise settled successfully with a value.
	Fulfilled

	// Rejected indicates the promise settled with a failure reason.
	Rejected
)

// String returns a human-readable representation of the state.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Fulfilled:
		return "Fulfilled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Thenable is any value whose eventual outcome a [Promise] adopts instead of
// wrapping. Resolving a promise with a Thenable defers settlement until the
// Thenable settles, recursively. *Promise implements Thenable.
type Thenable interface {
	// Then registers settlement handlers and returns the derived promise.
	Then(onFulfilled, onRejected func(Result) Result) *Promise
}

// ResolveFunc fulfills a promise with a value. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with a reason. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type RejectFunc func(Result)

// Promise is a single-assignment container for an eventual outcome, bound to
// a [Scheduler]. Reactions registered via [Promise.Then], [Promise.Catch],
// and [Promise.Finally] always run as microtasks on the scheduler goroutine,
// never synchronously in the registering frame, and fire in registration
// order.
//
// A promise may be held and chained from by arbitrarily many holders; only
// the producer holding the resolve/reject functions can settle it.
type Promise struct {
	// result holds the settled value or reason.
	result Result
	s      *Scheduler

	// h0 is the first reaction, embedded to avoid a slice allocation for the
	// common single-handler case; extra holds the rest.
	h0    handler
	extra []handler

	// channels registered via ToChannel while pending.
	channels []chan Result

	state  atomic.Int32
	h0Used bool
	id     uint64

	mu sync.Mutex
}

var _ Thenable = (*Promise)(nil)

// handler is a reaction: an optional fulfill/reject handler pair bound to the
// downstream promise its outcome settles.
type handler struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	target      *Promise
}

// newPromise creates a pending promise registered with the scheduler.
func (s *Scheduler) newPromise() *Promise {
	p := &Promise{s: s}
	p.state.Store(int32(Pending))
	p.id = s.registry.register(p)
	s.metrics.addPromiseRegistered()
	return p
}

// NewPromise creates a promise and invokes executor synchronously with its
// settlement functions, mirroring the two-argument executor construction
// contract. A panic inside the executor is recovered and, if the promise is
// still pending, becomes a rejection with [PanicError].
//
// A nil executor yields a promise that can only be settled via combinator
// helpers; prefer [WithResolvers] for that shape.
func NewPromise(s *Scheduler, executor func(resolve ResolveFunc, reject RejectFunc)) *Promise {
	p := s.newPromise()

	if executor != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.reject(PanicError{Value: r})
				}
			}()
			executor(p.resolve, p.reject)
		}()
	}

	return p
}

// State returns the current state. Safe from any goroutine.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value, or nil if pending or rejected.
// A fulfilled promise can legitimately hold a nil value.
func (p *Promise) Value() Result {
	if p.state.Load() == int32(Fulfilled) {
		return p.result
	}
	return nil
}

// Reason returns the rejection reason, or nil if pending or fulfilled.
func (p *Promise) Reason() Result {
	if p.state.Load() == int32(Rejected) {
		return p.result
	}
	return nil
}

// Scheduler returns the scheduler this promise is bound to.
func (p *Promise) Scheduler() *Scheduler {
	return p.s
}

// Then registers reaction handlers and returns the derived promise.
//
// Handler selection: on fulfillment onFulfilled runs; on rejection onRejected
// runs. A nil handler propagates the outcome unchanged to the derived promise
// (a nil onRejected passes the same reason down the chain, mirroring
// structured exception propagation).
//
// Handler result rule: a returned plain value fulfills the derived promise; a
// panic rejects it with [PanicError]; a returned [Thenable] is adopted.
//
// Then may be called any number of times, before or after settlement;
// reactions fire in registration order, one microtask each, and never within
// the caller's synchronous frame.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	child := p.s.newPromise()
	p.addHandler(handler{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		target:      child,
	})
	return child
}

// Catch registers a failure handler; sugar for Then(nil, onRejected).
// If the receiver rejects and onRejected returns normally, the derived
// promise fulfills with the handler's return value, converting back to the
// fulfillment path.
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// Finally registers a handler that runs on any settlement. The original
// outcome passes through to the derived promise unchanged, unless onFinally
// panics, in which case the derived promise rejects with [PanicError].
func (p *Promise) Finally(onFinally func()) *Promise {
	if onFinally == nil {
		return p.Then(nil, nil)
	}

	child := p.s.newPromise()

	runFinally := func(res Result, rejected bool) {
		defer func() {
			if r := recover(); r != nil {
				child.reject(PanicError{Value: r})
			}
		}()
		onFinally()
		if rejected {
			child.reject(res)
		} else {
			child.resolve(res)
		}
	}

	p.addHandler(handler{
		onFulfilled: func(v Result) Result {
			runFinally(v, false)
			return nil // child settled by runFinally
		},
		onRejected: func(r Result) Result {
			runFinally(r, true)
			return nil
		},
		target: nil, // target settled explicitly above
	})

	return child
}

// ToChannel returns a buffered channel that receives the settled result
// (value or reason) and is then closed. An already-settled promise returns a
// pre-filled channel. Safe from any goroutine.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)

	if p.state.Load() != int32(Pending) {
		ch <- p.result
		close(ch)
		return ch
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		ch <- p.result
		close(ch)
		return ch
	}
	p.channels = append(p.channels, ch)
	p.mu.Unlock()

	return ch
}

// addHandler attaches a reaction. Pending: stored for settlement. Settled:
// scheduled now as exactly one microtask (registering on a settled promise is
// still never synchronous).
func (p *Promise) addHandler(h handler) {
	// Optimistic settled check avoids the lock in the common late-attach case.
	currentState := p.state.Load()
	if currentState != int32(Pending) {
		p.afterAttach(currentState, h)
		p.scheduleHandler(h, currentState, p.result)
		return
	}

	p.mu.Lock()
	currentState = p.state.Load()
	if currentState != int32(Pending) {
		p.mu.Unlock()
		p.afterAttach(currentState, h)
		p.scheduleHandler(h, currentState, p.result)
		return
	}

	if !p.h0Used {
		p.h0 = h
		p.h0Used = true
	} else {
		p.extra = append(p.extra, h)
	}
	p.mu.Unlock()
}

// afterAttach notifies the rejection tracker when a reaction attaches to an
// already-rejected promise: the rejection now flows to the reaction's target,
// so the receiver counts as handled (suppressing a pending report, or
// emitting the handled counter-signal for an already-reported one).
func (p *Promise) afterAttach(state int32, h handler) {
	if state != int32(Rejected) {
		return
	}
	p.s.rejections.markHandled(p)
}

// scheduleHandler enqueues a reaction as a microtask.
func (p *Promise) scheduleHandler(h handler, state int32, result Result) {
	p.s.scheduleMicrotask(func() {
		p.executeHandler(h, state, result)
	})
}

// executeHandler runs one reaction: nil handlers pass the outcome through to
// the target, a panic rejects the target, a returned value resolves it (with
// thenable adoption via resolve).
func (p *Promise) executeHandler(h handler, state int32, result Result) {
	var fn func(Result) Result
	if state == int32(Fulfilled) {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	if fn == nil {
		if h.target == nil {
			return
		}
		if state == int32(Fulfilled) {
			h.target.resolve(result)
		} else {
			h.target.reject(result)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(PanicError{Value: r})
			}
		}
	}()

	res := fn(result)
	if h.target != nil {
		h.target.resolve(res)
	}
}

// resolve fulfills the promise, or adopts value's eventual outcome when value
// is a *Promise or other Thenable. Resolving a promise with itself rejects
// with a *TypeError (chaining cycle). No-op if already settled.
func (p *Promise) resolve(value Result) {
	if pr, ok := value.(*Promise); ok {
		if pr == p {
			p.reject(&TypeError{Message: fmt.Sprintf("microtask: chaining cycle detected for promise #%d", p.id)})
			return
		}
		// Zero-closure adoption: the inner promise settles p directly.
		pr.addHandler(handler{target: p})
		return
	}

	if t, ok := value.(Thenable); ok {
		t.Then(
			func(v Result) Result {
				p.resolve(v)
				return nil
			},
			func(r Result) Result {
				p.reject(r)
				return nil
			},
		)
		return
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	h0 := p.h0
	useH0 := p.h0Used
	handlers := p.extra
	channels := p.channels

	p.h0 = handler{}
	p.h0Used = false
	p.extra = nil
	p.channels = nil
	p.result = value
	p.state.Store(int32(Fulfilled))

	// Reactions are scheduled while holding the lock so concurrent addHandler
	// calls observe a consistent registration order.
	if useH0 {
		p.scheduleHandler(h0, int32(Fulfilled), value)
	}
	for _, h := range handlers {
		p.scheduleHandler(h, int32(Fulfilled), value)
	}

	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
	}
	for _, ch := range channels {
		close(ch)
	}
	p.mu.Unlock()
}

// reject transitions the promise to Rejected. No-op if already settled.
// A rejection with no reactions attached at settlement time is handed to the
// rejection tracker for end-of-drain-cycle reporting.
func (p *Promise) reject(reason Result) {
	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}

	h0 := p.h0
	useH0 := p.h0Used
	handlers := p.extra
	channels := p.channels

	p.h0 = handler{}
	p.h0Used = false
	p.extra = nil
	p.channels = nil
	p.result = reason
	p.state.Store(int32(Rejected))

	// Scheduled while holding the lock: reaction microtasks must be queued
	// ahead of the tracker's end-of-drain check observing this rejection.
	if useH0 {
		p.scheduleHandler(h0, int32(Rejected), reason)
	}
	for _, h := range handlers {
		p.scheduleHandler(h, int32(Rejected), reason)
	}

	for _, ch := range channels {
		select {
		case ch <- reason:
		default:
		}
	}
	for _, ch := range channels {
		close(ch)
	}

	handled := useH0 || len(handlers) > 0
	p.mu.Unlock()

	if !handled {
		p.s.rejections.track(p, reason)
	}
}
