package microtask

// SettlementStatus labels one record in an [AllSettled] result slice.
type SettlementStatus string

const (
	// StatusFulfilled marks a settlement record holding a value.
	StatusFulfilled SettlementStatus = "fulfilled"

	// StatusRejected marks a settlement record holding a reason.
	StatusRejected SettlementStatus = "rejected"
)

// Settlement is the per-input outcome record produced by [AllSettled].
// Exactly one of Value and Reason is meaningful, selected by Status.
type Settlement struct {
	Value  Result
	Reason Result
	Status SettlementStatus
}

// PromiseWithResolvers bundles a pending promise with its settlement
// functions, for producers that settle outside an executor.
type PromiseWithResolvers struct {
	Promise *Promise
	Resolve ResolveFunc
	Reject  RejectFunc
}

// WithResolvers creates a pending promise and exposes its resolve and reject
// functions directly.
func WithResolvers(s *Scheduler) PromiseWithResolvers {
	p := s.newPromise()
	return PromiseWithResolvers{
		Promise: p,
		Resolve: p.resolve,
		Reject:  p.reject,
	}
}

// Resolve returns a promise resolved with value. A value that is itself a
// *Promise or [Thenable] is adopted rather than wrapped, so the result
// settles with the flattened outcome.
func Resolve(s *Scheduler, value Result) *Promise {
	if p, ok := value.(*Promise); ok && p.s == s {
		return p
	}
	p := s.newPromise()
	p.resolve(value)
	return p
}

// Reject returns a promise rejected with reason. Unlike [Resolve], the reason
// is never adopted; a promise used as a reason stays a plain reason.
func Reject(s *Scheduler, reason Result) *Promise {
	p := s.newPromise()
	p.reject(reason)
	return p
}

// Try invokes fn synchronously and returns a promise settled from its
// outcome: the return value resolves the promise (with thenable adoption), a
// panic rejects it with [PanicError].
func Try(s *Scheduler, fn func() Result) *Promise {
	p := s.newPromise()
	if fn == nil {
		p.resolve(nil)
		return p
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(PanicError{Value: r})
			}
		}()
		p.resolve(fn())
	}()

	return p
}

// All returns a promise that fulfills with every input's fulfillment value,
// in input order, once all inputs fulfill — or rejects with the first
// rejection reason. Later settlements of other inputs are ignored; inputs are
// not cancelled. Plain (non-promise) inputs count as already fulfilled.
//
// Empty input fulfills with an empty slice.
func All(s *Scheduler, inputs ...Result) *Promise {
	result := s.newPromise()

	if len(inputs) == 0 {
		result.resolve([]Result{})
		return result
	}

	// Reactions run one at a time on the scheduler goroutine, so the shared
	// slice and counter need no lock.
	values := make([]Result, len(inputs))
	remaining := len(inputs)

	for i, input := range inputs {
		idx := i
		Resolve(s, input).Then(
			func(v Result) Result {
				values[idx] = v
				remaining--
				if remaining == 0 {
					result.resolve(values)
				}
				return nil
			},
			func(r Result) Result {
				result.reject(r)
				return nil
			},
		)
	}

	return result
}

// Race returns a promise that settles with the outcome of whichever input
// settles first, fulfillment or rejection alike. Empty input yields a promise
// that never settles.
func Race(s *Scheduler, inputs ...Result) *Promise {
	result := s.newPromise()

	for _, input := range inputs {
		Resolve(s, input).Then(
			func(v Result) Result {
				result.resolve(v)
				return nil
			},
			func(r Result) Result {
				result.reject(r)
				return nil
			},
		)
	}

	return result
}

// AllSettled returns a promise that fulfills once every input has settled,
// with a [Settlement] record per input in input order. It never rejects.
func AllSettled(s *Scheduler, inputs ...Result) *Promise {
	result := s.newPromise()

	if len(inputs) == 0 {
		result.resolve([]Settlement{})
		return result
	}

	settlements := make([]Settlement, len(inputs))
	remaining := len(inputs)

	for i, input := range inputs {
		idx := i
		Resolve(s, input).Then(
			func(v Result) Result {
				settlements[idx] = Settlement{Status: StatusFulfilled, Value: v}
				remaining--
				if remaining == 0 {
					result.resolve(settlements)
				}
				return nil
			},
			func(r Result) Result {
				settlements[idx] = Settlement{Status: StatusRejected, Reason: r}
				remaining--
				if remaining == 0 {
					result.resolve(settlements)
				}
				return nil
			},
		)
	}

	return result
}

// Any returns a promise that fulfills with the first input fulfillment. If
// every input rejects, it rejects with an [AggregateError] wrapping each
// reason in input order. Empty input rejects immediately with an empty
// AggregateError.
func Any(s *Scheduler, inputs ...Result) *Promise {
	result := s.newPromise()

	if len(inputs) == 0 {
		result.reject(&AggregateError{Message: "all promises were rejected"})
		return result
	}

	reasons := make([]error, len(inputs))
	remaining := len(inputs)

	for i, input := range inputs {
		idx := i
		Resolve(s, input).Then(
			func(v Result) Result {
				result.resolve(v)
				return nil
			},
			func(r Result) Result {
				reasons[idx] = asError(r)
				remaining--
				if remaining == 0 {
					result.reject(&AggregateError{
						Message: "all promises were rejected",
						Errors:  reasons,
					})
				}
				return nil
			},
		)
	}

	return result
}
