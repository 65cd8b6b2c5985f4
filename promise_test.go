package microtask

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPromiseResolve(t *testing.T) {
	s := newTestScheduler(t)

	p := NewPromise(s, func(resolve ResolveFunc, _ RejectFunc) {
		go resolve(42)
	})

	if got := await(t, p); got != 42 {
		t.Errorf("got %v, expected 42", got)
	}
	if p.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", p.State())
	}
	if p.Value() != 42 {
		t.Errorf("Value() = %v, expected 42", p.Value())
	}
	if p.Reason() != nil {
		t.Errorf("Reason() = %v, expected nil", p.Reason())
	}
}

func TestPromiseReject(t *testing.T) {
	s := newTestScheduler(t)

	sentinel := errors.New("boom")
	p := NewPromise(s, func(_ ResolveFunc, reject RejectFunc) {
		reject(sentinel)
	})
	p.Catch(func(r Result) Result { return r }) // suppress the report

	if got := await(t, p); got != sentinel {
		t.Errorf("got %v, expected sentinel error", got)
	}
	if p.State() != Rejected {
		t.Errorf("state = %v, expected Rejected", p.State())
	}
	if p.Reason() != sentinel {
		t.Errorf("Reason() = %v, expected sentinel", p.Reason())
	}
	if p.Value() != nil {
		t.Errorf("Value() = %v, expected nil", p.Value())
	}
}

func TestSettlementIdempotent(t *testing.T) {
	s := newTestScheduler(t)

	pwr := WithResolvers(s)
	pwr.Resolve("first")
	pwr.Resolve("second")
	pwr.Reject(errors.New("too late"))

	if got := await(t, pwr.Promise); got != "first" {
		t.Errorf("got %v, expected first settlement to win", got)
	}
	if pwr.Promise.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", pwr.Promise.State())
	}
}

func TestReactionNeverSynchronous(t *testing.T) {
	s := newTestScheduler(t)

	// Run the whole check on the loop goroutine: a reaction registered on an
	// already-settled promise must not fire within the registering frame.
	onLoop(t, s, func() {
		p := Resolve(s, "v")
		fired := false
		p.Then(func(Result) Result {
			fired = true
			return nil
		}, nil)
		if fired {
			t.Error("reaction fired synchronously during Then")
		}
	})
}

func TestReactionRegistrationOrder(t *testing.T) {
	s := newTestScheduler(t)

	const n = 8
	pwr := WithResolvers(s)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		idx := i
		pwr.Promise.Then(func(Result) Result {
			mu.Lock()
			order = append(order, idx)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
			return nil
		}, nil)
	}

	pwr.Resolve(nil)
	recvSignal(t, done, "all reactions")

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("reaction order %v, expected ascending registration order", order)
		}
	}
}

func TestChainFlattening(t *testing.T) {
	s := newTestScheduler(t)

	inner := NewPromise(s, func(resolve ResolveFunc, _ RejectFunc) {
		time.AfterFunc(10*time.Millisecond, func() { resolve("inner-value") })
	})

	outer := Resolve(s, "ignored").Then(func(Result) Result {
		return inner
	}, nil)

	if got := await(t, outer); got != "inner-value" {
		t.Errorf("got %v, expected the inner promise's value", got)
	}
	if outer.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", outer.State())
	}
}

func TestChainFlatteningRejection(t *testing.T) {
	s := newTestScheduler(t)

	sentinel := errors.New("inner failure")
	outer := Resolve(s, nil).Then(func(Result) Result {
		return Reject(s, sentinel)
	}, nil)
	outer.Catch(func(r Result) Result { return r })

	if got := await(t, outer); got != sentinel {
		t.Errorf("got %v, expected inner rejection to propagate", got)
	}
}

func TestSelfResolutionCycle(t *testing.T) {
	s := newTestScheduler(t)

	pwr := WithResolvers(s)
	pwr.Resolve(pwr.Promise)
	pwr.Promise.Catch(func(r Result) Result { return r })

	reason := await(t, pwr.Promise)
	var te *TypeError
	if err, ok := reason.(error); !ok || !errors.As(err, &te) {
		t.Fatalf("got %v (%T), expected a *TypeError", reason, reason)
	}
}

func TestThenAfterSettled(t *testing.T) {
	s := newTestScheduler(t)

	p := Resolve(s, "done")
	await(t, p)

	child := p.Then(func(v Result) Result {
		return v.(string) + "!"
	}, nil)

	if got := await(t, child); got != "done!" {
		t.Errorf("got %v, expected done!", got)
	}
}

func TestHandlerPanicRejectsDerived(t *testing.T) {
	s := newTestScheduler(t)

	child := Resolve(s, nil).Then(func(Result) Result {
		panic("handler exploded")
	}, nil)
	child.Catch(func(r Result) Result { return r })

	reason := await(t, child)
	pe, ok := reason.(PanicError)
	if !ok {
		t.Fatalf("got %v (%T), expected PanicError", reason, reason)
	}
	if pe.Value != "handler exploded" {
		t.Errorf("panic value = %v", pe.Value)
	}
	if !errors.Is(pe, ErrPanic) {
		t.Error("PanicError should match ErrPanic")
	}
}

func TestExecutorPanicRejects(t *testing.T) {
	s := newTestScheduler(t)

	p := NewPromise(s, func(ResolveFunc, RejectFunc) {
		panic("executor exploded")
	})
	p.Catch(func(r Result) Result { return r })

	reason := await(t, p)
	if _, ok := reason.(PanicError); !ok {
		t.Fatalf("got %v (%T), expected PanicError", reason, reason)
	}
}

func TestExecutorPanicAfterSettleIsIgnored(t *testing.T) {
	s := newTestScheduler(t)

	p := NewPromise(s, func(resolve ResolveFunc, _ RejectFunc) {
		resolve("settled")
		panic("after the fact")
	})

	if got := await(t, p); got != "settled" {
		t.Errorf("got %v, expected the pre-panic settlement", got)
	}
	if p.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", p.State())
	}
}

func TestNilHandlersPassThrough(t *testing.T) {
	s := newTestScheduler(t)

	fulfilled := Resolve(s, "value").Then(nil, nil)
	if got := await(t, fulfilled); got != "value" {
		t.Errorf("fulfillment pass-through got %v", got)
	}

	sentinel := errors.New("pass me down")
	rejected := Reject(s, sentinel).Then(nil, nil)
	rejected.Catch(func(r Result) Result { return r })
	if got := await(t, rejected); got != sentinel {
		t.Errorf("rejection pass-through got %v", got)
	}
}

// thenableStub adopts into promises without being one itself.
type thenableStub struct {
	s     *Scheduler
	value Result
}

func (ts *thenableStub) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	return Resolve(ts.s, ts.value).Then(onFulfilled, onRejected)
}

func TestThenableAdoption(t *testing.T) {
	s := newTestScheduler(t)

	pwr := WithResolvers(s)
	pwr.Resolve(&thenableStub{s: s, value: "from-thenable"})

	if got := await(t, pwr.Promise); got != "from-thenable" {
		t.Errorf("got %v, expected the thenable's value", got)
	}
}

func TestToChannelFanOut(t *testing.T) {
	s := newTestScheduler(t)

	pwr := WithResolvers(s)

	const subscribers = 10
	var wg sync.WaitGroup
	wg.Add(subscribers)
	results := make([]Result, subscribers)

	for i := 0; i < subscribers; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = <-pwr.Promise.ToChannel()
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	pwr.Resolve("success")
	wg.Wait()

	for i, res := range results {
		if res != "success" {
			t.Errorf("subscriber %d got %v", i, res)
		}
	}
}

func TestToChannelLateBinding(t *testing.T) {
	s := newTestScheduler(t)

	p := Resolve(s, "late")
	ch := p.ToChannel()

	select {
	case res := <-ch:
		if res != "late" {
			t.Errorf("got %v, expected late", res)
		}
		if _, ok := <-ch; ok {
			t.Error("channel should be closed after delivery")
		}
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for late-bound channel")
	}
}

func TestToChannelIdentity(t *testing.T) {
	s := newTestScheduler(t)

	pwr := WithResolvers(s)
	if pwr.Promise.ToChannel() == pwr.Promise.ToChannel() {
		t.Error("ToChannel returned the same channel twice")
	}
	pwr.Resolve(nil)
}

func TestPromiseStateString(t *testing.T) {
	for want, state := range map[string]PromiseState{
		"Pending":   Pending,
		"Fulfilled": Fulfilled,
		"Rejected":  Rejected,
		"Unknown":   PromiseState(99),
	} {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, expected %q", got, want)
		}
	}
}
