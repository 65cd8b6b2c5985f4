package microtask

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestPromisifyResolve(t *testing.T) {
	s := newTestScheduler(t)

	p := Promisify(s, func(callback func(err error, value Result)) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			callback(nil, "legacy value")
		}()
	})

	if got := await(t, p); got != "legacy value" {
		t.Errorf("got %v, expected legacy value", got)
	}
}

func TestPromisifyReject(t *testing.T) {
	s := newTestScheduler(t)

	sentinel := errors.New("legacy failure")
	p := Promisify(s, func(callback func(err error, value Result)) {
		callback(sentinel, nil)
	})
	p.Catch(func(r Result) Result { return r })

	if got := await(t, p); got != sentinel {
		t.Errorf("got %v, expected sentinel", got)
	}
}

func TestPromisifyFirstInvocationWins(t *testing.T) {
	s := newTestScheduler(t)

	p := Promisify(s, func(callback func(err error, value Result)) {
		callback(nil, "first")
		callback(nil, "second")
		callback(errors.New("third"), nil)
	})

	if got := await(t, p); got != "first" {
		t.Errorf("got %v, expected the first callback invocation to win", got)
	}
	if p.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", p.State())
	}
}

func TestPromisifyPanic(t *testing.T) {
	s := newTestScheduler(t)

	p := Promisify(s, func(func(err error, value Result)) {
		panic("legacy code exploded")
	})
	p.Catch(func(r Result) Result { return r })

	reason := await(t, p)
	if _, ok := reason.(PanicError); !ok {
		t.Fatalf("got %v (%T), expected PanicError", reason, reason)
	}
}

func TestPromisifyPanicAfterCallback(t *testing.T) {
	s := newTestScheduler(t)

	p := Promisify(s, func(callback func(err error, value Result)) {
		callback(nil, "settled first")
		panic("then exploded")
	})

	if got := await(t, p); got != "settled first" {
		t.Errorf("got %v, expected the callback settlement to stick", got)
	}
}

func TestPromisifyNilFn(t *testing.T) {
	s := newTestScheduler(t)

	p := Promisify(s, nil)
	if got := await(t, p); got != nil {
		t.Errorf("got %v, expected nil", got)
	}
	if p.State() != Fulfilled {
		t.Errorf("state = %v, expected Fulfilled", p.State())
	}
}

func TestAsyncResolve(t *testing.T) {
	s := newTestScheduler(t)

	p, err := s.Async(context.Background(), func(context.Context) (Result, error) {
		time.Sleep(5 * time.Millisecond)
		return "worked off-loop", nil
	})
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}

	if got := await(t, p); got != "worked off-loop" {
		t.Errorf("got %v", got)
	}
}

func TestAsyncError(t *testing.T) {
	s := newTestScheduler(t)

	sentinel := errors.New("blocking call failed")
	p, err := s.Async(context.Background(), func(context.Context) (Result, error) {
		return nil, sentinel
	})
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}
	p.Catch(func(r Result) Result { return r })

	if got := await(t, p); got != sentinel {
		t.Errorf("got %v, expected sentinel", got)
	}
}

func TestAsyncPanic(t *testing.T) {
	s := newTestScheduler(t)

	p, err := s.Async(context.Background(), func(context.Context) (Result, error) {
		panic("async exploded")
	})
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}
	p.Catch(func(r Result) Result { return r })

	reason := await(t, p)
	pe, ok := reason.(PanicError)
	if !ok {
		t.Fatalf("got %v (%T), expected PanicError", reason, reason)
	}
	if pe.Value != "async exploded" {
		t.Errorf("panic value = %v", pe.Value)
	}
}

func TestAsyncGoexit(t *testing.T) {
	s := newTestScheduler(t)

	p, err := s.Async(context.Background(), func(context.Context) (Result, error) {
		runtime.Goexit()
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}
	p.Catch(func(r Result) Result { return r })

	reason := await(t, p)
	if err, ok := reason.(error); !ok || !errors.Is(err, ErrGoexit) {
		t.Errorf("got %v, expected ErrGoexit", reason)
	}
}

func TestAsyncNilContext(t *testing.T) {
	s := newTestScheduler(t)

	p, err := s.Async(nil, func(ctx context.Context) (Result, error) {
		if ctx == nil {
			return nil, errors.New("nil context leaked through")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}

	if got := await(t, p); got != "ok" {
		t.Errorf("got %v", got)
	}
}

func TestAsyncNilFn(t *testing.T) {
	s := newTestScheduler(t)

	p, err := s.Async(context.Background(), nil)
	if err != nil {
		t.Fatalf("Async failed: %v", err)
	}
	if got := await(t, p); got != nil {
		t.Errorf("got %v, expected nil", got)
	}
}

func TestAsyncAfterTerminated(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go func() { _ = s.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := s.Async(context.Background(), func(context.Context) (Result, error) {
		return nil, nil
	}); !errors.Is(err, ErrSchedulerTerminated) {
		t.Errorf("got %v, expected ErrSchedulerTerminated", err)
	}
}
