package microtask

import (
	"sync"
	"weak"
)

// rejectionRecord is the tracker's view of one unhandled rejection. The
// promise is held weakly so tracking never extends its lifetime.
type rejectionRecord struct {
	promise  weak.Pointer[Promise]
	reason   Result
	notified bool // unhandledrejection was dispatched
}

// rejectionTracker implements the unhandled-rejection reporting contract:
// a promise rejected with no failure handler attached by the end of the
// microtask drain cycle in which it was rejected is reported exactly once;
// attaching a handler within that same cycle suppresses the report entirely;
// attaching one after the report fires the rejectionhandled counter-signal.
type rejectionTracker struct {
	s *Scheduler

	// pending holds rejections observed since the last end-of-cycle check,
	// keyed by promise ID. reported holds rejections already notified, kept
	// so a late handler attachment can be detected.
	pending  map[uint64]*rejectionRecord
	reported map[uint64]*rejectionRecord

	mu sync.Mutex
}

func newRejectionTracker(s *Scheduler) *rejectionTracker {
	return &rejectionTracker{
		s:        s,
		pending:  make(map[uint64]*rejectionRecord),
		reported: make(map[uint64]*rejectionRecord),
	}
}

// track records a rejection that had no reactions attached at settlement
// time. Called by Promise.reject from any goroutine; the report itself is
// deferred to the end of the current drain cycle on the loop goroutine.
func (t *rejectionTracker) track(p *Promise, reason Result) {
	t.mu.Lock()
	t.pending[p.id] = &rejectionRecord{
		promise: weak.Make(p),
		reason:  reason,
	}
	t.mu.Unlock()

	// The loop may be parked with nothing else queued; the end-of-cycle check
	// only runs when a tick does.
	t.s.wakeup()
}

// markHandled is called when a reaction attaches to an already-rejected
// promise. Before the report: the pending record is dropped and nothing
// fires. After: the rejectionhandled event is scheduled, once.
func (t *rejectionTracker) markHandled(p *Promise) {
	t.mu.Lock()

	if _, ok := t.pending[p.id]; ok {
		delete(t.pending, p.id)
		t.mu.Unlock()
		return
	}

	rec, ok := t.reported[p.id]
	if !ok || !rec.notified {
		t.mu.Unlock()
		return
	}
	delete(t.reported, p.id)
	reason := rec.reason
	t.mu.Unlock()

	t.s.metrics.addHandledLate()

	// Delivered as a microtask so listeners observe it on the loop goroutine,
	// consistent with the unhandledrejection dispatch.
	t.s.scheduleMicrotask(func() {
		t.s.events.DispatchEvent(&Event{
			Type:    EventRejectionHandled,
			Promise: p,
			Reason:  reason,
		})
	})
	t.s.wakeup()
}

// check reports every rejection still unhandled at the end of a drain cycle.
// Loop goroutine only. Records move to reported (and are flagged notified)
// before listeners run, so a handler attached from inside a listener takes
// the late-handled path rather than double-suppressing.
func (t *rejectionTracker) check() {
	t.mu.Lock()

	// Reported entries are only kept to detect late handling; once the
	// promise is collected nothing can attach to it, so drop the record.
	for id, rec := range t.reported {
		if rec.promise.Value() == nil {
			delete(t.reported, id)
		}
	}

	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}

	batch := make([]*rejectionRecord, 0, len(t.pending))
	for id, rec := range t.pending {
		delete(t.pending, id)
		rec.notified = true
		t.reported[id] = rec
		batch = append(batch, rec)
	}
	t.mu.Unlock()

	for _, rec := range batch {
		p := rec.promise.Value()
		if p == nil {
			continue // collected; nothing to report against
		}

		t.s.metrics.addUnhandledRejection()

		event := &Event{
			Type:       EventUnhandledRejection,
			Promise:    p,
			Reason:     rec.reason,
			Cancelable: true,
		}
		if t.s.events.DispatchEvent(event) && t.s.rejectionDiagnostics {
			t.s.logger.Err().
				Uint64("scheduler", t.s.id).
				Uint64("promise", p.id).
				Err(asError(rec.reason)).
				Log("unhandled promise rejection")
		}
	}
}

// lenPending returns the number of rejections awaiting the next check.
func (t *rejectionTracker) lenPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
