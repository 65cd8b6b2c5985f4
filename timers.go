package microtask

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// TimerID identifies a scheduled timer, interval, or immediate for clearing.
type TimerID uint64

// timerEntry is a scheduled one-shot deadline task.
type timerEntry struct {
	when time.Time
	fn   func()
	id   TimerID
}

// timerHeap is a min-heap of timer entries ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// intervalState tracks a repeating timer across reschedules.
type intervalState struct {
	fn       func()
	wrapper  func()
	s        *Scheduler
	delay    time.Duration
	current  TimerID
	canceled atomic.Bool
}

// immediateState tracks a single SetImmediate callback.
type immediateState struct {
	fn      func()
	s       *Scheduler
	id      TimerID
	cleared atomic.Bool
}

// SetTimeout schedules fn to run once after delay, as a macrotask on the
// scheduler goroutine. Delays <= 0 schedule for the next tick; the callback
// still never runs synchronously, and pending microtasks drain first.
//
// Returns the TimerID for [Scheduler.ClearTimeout], or
// [ErrSchedulerTerminated] if the scheduler has terminated. A nil fn returns
// 0 without scheduling.
func (s *Scheduler) SetTimeout(fn func(), delay time.Duration) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}
	return s.scheduleTimer(fn, delay)
}

// ClearTimeout cancels a timer scheduled with [Scheduler.SetTimeout].
// Returns [ErrTimerNotFound] if the ID is unknown or the timer already fired.
func (s *Scheduler) ClearTimeout(id TimerID) error {
	s.timersMu.Lock()
	_, ok := s.timersActive[id]
	if ok {
		delete(s.timersActive, id)
	}
	s.timersMu.Unlock()

	if !ok {
		return ErrTimerNotFound
	}
	return nil
}

// SetInterval schedules fn to run repeatedly with a fixed delay between the
// end of one execution and the start of the next. Runs until
// [Scheduler.ClearInterval] or scheduler termination.
func (s *Scheduler) SetInterval(fn func(), delay time.Duration) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}

	state := &intervalState{
		fn:    fn,
		s:     s,
		delay: delay,
	}

	wrapper := func() {
		state.fn()

		// Checked before taking the lock: the wrapper runs on the loop
		// goroutine while ClearInterval may hold timersMu elsewhere.
		if state.canceled.Load() {
			return
		}

		s.timersMu.Lock()
		if state.canceled.Load() {
			s.timersMu.Unlock()
			return
		}
		id, err := s.scheduleTimerLocked(state.wrapper, state.delay)
		if err == nil {
			state.current = id
		}
		s.timersMu.Unlock()
	}
	state.wrapper = wrapper

	id := TimerID(s.nextTimerID.Add(1))

	s.timersMu.Lock()
	if s.state.Load() == StateTerminated {
		s.timersMu.Unlock()
		return 0, ErrSchedulerTerminated
	}
	first, err := s.scheduleTimerLocked(wrapper, delay)
	if err != nil {
		s.timersMu.Unlock()
		return 0, err
	}
	state.current = first
	s.intervals[id] = state
	s.timersMu.Unlock()

	s.wakeup()
	return id, nil
}

// ClearInterval cancels a repeating timer scheduled with
// [Scheduler.SetInterval]. Safe to call from any goroutine, including from
// the interval's own callback. Returns [ErrTimerNotFound] for unknown IDs.
func (s *Scheduler) ClearInterval(id TimerID) error {
	s.timersMu.Lock()
	state, ok := s.intervals[id]
	if ok {
		delete(s.intervals, id)
	}
	s.timersMu.Unlock()

	if !ok {
		return ErrTimerNotFound
	}

	// The flag stops future reschedules; the currently pending one-shot is
	// cancelled best-effort (it may already have fired).
	state.canceled.Store(true)

	s.timersMu.Lock()
	delete(s.timersActive, state.current)
	s.timersMu.Unlock()

	return nil
}

// SetImmediate schedules fn to run in the next loop iteration, bypassing the
// timer heap. The callback runs after the current tick's microtask drain, as
// an ordinary macrotask.
func (s *Scheduler) SetImmediate(fn func()) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}

	id := TimerID(s.nextTimerID.Add(1))
	state := &immediateState{
		fn: fn,
		s:  s,
		id: id,
	}

	s.timersMu.Lock()
	s.immediates[id] = state
	s.timersMu.Unlock()

	if err := s.Submit(state.run); err != nil {
		s.timersMu.Lock()
		delete(s.immediates, id)
		s.timersMu.Unlock()
		return 0, err
	}

	return id, nil
}

// ClearImmediate cancels a pending [Scheduler.SetImmediate] callback.
// Returns [ErrTimerNotFound] if the ID is unknown or already ran.
func (s *Scheduler) ClearImmediate(id TimerID) error {
	s.timersMu.Lock()
	state, ok := s.immediates[id]
	if ok {
		delete(s.immediates, id)
	}
	s.timersMu.Unlock()

	if !ok {
		return ErrTimerNotFound
	}

	state.cleared.Store(true)
	return nil
}

// run executes the immediate callback unless it was cleared.
func (st *immediateState) run() {
	if !st.cleared.CompareAndSwap(false, true) {
		return
	}

	defer func() {
		st.s.timersMu.Lock()
		delete(st.s.immediates, st.id)
		st.s.timersMu.Unlock()
	}()

	st.fn()
}

// scheduleTimer stages a one-shot timer entry for the loop to merge into its
// heap, and wakes the loop so the park deadline is recomputed.
func (s *Scheduler) scheduleTimer(fn func(), delay time.Duration) (TimerID, error) {
	s.timersMu.Lock()
	if s.state.Load() == StateTerminated {
		s.timersMu.Unlock()
		return 0, ErrSchedulerTerminated
	}
	id, err := s.scheduleTimerLocked(fn, delay)
	s.timersMu.Unlock()
	if err != nil {
		return 0, err
	}

	s.wakeup()
	return id, nil
}

// scheduleTimerLocked stages a timer entry. Caller holds timersMu.
func (s *Scheduler) scheduleTimerLocked(fn func(), delay time.Duration) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}

	id := TimerID(s.nextTimerID.Add(1))
	entry := &timerEntry{
		when: time.Now().Add(delay),
		fn:   fn,
		id:   id,
	}

	s.timerStaging = append(s.timerStaging, entry)
	s.timersActive[id] = entry

	return id, nil
}

// mergeStagedTimers moves staged entries into the heap.
// Loop goroutine only.
func (s *Scheduler) mergeStagedTimers() {
	s.timersMu.Lock()
	staged := s.timerStaging
	s.timerStaging = nil
	s.timersMu.Unlock()

	for _, entry := range staged {
		heap.Push(&s.timers, entry)
	}
}

// runTimers executes every expired, non-cancelled timer, draining microtasks
// to completion after each callback. Loop goroutine only.
func (s *Scheduler) runTimers() {
	now := time.Now()
	for len(s.timers) > 0 {
		if s.timers[0].when.After(now) {
			break
		}
		entry := heap.Pop(&s.timers).(*timerEntry)

		s.timersMu.Lock()
		_, active := s.timersActive[entry.id]
		if active {
			delete(s.timersActive, entry.id)
		}
		s.timersMu.Unlock()

		if !active {
			continue // cancelled
		}

		s.safeExecute(entry.fn, "timer")
		s.metrics.addTimerFired()
		s.drainCycle()
	}
}

// nextTimerDelay returns the duration until the earliest pending timer.
// The second return is false when no timer is pending. Loop goroutine only.
func (s *Scheduler) nextTimerDelay() (time.Duration, bool) {
	if len(s.timers) == 0 {
		return 0, false
	}
	return time.Until(s.timers[0].when), true
}
