package microtask

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// macrotaskBatch bounds how many macrotasks a single tick pops from the
// ingress before re-checking timers and termination. The microtask queue has
// no such bound: each drain runs to completion.
const macrotaskBatch = 256

// scavengeBatch is the registry scavenge batch per tick.
const scavengeBatch = 20

var schedulerIDCounter atomic.Uint64

// Scheduler is a single-goroutine cooperative run loop: macrotask ingress,
// microtask queue, timer heap, and lifecycle state machine.
//
// All scheduled callbacks (macrotasks, microtasks, timers, promise reactions)
// execute on the goroutine that called [Scheduler.Run]. Submission is safe
// from any goroutine and never runs work inline in the caller's frame.
//
// Ordering guarantees:
//   - Microtasks run FIFO, and every microtask enqueued during a drain cycle
//     runs before that cycle ends.
//   - A full microtask drain completes between consecutive macrotasks and
//     before any expired timer callback runs.
//   - The unhandled-rejection check runs at the end of each drain cycle.
type Scheduler struct {
	// Prevent copying.
	_ [0]func()

	registry   *registry
	rejections *rejectionTracker
	events     *EventTarget
	metrics    *Metrics
	logger     *logiface.Logger[logiface.Event]

	// State machine (cache-line padded internally).
	state *FastState

	// Macrotask ingress (mutex-guarded chunked queue).
	ingress   *ChunkedIngress
	ingressMu sync.Mutex

	// Microtask queue (lock-free MPSC ring with overflow).
	microtasks *MicrotaskRing

	// Timers. The heap is owned by the scheduler goroutine; producers stage
	// entries under timersMu and the loop merges them at the top of each tick.
	timers       timerHeap
	timerStaging []*timerEntry
	timersActive map[TimerID]*timerEntry
	intervals    map[TimerID]*intervalState
	immediates   map[TimerID]*immediateState
	timersMu     sync.Mutex
	nextTimerID  atomic.Uint64

	// Wake-up channel for the parked loop. Buffered; sends are non-blocking.
	wake chan struct{}

	// Loop termination signaling.
	done     chan struct{}
	stopOnce sync.Once

	// asyncWg tracks in-flight Async goroutines; asyncMu makes the
	// state-check-then-Add atomic with respect to shutdown.
	asyncWg sync.WaitGroup
	asyncMu sync.Mutex

	// In-flight submit counter for shutdown synchronization.
	inflight atomic.Int64

	loopGoroutineID atomic.Uint64
	tickCount       uint64
	id              uint64

	// Macrotask batch buffer (avoids per-tick allocation).
	batchBuf [macrotaskBatch]func()

	rejectionDiagnostics bool
}

// New creates a scheduler. The scheduler does not process work until
// [Scheduler.Run] is called.
func New(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		id:                   schedulerIDCounter.Add(1),
		state:                NewFastState(),
		ingress:              NewChunkedIngress(cfg.ingressChunkCapacity),
		microtasks:           NewMicrotaskRing(cfg.microtaskRingCapacity),
		registry:             newRegistry(),
		events:               NewEventTarget(),
		timersActive:         make(map[TimerID]*timerEntry),
		intervals:            make(map[TimerID]*intervalState),
		immediates:           make(map[TimerID]*immediateState),
		wake:                 make(chan struct{}, 1),
		done:                 make(chan struct{}),
		logger:               cfg.logger,
		rejectionDiagnostics: cfg.rejectionDiagnostics,
	}
	if cfg.metricsEnabled {
		s.metrics = &Metrics{}
	}
	s.rejections = newRejectionTracker(s)

	return s, nil
}

// Run executes the scheduler loop on the calling goroutine and blocks until
// the scheduler terminates (via [Scheduler.Shutdown], [Scheduler.Close], or
// ctx cancellation). To run in a separate goroutine: `go s.Run(ctx)`.
//
// Returns [ErrReentrantRun] when called from the loop goroutine,
// [ErrSchedulerRunning] when the loop is already running, and
// [ErrSchedulerTerminated] when it has already terminated.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.isLoopGoroutine() {
		return ErrReentrantRun
	}

	if !s.state.TryTransition(StateAwake, StateRunning) {
		if s.state.Load() == StateTerminated {
			return ErrSchedulerTerminated
		}
		return ErrSchedulerRunning
	}

	defer close(s.done)

	s.loopGoroutineID.Store(getGoroutineID())
	defer s.loopGoroutineID.Store(0)

	s.logger.Debug().
		Uint64("scheduler", s.id).
		Log("scheduler running")

	// Wake the loop when the context is cancelled.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if ctx.Err() != nil {
			for {
				current := s.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if s.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			s.shutdown()
			return ctx.Err()
		}

		if state := s.state.Load(); state == StateTerminating || state == StateTerminated {
			s.shutdown()
			return nil
		}

		s.tick()
		s.park(ctx)
	}
}

// Shutdown gracefully shuts down the scheduler: queued work is drained, then
// every registered pending promise is rejected with [ErrSchedulerTerminated].
// Blocks until termination completes or ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var result error
	s.stopOnce.Do(func() {
		result = s.shutdownImpl(ctx)
	})
	if result == nil && s.state.Load() != StateTerminated {
		return ErrSchedulerTerminated
	}
	return result
}

func (s *Scheduler) shutdownImpl(ctx context.Context) error {
	for {
		currentState := s.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrSchedulerTerminated
		}

		if s.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				// Never ran; reject registered promises and finish directly.
				s.state.Store(StateTerminated)
				s.registry.RejectAll(ErrSchedulerTerminated)
				return nil
			}
			s.wakeup()
			break
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately initiates termination without waiting for it to complete.
func (s *Scheduler) Close() error {
	for {
		currentState := s.state.Load()
		if currentState == StateTerminated {
			return ErrSchedulerTerminated
		}

		if s.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				s.state.Store(StateTerminated)
				s.registry.RejectAll(ErrSchedulerTerminated)
				return nil
			}
			s.wakeup()
			return nil
		}
	}
}

// Done returns a channel closed when the scheduler loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// State returns the current scheduler state.
func (s *Scheduler) State() SchedulerState {
	return s.state.Load()
}

// Events returns the scheduler's rejection-notification target. Listeners for
// [EventUnhandledRejection] and [EventRejectionHandled] are invoked on the
// scheduler goroutine at the end of the drain cycle that detected the
// transition.
func (s *Scheduler) Events() *EventTarget {
	return s.events
}

// Metrics returns a snapshot of runtime counters. Zero-valued unless
// [WithMetrics] was enabled.
func (s *Scheduler) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

// Submit schedules fn as a macrotask from any goroutine. fn never runs inline
// in the caller's frame, even when called from the loop goroutine.
//
// Submissions are accepted during StateTerminating so in-flight work can
// drain; only a fully terminated scheduler returns [ErrSchedulerTerminated].
func (s *Scheduler) Submit(fn func()) error {
	if fn == nil {
		return nil
	}

	// Increment inflight FIRST so shutdown's drain observes this submission.
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if s.state.Load() == StateTerminated {
		return ErrSchedulerTerminated
	}

	s.ingressMu.Lock()
	s.ingress.Push(fn)
	s.ingressMu.Unlock()

	s.wakeup()
	return nil
}

// ScheduleMicrotask schedules fn on the microtask queue from any goroutine.
// Microtasks run FIFO and always before the next macrotask or timer; fn never
// runs synchronously in the caller's frame.
func (s *Scheduler) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return nil
	}

	if s.state.Load() == StateTerminated {
		return ErrSchedulerTerminated
	}

	s.microtasks.Push(fn)
	s.wakeup()
	return nil
}

// scheduleMicrotask is the internal, unconditional variant used by promise
// reactions. Settlement microtasks must be enqueued even while terminating so
// the shutdown drain delivers them.
func (s *Scheduler) scheduleMicrotask(fn func()) {
	s.microtasks.Push(fn)
	s.wakeup()
}

// wakeup nudges a parked loop. Non-blocking; a single pending token suffices.
func (s *Scheduler) wakeup() {
	if s.state.Load() == StateTerminated {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tick is a single iteration of the scheduler loop.
func (s *Scheduler) tick() {
	s.tickCount++

	s.mergeStagedTimers()
	s.runMacrotasks()
	s.runTimers()
	s.drainCycle()

	s.metrics.addPromisesScavenged(s.registry.Scavenge(scavengeBatch))
}

// runMacrotasks pops a bounded batch from the ingress and executes each task,
// draining microtasks to completion after every one.
func (s *Scheduler) runMacrotasks() {
	s.ingressMu.Lock()
	n := s.ingress.PopBatch(s.batchBuf[:])
	s.ingressMu.Unlock()

	for i := 0; i < n; i++ {
		s.safeExecute(s.batchBuf[i], "macrotask")
		s.batchBuf[i] = nil
		s.metrics.addMacrotask()
		s.drainCycle()
	}
}

// drainCycle drains the microtask queue to completion, then runs the
// end-of-cycle rejection check. The drain is not bounded by a length snapshot:
// tasks enqueued by tasks within the drain run in the same cycle.
func (s *Scheduler) drainCycle() {
	s.drainMicrotasks()
	s.rejections.check()
	s.metrics.addDrainCycle()
}

// drainMicrotasks runs queued microtasks until the queue is observed empty.
// A panic in one task is isolated; the drain continues.
func (s *Scheduler) drainMicrotasks() {
	for {
		fn := s.microtasks.Pop()
		if fn == nil {
			return
		}
		s.safeExecute(fn, "microtask")
		s.metrics.addMicrotask()
	}
}

// park transitions Running -> Sleeping and blocks until woken by a
// submission, an expiring timer, or context cancellation.
func (s *Scheduler) park(ctx context.Context) {
	if !s.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Re-check for work after publishing Sleeping; a producer that saw
	// Running may have enqueued without a wake token landing.
	if s.hasWork() || ctx.Err() != nil {
		s.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	var timerC <-chan time.Time
	if delay, ok := s.nextTimerDelay(); ok {
		if delay <= 0 {
			s.state.TryTransition(StateSleeping, StateRunning)
			return
		}
		tm := time.NewTimer(delay)
		defer tm.Stop()
		timerC = tm.C
	}

	select {
	case <-s.wake:
	case <-timerC:
	case <-ctx.Done():
	}

	s.state.TryTransition(StateSleeping, StateRunning)
}

// hasWork reports whether any queue holds runnable work.
func (s *Scheduler) hasWork() bool {
	if !s.microtasks.IsEmpty() {
		return true
	}

	s.ingressMu.Lock()
	queued := s.ingress.Length()
	s.ingressMu.Unlock()
	if queued > 0 {
		return true
	}

	s.timersMu.Lock()
	staged := len(s.timerStaging)
	s.timersMu.Unlock()
	if staged > 0 {
		return true
	}

	return s.rejections.lenPending() > 0
}

// shutdown drains remaining work, rejects registered pending promises, and
// transitions to Terminated.
func (s *Scheduler) shutdown() {
	// Give in-flight Async goroutines a brief window to settle their
	// promises before the queues drain.
	asyncDone := make(chan struct{})
	go func() {
		s.asyncWg.Wait()
		close(asyncDone)
	}()
	select {
	case <-asyncDone:
	case <-time.After(100 * time.Millisecond):
	}

	// Terminated FIRST: submissions that checked state earlier still land in
	// the queues and are caught by the drain below; later ones are rejected.
	s.state.Store(StateTerminated)

	// Drain until quiescent: no in-flight submits and empty queues across
	// several consecutive checks, since a Submit may be between its state
	// check and its push.
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for s.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false

		for {
			s.ingressMu.Lock()
			task, ok := s.ingress.Pop()
			s.ingressMu.Unlock()
			if !ok {
				break
			}
			s.safeExecute(task, "macrotask")
			drained = true
		}

		for {
			fn := s.microtasks.Pop()
			if fn == nil {
				break
			}
			s.safeExecute(fn, "microtask")
			drained = true
		}

		if drained || s.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	// Reject whatever is still pending, then deliver the resulting reaction
	// microtasks and give the rejection reporter its final cycle.
	s.registry.RejectAll(ErrSchedulerTerminated)
	s.drainMicrotasks()
	s.rejections.check()

	s.logger.Info().
		Uint64("scheduler", s.id).
		Uint64("ticks", s.tickCount).
		Log("scheduler terminated")
}

// safeExecute runs fn with panic recovery. A recovered panic is logged and
// counted; it never kills the loop.
func (s *Scheduler) safeExecute(fn func(), kind string) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.metrics.addPanicRecovered()
			s.logger.Err().
				Uint64("scheduler", s.id).
				Str("task", kind).
				Any("panic", r).
				Log("recovered panic in scheduled task")
		}
	}()

	fn()
}

// isLoopGoroutine reports whether the caller is the scheduler goroutine.
func (s *Scheduler) isLoopGoroutine() bool {
	loopID := s.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine's ID from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
