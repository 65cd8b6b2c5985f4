package microtask

import "sync/atomic"

// Metrics tracks low-overhead runtime counters for a [Scheduler].
// Collection is opt-in via [WithMetrics]; a nil *Metrics is a no-op sink, so
// the scheduler's hot paths never branch on configuration.
//
// All counters are atomic and safe to read from any goroutine via
// [Scheduler.Metrics].
type Metrics struct {
	macrotasksRun      atomic.Uint64
	microtasksRun      atomic.Uint64
	drainCycles        atomic.Uint64
	timersFired        atomic.Uint64
	panicsRecovered    atomic.Uint64
	unhandled          atomic.Uint64
	handledLate        atomic.Uint64
	promisesRegistered atomic.Uint64
	promisesScavenged  atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of scheduler counters.
type MetricsSnapshot struct {
	// MacrotasksRun counts executed macrotasks (Submit, timers excluded).
	MacrotasksRun uint64
	// MicrotasksRun counts executed microtasks, including promise reactions.
	MicrotasksRun uint64
	// DrainCycles counts completed microtask drain cycles.
	DrainCycles uint64
	// TimersFired counts expired timer callbacks that ran.
	TimersFired uint64
	// PanicsRecovered counts panics recovered from scheduled work.
	PanicsRecovered uint64
	// UnhandledRejections counts rejections reported with no failure handler.
	UnhandledRejections uint64
	// RejectionsHandledLate counts failure handlers attached after the
	// rejection was already reported as unhandled.
	RejectionsHandledLate uint64
	// PromisesRegistered counts promises created on the scheduler.
	PromisesRegistered uint64
	// PromisesScavenged counts settled or collected promises removed from the
	// registry.
	PromisesScavenged uint64
}

func (m *Metrics) addMacrotask() {
	if m != nil {
		m.macrotasksRun.Add(1)
	}
}

func (m *Metrics) addMicrotask() {
	if m != nil {
		m.microtasksRun.Add(1)
	}
}

func (m *Metrics) addDrainCycle() {
	if m != nil {
		m.drainCycles.Add(1)
	}
}

func (m *Metrics) addTimerFired() {
	if m != nil {
		m.timersFired.Add(1)
	}
}

func (m *Metrics) addPanicRecovered() {
	if m != nil {
		m.panicsRecovered.Add(1)
	}
}

func (m *Metrics) addUnhandledRejection() {
	if m != nil {
		m.unhandled.Add(1)
	}
}

func (m *Metrics) addHandledLate() {
	if m != nil {
		m.handledLate.Add(1)
	}
}

func (m *Metrics) addPromiseRegistered() {
	if m != nil {
		m.promisesRegistered.Add(1)
	}
}

func (m *Metrics) addPromisesScavenged(n int) {
	if m != nil && n > 0 {
		m.promisesScavenged.Add(uint64(n))
	}
}

// snapshot returns a copy of all counters. Safe on a nil receiver.
func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		MacrotasksRun:         m.macrotasksRun.Load(),
		MicrotasksRun:         m.microtasksRun.Load(),
		DrainCycles:           m.drainCycles.Load(),
		TimersFired:           m.timersFired.Load(),
		PanicsRecovered:       m.panicsRecovered.Load(),
		UnhandledRejections:   m.unhandled.Load(),
		RejectionsHandledLate: m.handledLate.Load(),
		PromisesRegistered:    m.promisesRegistered.Load(),
		PromisesScavenged:     m.promisesScavenged.Load(),
	}
}
