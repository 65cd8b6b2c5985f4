package microtask

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// Default queue capacities. The microtask ring capacity is rounded up to a
// power of two so the ring can wrap with a bitmask.
const (
	defaultMicrotaskRingCapacity = 4096
	defaultIngressChunkCapacity  = 128
)

// schedulerOptions holds configuration resolved during New.
type schedulerOptions struct {
	logger                *logiface.Logger[logiface.Event]
	microtaskRingCapacity int
	ingressChunkCapacity  int
	metricsEnabled        bool
	rejectionDiagnostics  bool
}

// SchedulerOption configures a [Scheduler] instance.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements SchedulerOption.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger attaches a structured logger to the scheduler. The scheduler
// emits events for recovered panics, lifecycle transitions, and rejection
// diagnostics. A nil logger (the default) disables all logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection.
// When enabled, counters can be read via [Scheduler.Metrics].
func WithMetrics(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMicrotaskRingCapacity sets the capacity of the lock-free microtask ring
// buffer. The value is rounded up to the next power of two. Tasks beyond the
// ring capacity spill to a mutex-guarded overflow list, so this bounds the
// fast path only, never the queue itself. Must be positive.
func WithMicrotaskRingCapacity(capacity int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if capacity <= 0 {
			return &RangeError{Message: fmt.Sprintf("microtask: ring capacity must be positive, got %d", capacity)}
		}
		opts.microtaskRingCapacity = capacity
		return nil
	}}
}

// WithIngressChunkCapacity sets the number of tasks per node of the chunked
// macrotask queue. Must be positive.
func WithIngressChunkCapacity(capacity int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if capacity <= 0 {
			return &RangeError{Message: fmt.Sprintf("microtask: ingress chunk capacity must be positive, got %d", capacity)}
		}
		opts.ingressChunkCapacity = capacity
		return nil
	}}
}

// WithRejectionDiagnostics controls the default diagnostic for unhandled
// rejections. When enabled (the default), a rejection that reaches the end of
// a drain cycle with no failure handler is logged via the scheduler's logger,
// unless a listener calls [Event.PreventDefault]. Disabling this suppresses
// the log line only; unhandledrejection events are still dispatched.
func WithRejectionDiagnostics(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.rejectionDiagnostics = enabled
		return nil
	}}
}

// resolveSchedulerOptions applies options over the defaults.
// Nil options are ignored.
func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		microtaskRingCapacity: defaultMicrotaskRingCapacity,
		ingressChunkCapacity:  defaultIngressChunkCapacity,
		rejectionDiagnostics:  true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// nextPowerOfTwo rounds n up to the next power of two. n must be positive.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
