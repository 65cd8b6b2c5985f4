package microtask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsDefaults(t *testing.T) {
	cfg, err := resolveSchedulerOptions(nil)
	require.NoError(t, err)

	assert.Equal(t, defaultMicrotaskRingCapacity, cfg.microtaskRingCapacity)
	assert.Equal(t, defaultIngressChunkCapacity, cfg.ingressChunkCapacity)
	assert.False(t, cfg.metricsEnabled, "metrics should default to disabled")
	assert.True(t, cfg.rejectionDiagnostics, "rejection diagnostics should default to enabled")
	assert.Nil(t, cfg.logger)
}

func TestOptionsInvalidCapacity(t *testing.T) {
	for name, opt := range map[string]SchedulerOption{
		"ring zero":      WithMicrotaskRingCapacity(0),
		"ring negative":  WithMicrotaskRingCapacity(-5),
		"chunk zero":     WithIngressChunkCapacity(0),
		"chunk negative": WithIngressChunkCapacity(-1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			require.Error(t, err)
			var re *RangeError
			assert.ErrorAs(t, err, &re)
		})
	}
}

func TestOptionsRingCapacityRounding(t *testing.T) {
	s, err := New(WithMicrotaskRingCapacity(100))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, 128, s.microtasks.Capacity())
}

func TestOptionsNilIgnored(t *testing.T) {
	s, err := New(nil, WithMetrics(true), nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.NotNil(t, s.metrics, "metrics option lost when nil options are present")
}

func TestNextPowerOfTwo(t *testing.T) {
	for in, want := range map[int]int{1: 1, 2: 2, 3: 4, 5: 8, 64: 64, 65: 128, 1000: 1024} {
		assert.Equal(t, want, nextPowerOfTwo(in), "nextPowerOfTwo(%d)", in)
	}
}
