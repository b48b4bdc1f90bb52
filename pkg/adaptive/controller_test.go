package adaptive

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResizer struct {
	mu      sync.Mutex
	resizes []Limits
}

func (r *fakeResizer) Resize(l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, l)
}

func (r *fakeResizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resizes)
}

type fakeProbe struct {
	mu  sync.Mutex
	cpu float64
	mem float64
}

func (p *fakeProbe) set(cpu, mem float64) {
	p.mu.Lock()
	p.cpu, p.mem = cpu, mem
	p.mu.Unlock()
}

func (p *fakeProbe) read() (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu, p.mem, nil
}

func newTestController(probe *fakeProbe, r Resizer) *Controller {
	return NewController(Options{
		SampleInterval: time.Hour, // samples driven manually via evaluate()
		BaseWorkers:    8,
		probe:          probe.read,
	}, r)
}

func TestStrategySelection(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name              string
		success, cpu, mem float64
		want              Strategy
	}{
		{"healthy and idle", 0.99, 30, 40, StrategyAggressive},
		{"low success", 0.5, 30, 40, StrategyConservative},
		{"memory pressure", 0.99, 30, 90, StrategyConservative},
		{"cpu pressure", 0.99, 95, 40, StrategyConservative},
		{"middling success", 0.9, 30, 40, StrategyBalanced},
		{"healthy but warm host", 0.99, 75, 70, StrategyBalanced},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, th.choose(tc.success, tc.cpu, tc.mem))
		})
	}
}

func TestDownshiftOnFailures(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(30, 40)
	resizer := &fakeResizer{}
	c := newTestController(probe, resizer)

	require.Equal(t, StrategyBalanced, c.Strategy())

	// A run of failures drags the success EWMA under 0.8.
	for i := 0; i < 10; i++ {
		c.RecordOutcome(false, time.Second)
	}
	c.evaluate()
	assert.Equal(t, StrategyConservative, c.Strategy())
	require.Equal(t, 1, resizer.count())
	assert.Equal(t, 4, resizer.resizes[0].MaxWorkers)
	assert.Equal(t, 2, resizer.resizes[0].PerClassLimit)

	// Sustained successes recover the posture.
	for i := 0; i < 40; i++ {
		c.RecordOutcome(true, time.Second)
	}
	c.evaluate()
	assert.Equal(t, StrategyAggressive, c.Strategy())
	assert.Equal(t, 16, c.Limits().MaxWorkers)
}

func TestHostPressureOverridesSuccess(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(30, 40)
	resizer := &fakeResizer{}
	c := newTestController(probe, resizer)

	c.evaluate()
	require.Equal(t, StrategyAggressive, c.Strategy())

	probe.set(30, 92)
	c.evaluate()
	assert.Equal(t, StrategyConservative, c.Strategy())
	assert.Equal(t, 92.0, c.LastSample().MemPercent)
}

func TestNoResizeWithoutChange(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(75, 75) // balanced territory
	resizer := &fakeResizer{}
	c := newTestController(probe, resizer)

	c.evaluate()
	c.evaluate()
	c.evaluate()
	assert.Equal(t, 0, resizer.count(), "steady strategy must not resize")
}

func TestTurboPinsAggressive(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(95, 95) // conservative territory
	resizer := &fakeResizer{}
	c := newTestController(probe, resizer)

	c.evaluate()
	require.Equal(t, StrategyConservative, c.Strategy())

	c.SetTurbo(true)
	assert.Equal(t, StrategyAggressive, c.Strategy())
	assert.True(t, c.LastSample().Turbo)

	// Still pinned while the host is under pressure.
	c.evaluate()
	assert.Equal(t, StrategyAggressive, c.Strategy())

	c.SetTurbo(false)
	assert.Equal(t, StrategyConservative, c.Strategy())
}

func TestExecTimeEWMASeeded(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(30, 40)
	c := newTestController(probe, &fakeResizer{})

	c.RecordOutcome(true, 4*time.Second)
	c.evaluate()
	assert.Equal(t, 4*time.Second, c.LastSample().AvgExecTime)

	c.RecordOutcome(true, 9*time.Second)
	c.evaluate()
	assert.Equal(t, 5*time.Second, c.LastSample().AvgExecTime)
}
