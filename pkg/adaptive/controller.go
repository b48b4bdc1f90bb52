// Package adaptive tunes orchestrator concurrency from observed outcomes and
// host load. A sampler periodically folds recent success rate, execution
// time, CPU and memory into one of three strategies; strategy changes resize
// the orchestrator's semaphores through the Resizer interface.
package adaptive

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Strategy is the controller's concurrency posture.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// Limits is what a strategy grants the orchestrator.
type Limits struct {
	MaxWorkers        int     `json:"max_workers"`
	PerClassLimit     int     `json:"per_class_limit"`
	TimeoutMultiplier float64 `json:"timeout_multiplier"`
}

// Resizer is implemented by the orchestrator. Resize must not interrupt
// in-flight tasks: new permits are granted lazily and shrink happens by
// attrition.
type Resizer interface {
	Resize(limits Limits)
}

// Sample is one observation window, exposed for the health surface.
type Sample struct {
	SuccessRate float64       `json:"success_rate"`
	AvgExecTime time.Duration `json:"avg_exec_time"`
	CPUPercent  float64       `json:"cpu_percent"`
	MemPercent  float64       `json:"mem_percent"`
	Strategy    Strategy      `json:"strategy"`
	Turbo       bool          `json:"turbo"`
	SampledAt   time.Time     `json:"sampled_at"`
}

// Thresholds select the strategy from a sample.
type Thresholds struct {
	// ConservativeBelowSuccess enters CONSERVATIVE when success drops below it.
	ConservativeBelowSuccess float64
	// ConservativeAboveMem and ConservativeAboveCPU enter CONSERVATIVE when
	// host load exceeds them (percent).
	ConservativeAboveMem float64
	ConservativeAboveCPU float64
	// AggressiveAboveSuccess, AggressiveBelowMem and AggressiveBelowCPU must
	// all hold to enter AGGRESSIVE.
	AggressiveAboveSuccess float64
	AggressiveBelowMem     float64
	AggressiveBelowCPU     float64
}

// DefaultThresholds returns the standard strategy boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConservativeBelowSuccess: 0.8,
		ConservativeAboveMem:     85,
		ConservativeAboveCPU:     90,
		AggressiveAboveSuccess:   0.95,
		AggressiveBelowMem:       70,
		AggressiveBelowCPU:       70,
	}
}

func (t Thresholds) choose(success, cpuPct, memPct float64) Strategy {
	switch {
	case success < t.ConservativeBelowSuccess || memPct > t.ConservativeAboveMem || cpuPct > t.ConservativeAboveCPU:
		return StrategyConservative
	case success > t.AggressiveAboveSuccess && memPct < t.AggressiveBelowMem && cpuPct < t.AggressiveBelowCPU:
		return StrategyAggressive
	default:
		return StrategyBalanced
	}
}

// hostProbe reads CPU and memory utilization. Swapped for a stub in tests.
type hostProbe func() (cpuPct, memPct float64, err error)

func gopsutilProbe() (float64, float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuPct := 0.0
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}

// outcomeEWMAAlpha weights the most recent task outcome in the moving
// averages. Matches the key pool's smoothing.
const outcomeEWMAAlpha = 0.2

// Options configure the controller.
type Options struct {
	// SampleInterval between strategy evaluations. Defaults to 10s.
	SampleInterval time.Duration
	// Thresholds default to DefaultThresholds.
	Thresholds Thresholds
	// Table maps each strategy to its limits. Zero-valued entries get
	// defaults derived from BaseWorkers.
	Table map[Strategy]Limits
	// BaseWorkers sizes the default table. Defaults to 8.
	BaseWorkers int

	probe hostProbe // test hook
}

func defaultTable(base int) map[Strategy]Limits {
	return map[Strategy]Limits{
		StrategyConservative: {MaxWorkers: max(1, base/2), PerClassLimit: max(1, base/4), TimeoutMultiplier: 1.5},
		StrategyBalanced:     {MaxWorkers: base, PerClassLimit: max(1, base/2), TimeoutMultiplier: 1.0},
		StrategyAggressive:   {MaxWorkers: base * 2, PerClassLimit: base, TimeoutMultiplier: 0.8},
	}
}

// Controller samples outcomes and host load and drives the Resizer.
type Controller struct {
	opts    Options
	resizer Resizer

	mu          sync.Mutex
	successEWMA float64
	execEWMA    time.Duration
	observed    bool
	strategy    Strategy
	turbo       bool
	last        Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates a controller in BALANCED posture. Start begins
// sampling.
func NewController(opts Options, resizer Resizer) *Controller {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 10 * time.Second
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.BaseWorkers <= 0 {
		opts.BaseWorkers = 8
	}
	if opts.Table == nil {
		opts.Table = defaultTable(opts.BaseWorkers)
	}
	if opts.probe == nil {
		opts.probe = gopsutilProbe
	}
	return &Controller{
		opts:        opts,
		resizer:     resizer,
		successEWMA: 1.0,
		strategy:    StrategyBalanced,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sampler goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.evaluate()
			}
		}
	}()
}

// Stop halts the sampler and waits for it.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RecordOutcome feeds one finished task into the moving averages. Cancelled
// tasks are not reported; they say nothing about downstream health.
func (c *Controller) RecordOutcome(success bool, execTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := 0.0
	if success {
		v = 1.0
	}
	c.successEWMA = c.successEWMA*(1-outcomeEWMAAlpha) + v*outcomeEWMAAlpha
	if !c.observed {
		c.execEWMA = execTime
		c.observed = true
	} else {
		c.execEWMA = time.Duration(float64(c.execEWMA)*(1-outcomeEWMAAlpha) + float64(execTime)*outcomeEWMAAlpha)
	}
}

// SetTurbo pins the strategy to AGGRESSIVE until cleared; clearing resumes
// adaptive selection at the next sample.
func (c *Controller) SetTurbo(on bool) {
	c.mu.Lock()
	c.turbo = on
	c.mu.Unlock()
	c.evaluate()
}

// Strategy returns the current posture.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Limits returns the limits for the current posture.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Table[c.strategy]
}

// LastSample returns the most recent observation for the health surface.
func (c *Controller) LastSample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// evaluate takes one sample, picks a strategy, and resizes on change.
func (c *Controller) evaluate() {
	cpuPct, memPct, err := c.opts.probe()
	if err != nil {
		slog.Warn("Host load probe failed, keeping current strategy", "error", err)
		return
	}

	c.mu.Lock()
	success := c.successEWMA
	next := c.opts.Thresholds.choose(success, cpuPct, memPct)
	if c.turbo {
		next = StrategyAggressive
	}
	changed := next != c.strategy
	c.strategy = next
	c.last = Sample{
		SuccessRate: math.Round(success*1000) / 1000,
		AvgExecTime: c.execEWMA,
		CPUPercent:  cpuPct,
		MemPercent:  memPct,
		Strategy:    next,
		Turbo:       c.turbo,
		SampledAt:   time.Now(),
	}
	limits := c.opts.Table[next]
	turbo := c.turbo
	c.mu.Unlock()

	if changed {
		slog.Info("Concurrency strategy changed",
			"strategy", next,
			"turbo", turbo,
			"success_rate", success,
			"cpu_percent", cpuPct,
			"mem_percent", memPct,
			"max_workers", limits.MaxWorkers,
			"per_class_limit", limits.PerClassLimit)
		if c.resizer != nil {
			c.resizer.Resize(limits)
		}
	}
}
