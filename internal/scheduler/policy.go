package scheduler

import (
	"context"
	"sync"

	"github.com/VividCortex/ewma"
	"github.com/marusama/semaphore"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ThreadPolicy decides how many render workers an ordered scheduler runs.
// It is consulted between frame pushes; the result is clamped to [1, cap].
type ThreadPolicy interface {
	Target(current int) int
}

// FixedPolicy always asks for N workers.
type FixedPolicy struct {
	N int
}

// Target implements ThreadPolicy.
func (p FixedPolicy) Target(int) int {
	if p.N < 1 {
		return 1
	}
	return p.N
}

const (
	defaultCPULowWatermark  = 70.0
	defaultCPUHighWatermark = 95.0
)

// CPUPolicy grows the pool by one while the machine has idle CPU and shrinks
// it by one when the CPU is saturated, between 1 and Max workers.
type CPUPolicy struct {
	Max int

	// Low and High are CPU usage percentages.
	Low, High float64

	mu     sync.Mutex
	avg    ewma.MovingAverage
	sample func() (float64, error)
}

// NewCPUPolicy returns a policy capped at max workers that samples the
// whole-machine CPU usage.
func NewCPUPolicy(max int) *CPUPolicy {
	return newCPUPolicy(max, sampleCPU)
}

func newCPUPolicy(max int, sample func() (float64, error)) *CPUPolicy {
	if max < 1 {
		max = 1
	}
	return &CPUPolicy{
		Max:    max,
		Low:    defaultCPULowWatermark,
		High:   defaultCPUHighWatermark,
		avg:    ewma.NewMovingAverage(),
		sample: sample,
	}
}

// Target implements ThreadPolicy.
func (p *CPUPolicy) Target(current int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pct, err := p.sample(); err == nil {
		p.avg.Add(pct)
	}
	usage := p.avg.Value()

	target := current
	switch {
	case usage < p.Low:
		target++
	case usage > p.High:
		target--
	}
	return clampWorkers(target, p.Max)
}

// sampleCPU returns the CPU usage since the previous call, in percent.
func sampleCPU() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

func clampWorkers(n, max int) int {
	if max < 1 {
		max = 1
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// ThreadBudget bounds the number of render goroutines across every scheduler
// sharing it. Workers hold one token for as long as they render.
type ThreadBudget struct {
	sem semaphore.Semaphore
}

// NewThreadBudget returns a budget of limit concurrent renders.
func NewThreadBudget(limit int) *ThreadBudget {
	if limit < 1 {
		limit = 1
	}
	return &ThreadBudget{sem: semaphore.New(limit)}
}

// Acquire blocks until a token is free or ctx is done.
func (b *ThreadBudget) Acquire(ctx context.Context) error {
	return b.sem.Acquire(ctx, 1)
}

// Release returns a token.
func (b *ThreadBudget) Release() {
	b.sem.Release(1)
}

// SetLimit resizes the budget. Tokens already held stay valid.
func (b *ThreadBudget) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	b.sem.SetLimit(limit)
}

// Limit returns the current size of the budget.
func (b *ThreadBudget) Limit() int {
	return b.sem.GetLimit()
}

// InUse returns the number of tokens held.
func (b *ThreadBudget) InUse() int {
	return b.sem.GetCount()
}
