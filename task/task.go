// Package task provides the periodic execution substrate used by the
// printer workers and the scheduler.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"printfarm/server/logger"
	"printfarm/server/printer"
)

// Stepper is the unit of work driven by a Periodic loop.
type Stepper interface {
	// Step runs one iteration. Errors are logged and do not stop the loop.
	Step(ctx context.Context) error
}

// StepFunc adapts a function to the Stepper interface.
type StepFunc func(ctx context.Context) error

func (f StepFunc) Step(ctx context.Context) error { return f(ctx) }

// Periodic invokes a Stepper every interval until stopped. A step error
// never terminates the loop: failures are logged and the next tick retries.
// Transport errors are demoted to warnings since an unreachable printer is
// an expected condition, not a fault.
type Periodic struct {
	name    string
	stepper Stepper
	logger  *logger.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewPeriodic creates a stopped periodic loop.
func NewPeriodic(name string, interval time.Duration, stepper Stepper, log *logger.Logger) *Periodic {
	return &Periodic{
		name:     name,
		stepper:  stepper,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Interval returns the tick interval.
func (p *Periodic) Interval() time.Duration {
	return p.interval
}

// Running reports whether the loop is active.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start begins the background loop. Calling Start on a running loop is a
// no-op.
func (p *Periodic) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()

	p.logger.Info("Task started", "task", p.name, "interval", p.interval)
}

// Stop requests shutdown and waits for the loop to exit. Stopping a stopped
// or never-started loop is a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Task stopped", "task", p.name)
}

func (p *Periodic) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run once immediately
	p.step()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.step()
		}
	}
}

func (p *Periodic) step() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval*4)
	defer cancel()

	err := p.runStep(ctx)
	switch {
	case err == nil:
	case printer.IsTransport(err):
		p.logger.Warn("Step skipped, printer unreachable", "task", p.name, "error", err)
	default:
		p.logger.Error("Step failed", "task", p.name, "error", err)
	}
}

// runStep isolates panics so one broken iteration cannot take the loop down.
func (p *Periodic) runStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.stepper.Step(ctx)
}
