// Package scheduler assigns approved server jobs to idle printers.
package scheduler

import (
	"context"
	"time"

	"printfarm/server/logger"
	"printfarm/server/storage"
	"printfarm/server/task"
)

// WorkerSet reports which printers currently have a running worker. The
// worker manager implements this.
type WorkerSet interface {
	WorkerIDs() map[int64]bool
}

// Fifo proposes job-to-printer assignments in creation order. It only
// proposes: the owning worker validates printer readiness on its next tick.
type Fifo struct {
	store   storage.Store
	workers WorkerSet
	log     *logger.Logger

	periodic *task.Periodic
}

// New creates a stopped FIFO scheduler.
func New(store storage.Store, workers WorkerSet, interval time.Duration, log *logger.Logger) *Fifo {
	if interval <= 0 {
		interval = time.Minute
	}
	f := &Fifo{store: store, workers: workers, log: log}
	f.periodic = task.NewPeriodic("FifoScheduler", interval, task.StepFunc(f.Step), log)
	return f
}

// Start begins the scheduling loop.
func (f *Fifo) Start() { f.periodic.Start() }

// Stop halts the scheduling loop.
func (f *Fifo) Stop() { f.periodic.Stop() }

// Step performs one scheduling pass: oldest unscheduled jobs are assigned
// greedily to idle workered printers, preserving FIFO order.
func (f *Fifo) Step(ctx context.Context) error {
	unscheduled, err := f.store.UnscheduledJobs(ctx)
	if err != nil {
		return err
	}
	if len(unscheduled) == 0 {
		return nil
	}

	idle, err := f.idlePrinters(ctx)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		f.log.Debug("No idle printers for pending jobs", "pending", len(unscheduled))
		return nil
	}

	n := len(unscheduled)
	if len(idle) < n {
		n = len(idle)
	}
	for i := 0; i < n; i++ {
		job, printerID := unscheduled[i], idle[i]
		job.PrinterID = &printerID
		if err := f.store.UpdateJob(ctx, job, storage.StatusScheduled); err != nil {
			return err
		}
		f.log.Info("Job scheduled", "job_id", job.ID, "printer_id", printerID)
	}
	return nil
}

// idlePrinters lists workered printers that host no scheduled job, in id
// order.
func (f *Fifo) idlePrinters(ctx context.Context) ([]int64, error) {
	scheduled, err := f.store.ScheduledJobs(ctx)
	if err != nil {
		return nil, err
	}
	busy := make(map[int64]bool, len(scheduled))
	for _, j := range scheduled {
		if j.PrinterID != nil {
			busy[*j.PrinterID] = true
		}
	}

	// A printer with a job on the bed is busy too, not just one with a
	// pending assignment.
	workerIDs := f.workers.WorkerIDs()
	printers, err := f.store.ActivePrinters(ctx)
	if err != nil {
		return nil, err
	}

	var idle []int64
	for _, p := range printers {
		if !workerIDs[p.ID] || busy[p.ID] {
			continue
		}
		current, err := f.store.CurrentPrinterJob(ctx, p.ID)
		if err != nil {
			f.log.Warn("Skipping printer with inconsistent jobs", "printer_id", p.ID, "error", err)
			continue
		}
		if current != nil {
			continue
		}
		idle = append(idle, p.ID)
	}
	return idle, nil
}
