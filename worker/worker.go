// Package worker reconciles tracked jobs against observed printer state.
// One worker runs per managed printer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"printfarm/server/logger"
	"printfarm/server/printer"
	"printfarm/server/storage"
	"printfarm/server/task"
	"printfarm/server/twin"
)

// Event is an externally delivered signal for the owning worker.
type Event int

const (
	// EventCancel asks the worker to cancel its current job.
	EventCancel Event = iota
	// EventPickup confirms the printed model was removed from the bed.
	EventPickup
)

// Status is a driver observation enriched with printer row metadata.
type Status struct {
	printer.PrinterStatus
	Name      string `json:"name"`
	Model     string `json:"model"`
	URL       string `json:"url"`
	CameraURL string `json:"camera_url,omitempty"`
}

// Config tunes a printer worker.
type Config struct {
	// Interval between reconciliation steps. Also the status cache TTL.
	Interval time.Duration
	// StartTimeTolerance is the window within which a stored job's start
	// time and the printer's derived start time still count as the same job.
	StartTimeTolerance time.Duration
}

// PrinterWorker owns one printer: a driver, a twin handle, an event queue
// and a short-lived status cache. All mutable state is touched only from
// the worker's own periodic task.
type PrinterWorker struct {
	printer *storage.Printer
	store   storage.Store
	driver  printer.Driver
	twin    twin.Client
	log     *logger.Logger
	cfg     Config

	periodic *task.Periodic
	events   chan Event

	mu       sync.Mutex
	cached   *Status
	cachedAt time.Time
}

// New creates a stopped worker for a printer row.
func New(p *storage.Printer, store storage.Store, drv printer.Driver, tw twin.Client, cfg Config, log *logger.Logger) *PrinterWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StartTimeTolerance <= 0 {
		cfg.StartTimeTolerance = 10 * time.Second
	}
	w := &PrinterWorker{
		printer: p,
		store:   store,
		driver:  drv,
		twin:    tw,
		log:     log.With("printer_id", p.ID),
		cfg:     cfg,
		events:  make(chan Event, 16),
	}
	w.periodic = task.NewPeriodic(fmt.Sprintf("PrinterWorker%d", p.ID), cfg.Interval, task.StepFunc(w.Step), log)
	return w
}

// Printer returns the printer row this worker manages.
func (w *PrinterWorker) Printer() *storage.Printer {
	return w.printer
}

// Running reports whether the worker loop is active.
func (w *PrinterWorker) Running() bool {
	return w.periodic.Running()
}

// Start connects the driver and begins the reconciliation loop.
func (w *PrinterWorker) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
	defer cancel()
	if err := w.driver.Connect(ctx); err != nil {
		// The loop keeps retrying status fetches, so a failed handshake
		// only delays the first observation.
		w.log.Warn("Printer connect failed", "error", err)
	}
	w.periodic.Start()
}

// Stop halts the loop and releases the driver.
func (w *PrinterWorker) Stop() {
	w.periodic.Stop()
	if err := w.driver.Close(); err != nil {
		w.log.Warn("Driver close failed", "error", err)
	}
}

// Send enqueues an event for the next step. Returns false when the queue
// is full.
func (w *PrinterWorker) Send(e Event) bool {
	select {
	case w.events <- e:
		return true
	default:
		return false
	}
}

// Status returns the most recent observation, or nil if none succeeded yet.
func (w *PrinterWorker) Status() *Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cached
}

// Step runs one reconciliation cycle: observe, mirror, drain events, handle.
func (w *PrinterWorker) Step(ctx context.Context) error {
	status, err := w.printerStatus(ctx)
	if err != nil {
		return err
	}

	w.updateTwin(ctx, status)

	job, err := w.store.CurrentPrinterJob(ctx, w.printer.ID)
	if err != nil {
		return err
	}

	job, err = w.drainEvents(ctx, job)
	if err != nil {
		return err
	}

	return w.handle(ctx, job, status)
}

// printerStatus serves from cache while it is younger than the interval,
// otherwise fetches from the driver. Fetch failures leave the cache alone.
func (w *PrinterWorker) printerStatus(ctx context.Context) (*Status, error) {
	w.mu.Lock()
	if w.cached != nil && time.Since(w.cachedAt) < w.cfg.Interval {
		cached := w.cached
		w.mu.Unlock()
		return cached, nil
	}
	w.mu.Unlock()

	stat, err := w.driver.CurrentStatus(ctx)
	if err != nil {
		return nil, err
	}

	model := w.printer.Model
	if model == "" {
		model = string(w.printer.Driver)
	}
	status := &Status{
		PrinterStatus: *stat,
		Name:          w.printer.OpcuaName,
		Model:         model,
		URL:           w.printer.URL,
		CameraURL:     w.printer.CameraURL,
	}

	w.mu.Lock()
	w.cached = status
	w.cachedAt = time.Now()
	w.mu.Unlock()
	return status, nil
}

// updateTwin mirrors the observation. Twin failures are advisory only.
func (w *PrinterWorker) updateTwin(ctx context.Context, status *Status) {
	w.twin.UpdatePrinter(w.twinName(), twin.Snapshot(w.printer, &status.PrinterStatus))
	if err := w.twin.Commit(ctx); err != nil {
		w.log.Warn("Twin commit failed", "error", err)
	}
}

func (w *PrinterWorker) twinName() string {
	if w.printer.OpcuaName != "" {
		return w.printer.OpcuaName
	}
	return fmt.Sprintf("Printer%d", w.printer.ID)
}

// drainEvents empties the queue in FIFO order, at most once per step. The
// current job may transition as a result, so the updated row is returned.
func (w *PrinterWorker) drainEvents(ctx context.Context, job *storage.Job) (*storage.Job, error) {
	for {
		select {
		case e := <-w.events:
			if job == nil {
				w.log.Warn("Dropping event, no current job", "event", e)
				continue
			}
			var err error
			switch e {
			case EventCancel:
				err = w.onCancel(ctx, job)
			case EventPickup:
				err = w.onPick(ctx, job)
			}
			if err != nil {
				return job, err
			}
		default:
			return job, nil
		}
	}
}

// handle is the reconciliation truth table over (current job, observation).
func (w *PrinterWorker) handle(ctx context.Context, job *storage.Job, status *Status) error {
	lj := status.Job

	switch {
	case status.IsError():
		w.log.Error("Printer reports error state, retrying next tick")
		return nil

	case job == nil && status.IsReady():
		w.log.Debug("Printer is ready and no job is tracked")
		return nil

	case job == nil && status.IsPrinting() && lj != nil:
		w.log.Info("Adopting job started on the printer", "file", lj.FilePath)
		return w.adoptJob(ctx, lj)

	case job == nil:
		return nil
	}

	if w.matches(job, lj) {
		switch {
		case job.NeedPickup():
			return w.whenPrinted(ctx, job)
		case job.NeedCancel():
			return w.onCancel(ctx, job)
		case job.IsPrinting():
			return w.whenPrinting(ctx, job, status)
		default:
			// Printed and pickup already issued; wait.
			return nil
		}
	}

	if job.IsPending() && status.IsReady() {
		return w.launchServerJob(ctx, job)
	}

	// The printer is doing something else: the tracked job was picked or
	// displaced.
	w.log.Info("Marking job as picked", "job_id", job.ID)
	return w.onPick(ctx, job)
}

// matches reports whether the stored job is the one the printer is working
// on. Filenames must match; when both sides know a start time it must agree
// within the configured tolerance.
func (w *PrinterWorker) matches(job *storage.Job, lj *printer.LatestJob) bool {
	if lj == nil || job.PrinterFilename == "" || job.PrinterFilename != lj.FilePath {
		return false
	}
	if job.StartTime != nil && lj.TimeUsed > 0 {
		delta := job.StartTime.Sub(lj.StartTime())
		if delta < 0 {
			delta = -delta
		}
		if delta > w.cfg.StartTimeTolerance {
			return false
		}
	}
	return true
}

// adoptJob records a print that was started directly on the printer. An
// open job already tracked under the same filename is resumed instead of
// duplicated.
func (w *PrinterWorker) adoptJob(ctx context.Context, lj *printer.LatestJob) error {
	startTime := lj.StartTime()

	existing, err := w.store.JobByPrinterFilename(ctx, w.printer.ID, lj.FilePath)
	if err != nil {
		return err
	}
	if existing != nil {
		w.log.Info("Resuming tracked job", "job_id", existing.ID)
		existing.StartTime = &startTime
		return w.store.UpdateJob(ctx, existing, storage.StatusPrinting)
	}

	job := &storage.Job{
		PrinterID:       &w.printer.ID,
		FromServer:      false,
		Status:          storage.StatusPrinting | storage.StatusScheduled,
		PrinterFilename: lj.FilePath,
		StartTime:       &startTime,
	}
	return w.store.CreateJob(ctx, job)
}

// launchServerJob uploads and starts a pending server-submitted job.
func (w *PrinterWorker) launchServerJob(ctx context.Context, job *storage.Job) error {
	if !job.FromServer || job.GcodeFilePath == "" {
		return nil
	}

	w.log.Info("Starting job", "job_id", job.ID, "file", job.GcodeFilePath)

	if err := w.driver.UploadFile(ctx, job.GcodeFilePath); err != nil {
		return fmt.Errorf("failed to upload %s: %w", job.GcodeFilePath, err)
	}
	if err := w.driver.StartJob(ctx, job.GcodeFilePath); err != nil {
		return fmt.Errorf("failed to start %s: %w", job.GcodeFilePath, err)
	}

	now := time.Now()
	job.StartTime = &now
	job.PrinterFilename = job.GcodeFilename()
	return w.store.UpdateJob(ctx, job, storage.StatusPrinting)
}

// whenPrinting marks the job printed once the printer reports completion.
func (w *PrinterWorker) whenPrinting(ctx context.Context, job *storage.Job, status *Status) error {
	if status.Job == nil || status.Job.Done() {
		w.log.Info("Job finished printing", "job_id", job.ID)
		return w.store.UpdateJob(ctx, job, storage.StatusPrinted)
	}
	return nil
}

// whenPrinted removes the server-side copy from the printer and requests
// pickup. A file that is already gone does not block the pickup.
func (w *PrinterWorker) whenPrinted(ctx context.Context, job *storage.Job) error {
	if job.FromServer {
		switch err := w.driver.DeleteFile(ctx, job.GcodeFilename()); {
		case errors.Is(err, printer.ErrNotFound):
			w.log.Warn("Printed file already deleted", "job_id", job.ID)
		case err != nil:
			return fmt.Errorf("failed to delete printed file: %w", err)
		}
	}
	return w.requirePickup(ctx, job)
}

// requirePickup signals the external pickup system and records the request.
func (w *PrinterWorker) requirePickup(ctx context.Context, job *storage.Job) error {
	w.log.Info("Requesting pickup", "job_id", job.ID)
	return w.store.UpdateJob(ctx, job, storage.StatusPickupIssued)
}

// onCancel stops an active print and marks the job cancelled.
func (w *PrinterWorker) onCancel(ctx context.Context, job *storage.Job) error {
	if job.IsPrinting() {
		if err := w.driver.StopJob(ctx); err != nil {
			return fmt.Errorf("failed to stop job: %w", err)
		}
	}
	w.log.Info("Job cancelled", "job_id", job.ID)
	return w.store.UpdateJob(ctx, job, storage.StatusCancelled)
}

// onPick marks the printed model as removed from the bed.
func (w *PrinterWorker) onPick(ctx context.Context, job *storage.Job) error {
	return w.store.UpdateJob(ctx, job, storage.StatusPicked)
}
