package worker

import (
	"context"
	"fmt"
	"sync"

	"printfarm/server/logger"
	"printfarm/server/printer"
	"printfarm/server/storage"
	"printfarm/server/twin"
)

// Manager owns the process-wide printer id to worker mapping. Only the
// manager mutates the map; the API reads through it.
type Manager struct {
	store   storage.Store
	factory *printer.Factory
	twin    twin.Client
	cfg     Config
	log     *logger.Logger

	mu      sync.Mutex
	workers map[int64]*PrinterWorker
}

// NewManager creates an empty worker manager.
func NewManager(store storage.Store, factory *printer.Factory, tw twin.Client, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		factory: factory,
		twin:    tw,
		cfg:     cfg,
		log:     log,
		workers: make(map[int64]*PrinterWorker),
	}
}

// StartNew creates and starts a worker for the printer. Idempotent: an
// existing worker wins and is left untouched.
func (m *Manager) StartNew(p *storage.Printer) error {
	m.mu.Lock()
	if _, ok := m.workers[p.ID]; ok {
		m.mu.Unlock()
		return nil
	}

	drv, err := m.factory.Create(p)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create driver for printer %d: %w", p.ID, err)
	}

	w := New(p, m.store, drv, m.twin, m.cfg, m.log)
	m.workers[p.ID] = w
	m.mu.Unlock()

	w.Start()
	m.log.Info("Worker started", "printer_id", p.ID, "driver", p.Driver)
	return nil
}

// Stop halts and removes the printer's worker. A missing worker is a no-op.
func (m *Manager) Stop(printerID int64) {
	m.mu.Lock()
	w, ok := m.workers[printerID]
	if ok {
		delete(m.workers, printerID)
	}
	m.mu.Unlock()

	if ok {
		w.Stop()
		m.log.Info("Worker stopped", "printer_id", printerID)
	}
}

// Get returns the printer's worker, or nil.
func (m *Manager) Get(printerID int64) *PrinterWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[printerID]
}

// GetStatus returns the last observation of the printer's worker, or nil
// when no worker runs or nothing was observed yet.
func (m *Manager) GetStatus(printerID int64) *Status {
	w := m.Get(printerID)
	if w == nil {
		return nil
	}
	return w.Status()
}

// WorkerIDs lists printers that currently have a worker.
func (m *Manager) WorkerIDs() map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[int64]bool, len(m.workers))
	for id := range m.workers {
		ids[id] = true
	}
	return ids
}

// StartAll starts a worker for every active printer. Called on process
// start so a restart resumes reconciliation without user intervention.
func (m *Manager) StartAll(ctx context.Context) error {
	printers, err := m.store.ActivePrinters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active printers: %w", err)
	}
	for _, p := range printers {
		if err := m.StartNew(p); err != nil {
			m.log.Error("Failed to start worker", "printer_id", p.ID, "error", err)
		}
	}
	return nil
}

// StopAll stops every worker in parallel and waits for them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := make([]*PrinterWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[int64]*PrinterWorker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *PrinterWorker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
