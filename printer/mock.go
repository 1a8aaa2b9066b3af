package printer

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// MockConfig tunes the simulated printer.
type MockConfig struct {
	Interval     time.Duration // simulation tick
	JobTime      int           // seconds a print takes once heated
	BedTarget    float64
	NozzleTarget float64
}

// DefaultMockConfig returns the simulation defaults.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		Interval:     time.Second,
		JobTime:      100,
		BedTarget:    150,
		NozzleTarget: 200,
	}
}

type mockJob struct {
	file          string
	timeEstimated int
	timeUsed      int
	stopped       bool
}

func (j *mockJob) printing() bool {
	return !j.stopped && j.timeUsed < j.timeEstimated
}

func (j *mockJob) progress() float64 {
	return float64(j.timeUsed) / float64(j.timeEstimated) * 100
}

func (j *mockJob) timeLeft() int {
	return j.timeEstimated - j.timeUsed
}

// Mock simulates a printer deterministically: the bed and nozzle heat
// linearly toward their targets while a job is printing and cool back down
// when idle; job progress advances one second per tick, but only after both
// heaters reached their targets.
type Mock struct {
	cfg MockConfig

	mu           sync.Mutex
	connected    bool
	bedActual    float64
	nozzleActual float64
	jobs         []*mockJob
	files        map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Driver = (*Mock)(nil)

// NewMock creates a simulated printer and starts its internal clock.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.JobTime <= 0 {
		cfg.JobTime = 100
	}
	m := &Mock{
		cfg:    cfg,
		files:  make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Mock) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// tick advances the simulation by one step.
func (m *Mock) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.printingJob()
	if job == nil {
		m.bedActual = max(m.bedActual-10, 0)
		m.nozzleActual = max(m.nozzleActual-10, 0)
		return
	}

	m.bedActual = min(m.bedActual+10, m.cfg.BedTarget)
	m.nozzleActual = min(m.nozzleActual+10, m.cfg.NozzleTarget)
	if m.bedActual >= m.cfg.BedTarget && m.nozzleActual >= m.cfg.NozzleTarget {
		job.timeUsed++
	}
}

func (m *Mock) printingJob() *mockJob {
	for _, job := range m.jobs {
		if job.printing() {
			return job
		}
	}
	return nil
}

func (m *Mock) fileInUse(name string) bool {
	for _, job := range m.jobs {
		if job.printing() && job.file == name {
			return true
		}
	}
	return false
}

// Connect marks the printer reachable. Operations before Connect fail with
// ErrUnauthorized, matching how a real printer rejects unauthenticated calls.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect makes subsequent operations fail until Connect is called again.
func (m *Mock) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// CurrentStatus reports the simulated state, temperatures and job.
func (m *Mock) CurrentStatus(ctx context.Context) (*PrinterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, ErrUnauthorized
	}

	state := StateReady
	if m.printingJob() != nil {
		state = StatePrinting
	}

	return &PrinterStatus{
		State:      state,
		TempBed:    Temperature{Actual: m.bedActual, Target: m.cfg.BedTarget},
		TempNozzle: Temperature{Actual: m.nozzleActual, Target: m.cfg.NozzleTarget},
		Job:        m.latestJobLocked(),
	}, nil
}

// UploadFile records the file in the printer's storage.
func (m *Mock) UploadFile(ctx context.Context, gcodePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrUnauthorized
	}
	name := filepath.Base(gcodePath)
	if m.fileInUse(name) {
		return ErrFileInUse
	}
	m.files[name] = struct{}{}
	return nil
}

// DeleteFile removes the file from the printer's storage.
func (m *Mock) DeleteFile(ctx context.Context, gcodePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrUnauthorized
	}
	name := filepath.Base(gcodePath)
	if _, ok := m.files[name]; !ok {
		return ErrNotFound
	}
	if m.fileInUse(name) {
		return ErrFileInUse
	}
	delete(m.files, name)
	return nil
}

// StartJob begins printing an uploaded file.
func (m *Mock) StartJob(ctx context.Context, gcodePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrUnauthorized
	}
	name := filepath.Base(gcodePath)
	if _, ok := m.files[name]; !ok {
		return ErrNotFound
	}
	if m.printingJob() != nil {
		return ErrPrinterBusy
	}
	m.jobs = append(m.jobs, &mockJob{file: name, timeEstimated: m.cfg.JobTime})
	return nil
}

// StopJob halts the running print. Safe to call when nothing is printing.
func (m *Mock) StopJob(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrUnauthorized
	}
	if job := m.printingJob(); job != nil {
		job.stopped = true
	}
	return nil
}

// LatestJob returns the most recently started job, or nil.
func (m *Mock) LatestJob(ctx context.Context) (*LatestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestJobLocked(), nil
}

func (m *Mock) latestJobLocked() *LatestJob {
	if len(m.jobs) == 0 {
		return nil
	}
	job := m.jobs[len(m.jobs)-1]
	progress := job.progress()
	approx := float64(job.timeEstimated)
	return &LatestJob{
		FilePath:   job.file,
		Progress:   &progress,
		TimeUsed:   job.timeUsed,
		TimeLeft:   job.timeLeft(),
		TimeApprox: &approx,
	}
}

// HasFile reports whether the file is present in the printer's storage.
func (m *Mock) HasFile(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

// FinishCurrentJob fast-forwards the running job to completion.
func (m *Mock) FinishCurrentJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job := m.printingJob(); job != nil {
		m.bedActual = m.cfg.BedTarget
		m.nozzleActual = m.cfg.NozzleTarget
		job.timeUsed = job.timeEstimated
	}
}

// Close stops the simulation clock.
func (m *Mock) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}
