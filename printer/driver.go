package printer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"printfarm/server/storage"
)

// PrinterState is the common state vocabulary all drivers map into.
type PrinterState string

const (
	StateReady    PrinterState = "ready"
	StatePrinting PrinterState = "printing"
	StatePaused   PrinterState = "paused"
	StateStopped  PrinterState = "stopped"
	StateError    PrinterState = "error"
)

// Temperature is one heater's actual and target reading in degrees Celsius.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// HeatingFinished reports whether the heater reached its target.
func (t Temperature) HeatingFinished() bool {
	return t.Actual >= t.Target
}

// LatestJob describes the print the printer itself reports as current.
// Progress is a percentage in [0,100] and may be unknown.
type LatestJob struct {
	ID         int64    `json:"id,omitempty"`
	FilePath   string   `json:"file_path"`
	Progress   *float64 `json:"progress"`
	TimeUsed   int      `json:"time_used"` // seconds
	TimeLeft   int      `json:"time_left"` // seconds
	TimeApprox *float64 `json:"time_approx,omitempty"`
}

// Done reports whether the printer finished this job.
func (j *LatestJob) Done() bool {
	return j.Progress != nil && *j.Progress == 100
}

// StartTime derives when the print began from the time already spent.
func (j *LatestJob) StartTime() time.Time {
	return time.Now().Add(-time.Duration(j.TimeUsed) * time.Second)
}

// PrinterStatus is a single observation of a printer.
type PrinterStatus struct {
	State      PrinterState `json:"state"`
	TempBed    Temperature  `json:"temp_bed"`
	TempNozzle Temperature  `json:"temp_nozzle"`
	Job        *LatestJob   `json:"job,omitempty"`
}

func (s *PrinterStatus) IsReady() bool    { return s.State == StateReady }
func (s *PrinterStatus) IsPrinting() bool { return s.State == StatePrinting }
func (s *PrinterStatus) IsError() bool    { return s.State == StateError }

// HeatingFinished reports whether both heaters reached their targets.
func (s *PrinterStatus) HeatingFinished() bool {
	return s.TempBed.HeatingFinished() && s.TempNozzle.HeatingFinished()
}

// JobProgressOrZero returns the reported progress, defaulting to 0.
func (s *PrinterStatus) JobProgressOrZero() float64 {
	if s.Job == nil || s.Job.Progress == nil {
		return 0
	}
	return *s.Job.Progress
}

// Driver is the uniform adapter over vendor printer APIs. File arguments are
// local gcode paths; drivers address the printer-side copy by base name.
//
// Operations return one of the sentinel errors in errors.go for conditions
// the printer reported, or a *TransportError when the printer could not be
// reached at all.
type Driver interface {
	// Connect performs the vendor handshake. Idempotent.
	Connect(ctx context.Context) error
	// CurrentStatus fetches state, temperatures and the current job.
	CurrentStatus(ctx context.Context) (*PrinterStatus, error)
	// UploadFile copies a local gcode file onto the printer.
	UploadFile(ctx context.Context, gcodePath string) error
	// DeleteFile removes a previously uploaded file.
	DeleteFile(ctx context.Context, gcodePath string) error
	// StartJob begins printing an already-uploaded file.
	StartJob(ctx context.Context, gcodePath string) error
	// StopJob cancels the running print.
	StopJob(ctx context.Context) error
	// LatestJob returns the printer's current job, or nil when idle.
	LatestJob(ctx context.Context) (*LatestJob, error)
	// Close releases driver resources.
	Close() error
}

// Factory builds drivers for printer rows. All HTTP drivers share one
// client so connections are pooled process-wide.
type Factory struct {
	Client *http.Client
	Mock   MockConfig
}

// NewFactory creates a driver factory with a shared HTTP client.
func NewFactory(mock MockConfig) *Factory {
	return &Factory{
		Client: &http.Client{Timeout: 10 * time.Second},
		Mock:   mock,
	}
}

// Create instantiates the driver for a printer row.
func (f *Factory) Create(p *storage.Printer) (Driver, error) {
	switch p.Driver {
	case storage.DriverOctoPrint:
		return NewOctoPrint(p.URL, p.APIKey, f.Client), nil
	case storage.DriverPrusaLink:
		return NewPrusaLink(p.URL, p.APIKey, f.Client), nil
	case storage.DriverMock:
		return NewMock(f.Mock), nil
	default:
		return nil, fmt.Errorf("unknown printer driver: %q", p.Driver)
	}
}
