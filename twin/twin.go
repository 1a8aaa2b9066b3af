// Package twin mirrors observed printer state into an OPC UA server. The
// twin is advisory: the store remains the source of truth and stale twin
// values are acceptable.
package twin

import (
	"context"
	"net/url"
	"strings"
	"time"

	"printfarm/server/printer"
	"printfarm/server/storage"
)

// PrinterSnapshot is one flattened observation written to the twin. Field
// names correspond to fixed attribute names on the remote object.
type PrinterSnapshot struct {
	URL        string
	UpdateTime time.Time
	State      string
	BedActual  float64
	BedTarget  float64
	NozActual  float64
	NozTarget  float64
	CameraURL  string
	Model      string

	// Job attributes. Zero values when the printer reports no job.
	JobFile       string
	JobProgress   float64
	JobTimeUsed   float64
	JobTimeLeft   float64
	JobTimeApprox float64
}

// Snapshot flattens a driver status plus printer metadata.
func Snapshot(p *storage.Printer, status *printer.PrinterStatus) *PrinterSnapshot {
	s := &PrinterSnapshot{
		URL:        p.URL,
		UpdateTime: time.Now(),
		State:      string(status.State),
		BedActual:  status.TempBed.Actual,
		BedTarget:  status.TempBed.Target,
		NozActual:  status.TempNozzle.Actual,
		NozTarget:  status.TempNozzle.Target,
		CameraURL:  p.CameraURL,
		Model:      p.Model,
	}
	if job := status.Job; job != nil {
		s.JobFile = job.FilePath
		if job.Progress != nil {
			s.JobProgress = *job.Progress
		}
		s.JobTimeUsed = float64(job.TimeUsed)
		s.JobTimeLeft = float64(job.TimeLeft)
		if job.TimeApprox != nil {
			s.JobTimeApprox = *job.TimeApprox
		}
	}
	return s
}

// attributes returns the fixed attribute name to value mapping.
func (s *PrinterSnapshot) attributes() map[string]interface{} {
	return map[string]interface{}{
		"url":                  s.URL,
		"update_time":          s.UpdateTime,
		"state":                s.State,
		"bed.actual":           s.BedActual,
		"bed.target":           s.BedTarget,
		"nozzle.actual":        s.NozActual,
		"nozzle.target":        s.NozTarget,
		"camera_url":           s.CameraURL,
		"model":                s.Model,
		"job.file":             s.JobFile,
		"job.progress":         s.JobProgress,
		"job.time_used":        s.JobTimeUsed,
		"job.time_left":        s.JobTimeLeft,
		"job.time_left_approx": s.JobTimeApprox,
	}
}

// Client buffers attribute writes and flushes them on Commit. Update is
// cheap and never touches the network; Commit performs one batched write.
type Client interface {
	Connect(ctx context.Context) error
	// UpdatePrinter buffers the snapshot under the printer's twin name.
	UpdatePrinter(name string, snap *PrinterSnapshot)
	// Commit flushes all buffered writes. Called at most once per worker tick.
	Commit(ctx context.Context) error
	Close(ctx context.Context) error
}

// New selects the twin backend from the endpoint. A host containing "mock"
// yields the in-memory twin, anything else a real OPC UA client.
func New(endpoint, namespace string) Client {
	if isMockEndpoint(endpoint) {
		return NewMock()
	}
	return NewOpcua(endpoint, namespace)
}

func isMockEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return strings.Contains(endpoint, "mock")
	}
	return strings.Contains(u.Hostname(), "mock")
}
