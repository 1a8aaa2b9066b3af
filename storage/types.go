package storage

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// JobStatus is a bitmask of job lifecycle flags. Flags are only ever added,
// never cleared, so the numeric value of a job's status is monotonically
// non-decreasing over its lifetime.
type JobStatus int

const (
	StatusCreated      JobStatus = 1
	StatusApproved     JobStatus = 2
	StatusScheduled    JobStatus = 4
	StatusPrinting     JobStatus = 8
	StatusPrinted      JobStatus = 16
	StatusPicked       JobStatus = 256
	StatusCancelled    JobStatus = 512
	StatusPickupIssued JobStatus = 1024
	StatusCancelIssued JobStatus = 2048

	// StatusToSchedule marks jobs eligible for scheduling.
	StatusToSchedule = StatusCreated | StatusApproved
	// StatusToPrint marks jobs that are scheduled but not yet started.
	StatusToPrint = StatusToSchedule | StatusScheduled
)

var statusNames = map[JobStatus]string{
	StatusCreated:      "Created",
	StatusApproved:     "Approved",
	StatusScheduled:    "Scheduled",
	StatusPrinting:     "Printing",
	StatusPrinted:      "Printed",
	StatusPicked:       "Picked",
	StatusCancelled:    "Cancelled",
	StatusPickupIssued: "PickupIssued",
	StatusCancelIssued: "CancelIssued",
}

// String renders the bitmask as pipe-joined flag names, e.g. "Printing|Scheduled".
func (s JobStatus) String() string {
	flags := []JobStatus{
		StatusCreated, StatusApproved, StatusScheduled, StatusPrinting,
		StatusPrinted, StatusPicked, StatusCancelled, StatusPickupIssued,
		StatusCancelIssued,
	}
	var names []string
	for _, f := range flags {
		if s&f != 0 {
			names = append(names, statusNames[f])
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// Has reports whether every flag in f is set.
func (s JobStatus) Has(f JobStatus) bool {
	return s&f == f
}

// DriverKind selects the vendor protocol spoken to a printer.
type DriverKind string

const (
	DriverOctoPrint DriverKind = "OctoPrint"
	DriverPrusaLink DriverKind = "Prusa"
	DriverMock      DriverKind = "Mock"
)

// User is a registered customer or operator.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`       // Unique display name
	Permission string    `json:"permission"` // admin or user
	CreateTime time.Time `json:"create_time"`
}

// Printer is a managed physical printer.
type Printer struct {
	ID         int64      `json:"id"`
	URL        string     `json:"url"` // Canonical HTTP URL, no trailing slash
	APIKey     string     `json:"api_key,omitempty"`
	Driver     DriverKind `json:"driver"`
	GroupName  string     `json:"group_name,omitempty"`
	Active     bool       `json:"active"` // Whether a worker should run for this printer
	OpcuaName  string     `json:"opcua_name,omitempty"`
	CameraURL  string     `json:"camera_url,omitempty"`
	Model      string     `json:"model,omitempty"`
	CreateTime time.Time  `json:"create_time"`
}

// Order is a customer-facing print intent. Orders may spawn jobs.
type Order struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	PrinterID  *int64    `json:"printer_id,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	CreateTime time.Time `json:"create_time"`
}

// Job is a single tracked print attempt. A job submitted through the server
// carries a local gcode path; a job adopted from the printer carries only the
// printer-side filename.
type Job struct {
	ID               int64      `json:"id"`
	OrderID          *int64     `json:"order_id,omitempty"`
	UserID           *string    `json:"user_id,omitempty"`
	PrinterID        *int64     `json:"printer_id,omitempty"`
	Status           JobStatus  `json:"status"`
	FromServer       bool       `json:"from_server"`
	GcodeFilePath    string     `json:"gcode_file_path,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	PrinterFilename  string     `json:"printer_filename,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	CreateTime       time.Time  `json:"create_time"`
}

// AddStatusFlag ORs a new flag into the status bitmask.
func (j *Job) AddStatusFlag(f JobStatus) {
	j.Status |= f
}

// GcodeFilename returns the base name of the stored gcode file, or "" for
// jobs that were not submitted through the server.
func (j *Job) GcodeFilename() string {
	if j.GcodeFilePath == "" {
		return ""
	}
	return filepath.Base(j.GcodeFilePath)
}

// NeedCancel reports whether a cancel was requested but not yet executed.
func (j *Job) NeedCancel() bool {
	return j.Status.Has(StatusCancelIssued) && !j.Status.Has(StatusCancelled)
}

// NeedPickup reports whether the print finished but no pickup was issued yet.
func (j *Job) NeedPickup() bool {
	return j.Status.Has(StatusPrinted) && !j.Status.Has(StatusPickupIssued)
}

// IsPrinting reports whether the job is on the bed and not yet finished.
func (j *Job) IsPrinting() bool {
	return j.Status.Has(StatusPrinting) &&
		!j.Status.Has(StatusPrinted) &&
		!j.Status.Has(StatusCancelled)
}

// IsPrinted reports whether printing finished.
func (j *Job) IsPrinted() bool {
	return j.Status.Has(StatusPrinted)
}

// IsPicked reports whether the model was removed from the bed.
func (j *Job) IsPicked() bool {
	return j.Status.Has(StatusPicked)
}

// IsPending reports whether the job is scheduled and waiting for its printer
// to become ready.
func (j *Job) IsPending() bool {
	return j.Status == StatusToPrint
}

// JobHistoryEntry is one row of the append-only status transition log.
type JobHistoryEntry struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"job_id"`
	Status     string    `json:"status"`
	CreateTime time.Time `json:"create_time"`
}

// Store defines the persistence operations required by the API, the
// scheduler and the printer workers. Every mutation that adds a status flag
// appends exactly one job history row in the same transaction.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Printers
	CreatePrinter(ctx context.Context, printer *Printer) error
	UpdatePrinter(ctx context.Context, printer *Printer) error
	GetPrinter(ctx context.Context, id int64) (*Printer, error)
	Printers(ctx context.Context, filter PrinterFilter) ([]*Printer, error)
	ActivePrinters(ctx context.Context) ([]*Printer, error)

	// Orders
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	UserOrders(ctx context.Context, userID string) ([]*Order, error)
	ApproveOrder(ctx context.Context, order *Order) error
	CancelOrder(ctx context.Context, order *Order) error

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job, newFlag JobStatus) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	JobByPrinterFilename(ctx context.Context, printerID int64, filename string) (*Job, error)
	JobHistory(ctx context.Context, jobID int64) ([]*JobHistoryEntry, error)
	UnapprovedJobs(ctx context.Context) ([]*Job, error)
	UnscheduledJobs(ctx context.Context) ([]*Job, error)
	ScheduledJobs(ctx context.Context) ([]*Job, error)
	NextPendingJob(ctx context.Context, printerID int64) (*Job, error)
	CurrentPrinterJob(ctx context.Context, printerID int64) (*Job, error)

	// Utility
	Close() error
}

// PrinterFilter narrows Printers queries. Nil fields match everything.
type PrinterFilter struct {
	GroupName *string
	Active    *bool
}
