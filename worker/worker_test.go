package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"printfarm/server/logger"
	"printfarm/server/printer"
	"printfarm/server/storage"
	"printfarm/server/twin"
)

func testLogger() *logger.Logger {
	return logger.New(logger.ERROR, "", 100)
}

func testConfig() Config {
	return Config{
		// Nanosecond interval keeps the status cache effectively disabled
		// so every Step observes fresh driver state.
		Interval:           time.Nanosecond,
		StartTimeTolerance: time.Hour,
	}
}

type fixture struct {
	store  *storage.SQLiteStore
	mock   *printer.Mock
	twin   *twin.Mock
	prow   *storage.Printer
	worker *PrinterWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	prow := &storage.Printer{
		URL:       "http://mock.local",
		Driver:    storage.DriverMock,
		Active:    true,
		OpcuaName: "Printer1",
	}
	if err := store.CreatePrinter(ctx, prow); err != nil {
		t.Fatalf("failed to create printer: %v", err)
	}

	mock := printer.NewMock(printer.MockConfig{
		Interval: time.Hour, // driven by FinishCurrentJob in tests
		JobTime:  10,
	})
	t.Cleanup(func() { mock.Close() })
	if err := mock.Connect(ctx); err != nil {
		t.Fatalf("failed to connect mock: %v", err)
	}

	tw := twin.NewMock()
	w := New(prow, store, mock, tw, testConfig(), testLogger())
	return &fixture{store: store, mock: mock, twin: tw, prow: prow, worker: w}
}

func (f *fixture) step(t *testing.T) {
	t.Helper()
	if err := f.worker.Step(context.Background()); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
}

func (f *fixture) job(t *testing.T, id int64) *storage.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j == nil {
		t.Fatalf("job %d not found", id)
	}
	return j
}

func TestServerJobHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &storage.Job{
		FromServer:    true,
		Status:        storage.StatusToPrint,
		PrinterID:     &f.prow.ID,
		GcodeFilePath: "/data/upload/a.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Printer is ready, job is pending: the worker launches it.
	f.step(t)
	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPrinting) {
		t.Fatalf("job not printing after launch: %v", got.Status)
	}
	if got.StartTime == nil {
		t.Error("start time not recorded")
	}
	if got.PrinterFilename != "a.gcode" {
		t.Errorf("printer filename = %q", got.PrinterFilename)
	}
	if !f.mock.HasFile("a.gcode") {
		t.Error("file not uploaded to printer")
	}

	// Still printing: no transition.
	f.step(t)
	if got = f.job(t, job.ID); got.Status.Has(storage.StatusPrinted) {
		t.Fatalf("job marked printed too early: %v", got.Status)
	}

	// Print completes.
	f.mock.FinishCurrentJob()
	f.step(t)
	got = f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPrinted) {
		t.Fatalf("job not printed: %v", got.Status)
	}

	// Pickup is requested and the server copy is deleted from the printer.
	f.step(t)
	got = f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPickupIssued) {
		t.Fatalf("pickup not issued: %v", got.Status)
	}
	if f.mock.HasFile("a.gcode") {
		t.Error("printed file not deleted from printer")
	}

	// The job still occupies the printer until picked.
	current, err := f.store.CurrentPrinterJob(ctx, f.prow.ID)
	if err != nil {
		t.Fatalf("CurrentPrinterJob failed: %v", err)
	}
	if current == nil || current.ID != job.ID {
		t.Errorf("expected job %d to remain current, got %+v", job.ID, current)
	}

	// External pickup confirmation releases it.
	if !f.worker.Send(EventPickup) {
		t.Fatal("event queue full")
	}
	f.step(t)
	got = f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPicked) {
		t.Fatalf("job not picked: %v", got.Status)
	}
	current, err = f.store.CurrentPrinterJob(ctx, f.prow.ID)
	if err != nil {
		t.Fatalf("CurrentPrinterJob failed: %v", err)
	}
	if current != nil {
		t.Errorf("picked job still current: %+v", current)
	}
}

func TestExternalJobAdoption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A print was started directly on the printer before the worker came up.
	if err := f.mock.UploadFile(ctx, "X.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(ctx, "X.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	f.step(t)

	adopted, err := f.store.CurrentPrinterJob(ctx, f.prow.ID)
	if err != nil {
		t.Fatalf("CurrentPrinterJob failed: %v", err)
	}
	if adopted == nil {
		t.Fatal("no job adopted")
	}
	if adopted.FromServer {
		t.Error("adopted job must not be from_server")
	}
	if adopted.PrinterFilename != "X.gcode" {
		t.Errorf("adopted filename = %q", adopted.PrinterFilename)
	}
	want := storage.StatusPrinting | storage.StatusScheduled
	if adopted.Status != want {
		t.Errorf("adopted status = %v, want %v", adopted.Status, want)
	}
	if adopted.StartTime == nil {
		t.Error("adopted job has no start time")
	}

	// The next tick finds the adopted job as current: no duplicate.
	f.step(t)
	if _, err := f.store.CurrentPrinterJob(ctx, f.prow.ID); err != nil {
		t.Errorf("duplicate adoption: %v", err)
	}
}

func TestCancelDuringPrinting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mock.UploadFile(ctx, "a.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(ctx, "a.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	job := &storage.Job{
		FromServer:      true,
		Status:          storage.StatusToPrint | storage.StatusPrinting,
		PrinterID:       &f.prow.ID,
		PrinterFilename: "a.gcode",
		GcodeFilePath:   "/data/upload/a.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Cancel requested out-of-band through the store.
	if err := f.store.UpdateJob(ctx, job, storage.StatusCancelIssued); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	f.step(t)

	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusCancelled) {
		t.Fatalf("job not cancelled: %v", got.Status)
	}

	// The printer actually stopped.
	status, err := f.mock.CurrentStatus(ctx)
	if err != nil {
		t.Fatalf("CurrentStatus failed: %v", err)
	}
	if status.State != printer.StateReady {
		t.Errorf("printer still printing after cancel: %v", status.State)
	}
}

func TestPendingJobLaunchedWhenReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &storage.Job{
		FromServer:    true,
		Status:        storage.StatusToPrint,
		PrinterID:     &f.prow.ID,
		GcodeFilePath: "/data/upload/a.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// The pending assignment already occupies the printer.
	current, err := f.store.CurrentPrinterJob(ctx, f.prow.ID)
	if err != nil {
		t.Fatalf("CurrentPrinterJob failed: %v", err)
	}
	if current == nil || current.ID != job.ID {
		t.Fatalf("pending job must be current, got %+v", current)
	}

	f.step(t)

	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPrinting) {
		t.Fatalf("pending job not launched: %v", got.Status)
	}
	if got.PrinterFilename != "a.gcode" {
		t.Errorf("printer filename = %q", got.PrinterFilename)
	}
	if !f.mock.HasFile("a.gcode") {
		t.Error("gcode not uploaded to printer")
	}
}

func TestCancelAfterPrinterStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The print was stopped directly on the printer before the cancel
	// request arrives.
	if err := f.mock.UploadFile(ctx, "a.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(ctx, "a.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := f.mock.StopJob(ctx); err != nil {
		t.Fatalf("StopJob failed: %v", err)
	}

	job := &storage.Job{
		FromServer:      true,
		Status:          storage.StatusToPrint | storage.StatusPrinting,
		PrinterID:       &f.prow.ID,
		PrinterFilename: "a.gcode",
		GcodeFilePath:   "/data/upload/a.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := f.store.UpdateJob(ctx, job, storage.StatusCancelIssued); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	f.step(t)

	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusCancelled) {
		t.Fatalf("cancel on stopped printer never recorded: %v", got.Status)
	}
}

func TestPickupIssuedWhenFileAlreadyGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mock.UploadFile(ctx, "a.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(ctx, "a.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	job := &storage.Job{
		FromServer:      true,
		Status:          storage.StatusToPrint | storage.StatusPrinting,
		PrinterID:       &f.prow.ID,
		PrinterFilename: "a.gcode",
		GcodeFilePath:   "/data/upload/a.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	f.mock.FinishCurrentJob()
	f.step(t)
	if got := f.job(t, job.ID); !got.Status.Has(storage.StatusPrinted) {
		t.Fatalf("job not printed: %v", got.Status)
	}

	// The file disappears from the printer before the cleanup tick.
	if err := f.mock.DeleteFile(ctx, "a.gcode"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}

	f.step(t)
	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPickupIssued) {
		t.Fatalf("pickup blocked by missing file: %v", got.Status)
	}
}

func TestPrinterDisplacesTrackedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Track job A, but the printer is busy with B.
	job := &storage.Job{
		FromServer:      true,
		Status:          storage.StatusToPrint | storage.StatusPrinting,
		PrinterID:       &f.prow.ID,
		PrinterFilename: "A.gcode",
		GcodeFilePath:   "/data/upload/A.gcode",
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := f.mock.UploadFile(ctx, "B.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(ctx, "B.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	f.step(t)
	got := f.job(t, job.ID)
	if !got.Status.Has(storage.StatusPicked) {
		t.Fatalf("displaced job not marked picked: %v", got.Status)
	}

	// The next tick adopts B.
	f.step(t)
	adopted, err := f.store.CurrentPrinterJob(ctx, f.prow.ID)
	if err != nil {
		t.Fatalf("CurrentPrinterJob failed: %v", err)
	}
	if adopted == nil || adopted.PrinterFilename != "B.gcode" {
		t.Errorf("expected adopted job for B.gcode, got %+v", adopted)
	}
}

// failingDriver errors on status fetch until recovered.
type failingDriver struct {
	*printer.Mock
	fail bool
}

func (d *failingDriver) CurrentStatus(ctx context.Context) (*printer.PrinterStatus, error) {
	if d.fail {
		return nil, &printer.TransportError{Op: "GET", URL: "http://p", Err: errors.New("connection refused")}
	}
	return d.Mock.CurrentStatus(ctx)
}

func TestTransientTransportError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	drv := &failingDriver{Mock: f.mock, fail: true}
	w := New(f.prow, f.store, drv, f.twin, testConfig(), testLogger())

	err := w.Step(ctx)
	if err == nil {
		t.Fatal("expected error from failing driver")
	}
	if !printer.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if w.Status() != nil {
		t.Error("failed fetch must not populate the status cache")
	}

	// No store writes happened.
	jobs, err := f.store.UnapprovedJobs(ctx)
	if err != nil {
		t.Fatalf("UnapprovedJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("unexpected store writes during outage: %+v", jobs)
	}

	// Next tick resumes normally.
	drv.fail = false
	if err := w.Step(ctx); err != nil {
		t.Fatalf("Step after recovery failed: %v", err)
	}
	if w.Status() == nil {
		t.Error("status cache empty after recovery")
	}
}

func TestTwinMirroredEachStep(t *testing.T) {
	f := newFixture(t)

	f.step(t)

	state, ok := f.twin.Get("Printer1.state")
	if !ok {
		t.Fatal("twin not updated")
	}
	if state != "ready" {
		t.Errorf("twin state = %v, want ready", state)
	}
	if url, _ := f.twin.Get("Printer1.url"); url != "http://mock.local" {
		t.Errorf("twin url = %v", url)
	}
}

func TestStatusCacheBoundsDriverCalls(t *testing.T) {
	f := newFixture(t)

	cfg := testConfig()
	cfg.Interval = time.Hour
	w := New(f.prow, f.store, f.mock, f.twin, cfg, testLogger())

	f.worker = w
	f.step(t)
	first := w.Status()
	if first == nil {
		t.Fatal("no status cached")
	}

	// Mutate the printer; the cached observation must be served unchanged.
	if err := f.mock.UploadFile(context.Background(), "a.gcode"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if err := f.mock.StartJob(context.Background(), "a.gcode"); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	f.step(t)
	second := w.Status()
	if second != first {
		t.Error("cache was refreshed before its TTL expired")
	}
	if second.Job != nil {
		t.Error("cached status shows the new job")
	}
}
