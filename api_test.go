package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"printfarm/server/logger"
	"printfarm/server/printer"
	"printfarm/server/scheduler"
	"printfarm/server/storage"
	"printfarm/server/twin"
	"printfarm/server/worker"
)

// newTestServer builds a server over an in-memory store with the mock
// printer driver and mock twin backend. The returned base URL points at an
// httptest listener serving the real route table.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Server.UploadPath = t.TempDir()

	log := logger.New(logger.ERROR, "", 100)
	tw := twin.New("opc.tcp://mock:4840", "urn:printfarm:test")
	factory := printer.NewFactory(printer.MockConfig{
		Interval:     time.Hour, // no simulated activity during tests
		JobTime:      10,
		BedTarget:    150,
		NozzleTarget: 200,
	})
	manager := worker.NewManager(store, factory, tw, worker.Config{
		Interval:           time.Hour,
		StartTimeTolerance: 10 * time.Second,
	}, log)
	sched := scheduler.New(store, manager, time.Hour, log)

	s := NewServer(cfg, log, store, tw, manager, sched)

	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		manager.StopAll()
		store.Close()
	})
	return s, ts.URL
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func createTestUser(t *testing.T, base, id string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/v1/users", map[string]string{
		"id":   id,
		"name": "user " + id,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("user create returned %d", resp.StatusCode)
	}
}

func createTestPrinter(t *testing.T, base string, worker bool) *storage.Printer {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/v1/printers", map[string]interface{}{
		"url":        "http://mock.local",
		"driver":     "Mock",
		"opcua_name": "Printer1",
		"worker":     worker,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("printer create returned %d", resp.StatusCode)
	}
	var p storage.Printer
	decodeBody(t, resp, &p)
	return &p
}

func TestHealth(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
}

func TestUserEndpoints(t *testing.T) {
	_, base := newTestServer(t)

	createTestUser(t, base, "alice")

	resp, err := http.Get(base + "/api/v1/users/alice")
	if err != nil {
		t.Fatal(err)
	}
	var u storage.User
	decodeBody(t, resp, &u)
	if u.ID != "alice" || u.Permission != "user" {
		t.Errorf("unexpected user %+v", u)
	}

	resp, err = http.Get(base + "/api/v1/users/nobody")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing user returned %d, want 404", resp.StatusCode)
	}
}

func TestPrinterEndpoints(t *testing.T) {
	_, base := newTestServer(t)

	p := createTestPrinter(t, base, false)
	if p.ID == 0 {
		t.Fatal("printer id not assigned")
	}
	if p.Active {
		t.Error("printer created without worker should be inactive")
	}

	resp := doJSON(t, http.MethodPost, base+"/api/v1/printers", map[string]interface{}{
		"url":    "http://x.local",
		"driver": "Betamax",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown driver returned %d, want 400", resp.StatusCode)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/printers/%d", base, p.ID))
	if err != nil {
		t.Fatal(err)
	}
	var got storage.Printer
	decodeBody(t, resp, &got)
	if got.URL != "http://mock.local" || got.Driver != storage.DriverMock {
		t.Errorf("unexpected printer %+v", got)
	}

	resp, err = http.Get(base + "/api/v1/printers/999")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing printer returned %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/v1/printers")
	if err != nil {
		t.Fatal(err)
	}
	var list []*storage.Printer
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("list returned %d printers, want 1", len(list))
	}
}

func TestWorkerStartStop(t *testing.T) {
	s, base := newTestServer(t)

	p := createTestPrinter(t, base, false)

	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/printers/%d/worker:start", base, p.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("worker:start returned %d, want 204", resp.StatusCode)
	}
	if s.manager.Get(p.ID) == nil {
		t.Fatal("worker not registered after start")
	}

	// Starting again is a no-op.
	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/printers/%d/worker:start", base, p.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second worker:start returned %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/printers/%d/worker:stop", base, p.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("worker:stop returned %d, want 204", resp.StatusCode)
	}
	if s.manager.Get(p.ID) != nil {
		t.Fatal("worker still registered after stop")
	}
}

func TestPrinterStatusNullWithoutWorker(t *testing.T) {
	_, base := newTestServer(t)

	p := createTestPrinter(t, base, false)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/printers/%d/status", base, p.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "null" {
		t.Errorf("status body = %q, want null", body)
	}
}

func postGcode(t *testing.T, base, userID, filename string, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if userID != "" {
		mw.WriteField("user_id", userID)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("G28\nG1 X10 Y10\n"))
	mw.Close()

	resp, err := http.Post(base+"/api/v1/jobs", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreateJob(t *testing.T) {
	s, base := newTestServer(t)
	createTestUser(t, base, "alice")

	resp := postGcode(t, base, "alice", "benchy.gcode", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("job create returned %d", resp.StatusCode)
	}
	var job storage.Job
	decodeBody(t, resp, &job)

	if job.Status != storage.StatusCreated {
		t.Errorf("new job status = %v, want Created", job.Status)
	}
	if !job.FromServer {
		t.Error("uploaded job should be marked from_server")
	}
	if job.OriginalFilename != "benchy.gcode" {
		t.Errorf("OriginalFilename = %q", job.OriginalFilename)
	}

	name := filepath.Base(job.GcodeFilePath)
	if !strings.HasPrefix(name, "server-") || !strings.HasSuffix(name, ".gcode") {
		t.Errorf("stored name %q should look like server-<hex>.gcode", name)
	}
	if _, err := os.Stat(job.GcodeFilePath); err != nil {
		t.Errorf("gcode file not stored: %v", err)
	}
	if filepath.Dir(job.GcodeFilePath) != s.cfg.Server.UploadPath {
		t.Errorf("gcode stored outside upload path: %q", job.GcodeFilePath)
	}
}

func TestCreateJobValidation(t *testing.T) {
	_, base := newTestServer(t)
	createTestUser(t, base, "alice")

	resp := postGcode(t, base, "", "benchy.gcode", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_id returned %d, want 400", resp.StatusCode)
	}

	resp = postGcode(t, base, "alice", "malware.exe", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad extension returned %d, want 400", resp.StatusCode)
	}

	resp = postGcode(t, base, "alice", "benchy.gcode", map[string]string{"printer_id": "999"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown printer returned %d, want 404", resp.StatusCode)
	}

	resp = postGcode(t, base, "alice", "benchy.gcode", map[string]string{"order_id": "999"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown order returned %d, want 404", resp.StatusCode)
	}
}

func TestJobGetWithHistory(t *testing.T) {
	_, base := newTestServer(t)
	createTestUser(t, base, "alice")

	resp := postGcode(t, base, "alice", "benchy.gcode", nil)
	var job storage.Job
	decodeBody(t, resp, &job)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%d", base, job.ID))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Job     *storage.Job               `json:"job"`
		History []*storage.JobHistoryEntry `json:"history"`
	}
	decodeBody(t, resp, &out)
	if out.Job == nil || out.Job.ID != job.ID {
		t.Fatalf("unexpected job payload %+v", out.Job)
	}
	if len(out.History) != 1 {
		t.Errorf("fresh job has %d history rows, want 1 (Created)", len(out.History))
	}
}

func TestJobApproveAndCancel(t *testing.T) {
	_, base := newTestServer(t)
	createTestUser(t, base, "alice")

	resp := postGcode(t, base, "alice", "benchy.gcode", nil)
	var job storage.Job
	decodeBody(t, resp, &job)

	approveURL := fmt.Sprintf("%s/api/v1/jobs/%d:approve", base, job.ID)
	for i := 0; i < 2; i++ { // idempotent
		resp = doJSON(t, http.MethodPut, approveURL, nil)
		var got storage.Job
		decodeBody(t, resp, &got)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("approve returned %d, want 202", resp.StatusCode)
		}
		if !got.Status.Has(storage.StatusApproved) {
			t.Fatalf("job status %v missing Approved", got.Status)
		}
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/jobs/%d:cancel", base, job.ID), nil)
	var cancelled storage.Job
	decodeBody(t, resp, &cancelled)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel returned %d, want 202", resp.StatusCode)
	}
	if !cancelled.Status.Has(storage.StatusCancelIssued) {
		t.Errorf("job status %v missing CancelIssued", cancelled.Status)
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/jobs/%d:frobnicate", base, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action returned %d, want 400", resp.StatusCode)
	}
}

func TestJobCancelAfterPickupConflicts(t *testing.T) {
	s, base := newTestServer(t)
	createTestUser(t, base, "alice")

	resp := postGcode(t, base, "alice", "benchy.gcode", nil)
	var job storage.Job
	decodeBody(t, resp, &job)

	ctx := context.Background()
	stored, err := s.store.GetJob(ctx, job.ID)
	if err != nil || stored == nil {
		t.Fatalf("failed to reload job: %v", err)
	}
	for _, f := range []storage.JobStatus{
		storage.StatusApproved, storage.StatusScheduled, storage.StatusPrinting,
		storage.StatusPrinted, storage.StatusPicked,
	} {
		if err := s.store.UpdateJob(ctx, stored, f); err != nil {
			t.Fatal(err)
		}
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/jobs/%d:cancel", base, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel of picked job returned %d, want 409", resp.StatusCode)
	}
}

func TestJobPickupRequiresWorker(t *testing.T) {
	_, base := newTestServer(t)
	createTestUser(t, base, "alice")

	// No printer at all.
	resp := postGcode(t, base, "alice", "benchy.gcode", nil)
	var job storage.Job
	decodeBody(t, resp, &job)

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/jobs/%d:pickup", base, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pickup without printer returned %d, want 409", resp.StatusCode)
	}

	// Printer assigned but no worker running.
	p := createTestPrinter(t, base, false)
	resp = postGcode(t, base, "alice", "benchy.gcode", map[string]string{
		"printer_id": fmt.Sprint(p.ID),
	})
	decodeBody(t, resp, &job)

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/jobs/%d:pickup", base, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pickup without worker returned %d, want 409", resp.StatusCode)
	}
}

func TestOrderEndpoints(t *testing.T) {
	_, base := newTestServer(t)

	resp := doJSON(t, http.MethodPost, base+"/api/v1/orders", map[string]string{"user_id": "ghost"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("order for unknown user returned %d, want 404", resp.StatusCode)
	}

	createTestUser(t, base, "alice")

	resp = doJSON(t, http.MethodPost, base+"/api/v1/orders", map[string]string{"user_id": "alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("order create returned %d", resp.StatusCode)
	}
	var order storage.Order
	decodeBody(t, resp, &order)

	resp, err := http.Get(base + "/api/v1/orders?user_id=alice")
	if err != nil {
		t.Fatal(err)
	}
	var orders []*storage.Order
	decodeBody(t, resp, &orders)
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Errorf("unexpected order list %+v", orders)
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/orders/%d:approve", base, order.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("order approve returned %d, want 202", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/orders/%d:cancel", base, order.ID), nil)
	var cancelled storage.Order
	decodeBody(t, resp, &cancelled)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("order cancel returned %d, want 202", resp.StatusCode)
	}
	if !cancelled.Cancelled {
		t.Error("order should be marked cancelled")
	}
}

func TestServerFilename(t *testing.T) {
	name, err := serverFilename("Benchy Boat.GCODE")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(name, "server-") || !strings.HasSuffix(name, ".gcode") {
		t.Errorf("serverFilename() = %q", name)
	}
	if len(name) != len("server-")+12+len(".gcode") {
		t.Errorf("serverFilename() = %q, want 12 hex chars", name)
	}

	other, err := serverFilename("Benchy Boat.GCODE")
	if err != nil {
		t.Fatal(err)
	}
	if other == name {
		t.Error("names should be unique")
	}
}

func TestValidGcodeExt(t *testing.T) {
	valid := []string{"a.gcode", "b.GCODE", "c.bgcode", "dir/d.gcode"}
	for _, name := range valid {
		if !validGcodeExt(name) {
			t.Errorf("validGcodeExt(%q) = false, want true", name)
		}
	}
	invalid := []string{"a.stl", "b.exe", "gcode", "c.gcode.txt"}
	for _, name := range invalid {
		if validGcodeExt(name) {
			t.Errorf("validGcodeExt(%q) = true, want false", name)
		}
	}
}
