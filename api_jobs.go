package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"printfarm/server/storage"
	"printfarm/server/worker"
)

const maxGcodeUploadBytes = 256 << 20

// serverFilename generates a server-unique name preserving the original
// extension, e.g. "server-3f9ac21b04de.gcode".
func serverFilename(original string) (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "server-" + hex.EncodeToString(buf) + strings.ToLower(filepath.Ext(original)), nil
}

func validGcodeExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gcode", ".bgcode":
		return true
	}
	return false
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxGcodeUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if !validGcodeExt(header.Filename) {
		writeError(w, http.StatusBadRequest, "file must be .gcode or .bgcode")
		return
	}

	job := &storage.Job{
		UserID:           &userID,
		FromServer:       true,
		OriginalFilename: header.Filename,
	}

	if v := r.FormValue("printer_id"); v != "" {
		printerID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid printer_id")
			return
		}
		printer, err := s.store.GetPrinter(r.Context(), printerID)
		if err != nil {
			s.log.Error("Failed to get printer", "printer_id", printerID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get printer")
			return
		}
		if printer == nil {
			writeError(w, http.StatusNotFound, "printer %d not found", printerID)
			return
		}
		job.PrinterID = &printerID
	}

	if v := r.FormValue("order_id"); v != "" {
		orderID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid order_id")
			return
		}
		order, err := s.store.GetOrder(r.Context(), orderID)
		if err != nil {
			s.log.Error("Failed to get order", "order_id", orderID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get order")
			return
		}
		if order == nil {
			writeError(w, http.StatusNotFound, "order %d not found", orderID)
			return
		}
		job.OrderID = &orderID
	}

	path, err := s.saveGcode(file, header.Filename)
	if err != nil {
		s.log.Error("Failed to save gcode", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save uploaded file")
		return
	}
	job.GcodeFilePath = path

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		os.Remove(path)
		s.log.Error("Failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.log.Info("Job created", "job_id", job.ID, "file", header.Filename)
	writeJSON(w, http.StatusCreated, job)
}

// saveGcode stores the upload under the configured directory with a
// generated name and returns the full path.
func (s *Server) saveGcode(src io.Reader, original string) (string, error) {
	if err := os.MkdirAll(s.cfg.Server.UploadPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	name, err := serverFilename(original)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.Server.UploadPath, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return path, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job %d not found", id)
		return
	}

	history, err := s.store.JobHistory(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get job history", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job history")
		return
	}
	if history == nil {
		history = []*storage.JobHistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":     job,
		"history": history,
	})
}

// handleJobAction dispatches "{id}:approve", "{id}:cancel" and
// "{id}:pickup".
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	idStr, action, ok := strings.Cut(r.PathValue("idAction"), ":")
	if !ok {
		writeError(w, http.StatusBadRequest, "expected {id}:{action}")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job %d not found", id)
		return
	}

	switch action {
	case "approve":
		s.approveJob(w, r, job)
	case "cancel":
		s.cancelJob(w, r, job)
	case "pickup":
		s.pickupJob(w, r, job)
	default:
		writeError(w, http.StatusBadRequest, "unknown action %q", action)
	}
}

func (s *Server) approveJob(w http.ResponseWriter, r *http.Request, job *storage.Job) {
	if job.Status.Has(storage.StatusApproved) {
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	if err := s.store.UpdateJob(r.Context(), job, storage.StatusApproved); err != nil {
		s.log.Error("Failed to approve job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to approve job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// cancelJob records the request durably; the owning worker acts on it at
// its next tick.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, job *storage.Job) {
	if job.IsPicked() || job.Status.Has(storage.StatusCancelled) {
		writeError(w, http.StatusConflict, "job %d already finished", job.ID)
		return
	}
	if job.Status.Has(storage.StatusCancelIssued) {
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	if err := s.store.UpdateJob(r.Context(), job, storage.StatusCancelIssued); err != nil {
		s.log.Error("Failed to cancel job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// pickupJob delivers the external pickup confirmation to the owning worker.
func (s *Server) pickupJob(w http.ResponseWriter, r *http.Request, job *storage.Job) {
	if job.PrinterID == nil {
		writeError(w, http.StatusConflict, "job %d has no printer", job.ID)
		return
	}
	wk := s.manager.Get(*job.PrinterID)
	if wk == nil {
		writeError(w, http.StatusConflict, "no worker for printer %d", *job.PrinterID)
		return
	}
	if !wk.Send(worker.EventPickup) {
		writeError(w, http.StatusConflict, "worker event queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
