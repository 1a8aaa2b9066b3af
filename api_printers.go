package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"printfarm/server/storage"
)

func (s *Server) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	var filter storage.PrinterFilter
	if group := r.URL.Query().Get("group"); group != "" {
		filter.GroupName = &group
	}

	printers, err := s.store.Printers(r.Context(), filter)
	if err != nil {
		s.log.Error("Failed to list printers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list printers")
		return
	}
	if printers == nil {
		printers = []*storage.Printer{}
	}
	writeJSON(w, http.StatusOK, printers)
}

type createPrinterRequest struct {
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	Driver    string `json:"driver"`
	GroupName string `json:"group_name"`
	OpcuaName string `json:"opcua_name"`
	CameraURL string `json:"camera_url"`
	Model     string `json:"model"`
	Worker    bool   `json:"worker"`
}

func (s *Server) handleCreatePrinter(w http.ResponseWriter, r *http.Request) {
	var req createPrinterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	driver := storage.DriverKind(req.Driver)
	switch driver {
	case storage.DriverOctoPrint, storage.DriverPrusaLink, storage.DriverMock:
	default:
		writeError(w, http.StatusBadRequest, "unknown driver %q", req.Driver)
		return
	}

	printer := &storage.Printer{
		URL:       strings.TrimSuffix(req.URL, "/"),
		APIKey:    req.APIKey,
		Driver:    driver,
		GroupName: req.GroupName,
		Active:    req.Worker,
		OpcuaName: req.OpcuaName,
		CameraURL: req.CameraURL,
		Model:     req.Model,
	}
	if err := s.store.CreatePrinter(r.Context(), printer); err != nil {
		s.log.Error("Failed to create printer", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create printer")
		return
	}

	if req.Worker {
		if err := s.manager.StartNew(printer); err != nil {
			s.log.Error("Failed to start worker", "printer_id", printer.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, printer)
}

// printerFromPath loads the printer addressed by the {id} path segment,
// answering 400/404 itself when it cannot.
func (s *Server) printerFromPath(w http.ResponseWriter, r *http.Request) *storage.Printer {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid printer id")
		return nil
	}
	printer, err := s.store.GetPrinter(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get printer", "printer_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get printer")
		return nil
	}
	if printer == nil {
		writeError(w, http.StatusNotFound, "printer %d not found", id)
		return nil
	}
	return printer
}

func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	if printer := s.printerFromPath(w, r); printer != nil {
		writeJSON(w, http.StatusOK, printer)
	}
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	printer := s.printerFromPath(w, r)
	if printer == nil {
		return
	}

	if err := s.manager.StartNew(printer); err != nil {
		s.log.Error("Failed to start worker", "printer_id", printer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start worker")
		return
	}

	if !printer.Active {
		printer.Active = true
		if err := s.store.UpdatePrinter(r.Context(), printer); err != nil {
			s.log.Error("Failed to mark printer active", "printer_id", printer.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	printer := s.printerFromPath(w, r)
	if printer == nil {
		return
	}

	s.manager.Stop(printer.ID)

	if printer.Active {
		printer.Active = false
		if err := s.store.UpdatePrinter(r.Context(), printer); err != nil {
			s.log.Error("Failed to mark printer inactive", "printer_id", printer.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	printer := s.printerFromPath(w, r)
	if printer == nil {
		return
	}

	// Null when no worker runs or nothing was observed yet.
	writeJSON(w, http.StatusOK, s.manager.GetStatus(printer.ID))
}
