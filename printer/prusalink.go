package printer

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// PrusaLink speaks the PrusaLink v1 REST API.
type PrusaLink struct {
	apiClient
}

var _ Driver = (*PrusaLink)(nil)

// NewPrusaLink creates a driver for a PrusaLink instance.
func NewPrusaLink(baseURL, apiKey string, client *http.Client) *PrusaLink {
	return &PrusaLink{apiClient: newAPIClient(baseURL, apiKey, client)}
}

type prusaStatusResponse struct {
	Printer struct {
		State        string  `json:"state"`
		TempNozzle   float64 `json:"temp_nozzle"`
		TargetNozzle float64 `json:"target_nozzle"`
		TempBed      float64 `json:"temp_bed"`
		TargetBed    float64 `json:"target_bed"`
	} `json:"printer"`
}

type prusaJobResponse struct {
	ID   int64 `json:"id"`
	File struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"file"`
	TimePrinting  int  `json:"time_printing"`
	TimeRemaining *int `json:"time_remaining"`
}

func parsePrusaState(state string) (PrinterState, error) {
	switch strings.ToLower(state) {
	case "idle", "ready", "finished", "stopped", "attention":
		return StateReady, nil
	case "printing", "paused":
		return StatePrinting, nil
	case "busy", "error":
		return StateError, nil
	default:
		return "", fmt.Errorf("unknown prusalink state: %q", state)
	}
}

// Connect is a no-op; PrusaLink has no connection handshake.
func (p *PrusaLink) Connect(ctx context.Context) error { return nil }

// CurrentStatus fetches state, temperatures and the current job.
func (p *PrusaLink) CurrentStatus(ctx context.Context) (*PrinterStatus, error) {
	resp, err := p.doJSON(ctx, http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, unexpectedStatus(resp)
	}

	var model prusaStatusResponse
	if err := decodeJSON(resp, &model); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	state, err := parsePrusaState(model.Printer.State)
	if err != nil {
		return nil, err
	}

	job, err := p.LatestJob(ctx)
	if err != nil {
		return nil, err
	}

	return &PrinterStatus{
		State:      state,
		TempBed:    Temperature{Actual: model.Printer.TempBed, Target: model.Printer.TargetBed},
		TempNozzle: Temperature{Actual: model.Printer.TempNozzle, Target: model.Printer.TargetNozzle},
		Job:        job,
	}, nil
}

// UploadFile uploads a local gcode file to the printer's local storage.
func (p *PrusaLink) UploadFile(ctx context.Context, gcodePath string) error {
	resp, err := p.uploadMultipart(ctx,
		"/api/v1/files/local/"+filepath.Base(gcodePath), gcodePath)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrFileAlreadyExists
	default:
		return unexpectedStatus(resp)
	}
}

// DeleteFile removes a previously uploaded file.
func (p *PrusaLink) DeleteFile(ctx context.Context, gcodePath string) error {
	resp, err := p.doJSON(ctx, http.MethodDelete,
		"/api/v1/files/local/"+filepath.Base(gcodePath), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrFileInUse
	default:
		return unexpectedStatus(resp)
	}
}

// StartJob starts printing an already-uploaded file.
func (p *PrusaLink) StartJob(ctx context.Context, gcodePath string) error {
	resp, err := p.doJSON(ctx, http.MethodPost,
		"/api/v1/files/local/"+filepath.Base(gcodePath), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrPrinterBusy
	default:
		return unexpectedStatus(resp)
	}
}

// StopJob cancels the running print. Safe to call when nothing is printing.
func (p *PrusaLink) StopJob(ctx context.Context) error {
	job, err := p.LatestJob(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	resp, err := p.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/api/v1/job/%d", job.ID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return unexpectedStatus(resp)
	}
}

// LatestJob returns the printer's current job. PrusaLink answers 204 when
// nothing is in progress.
func (p *PrusaLink) LatestJob(ctx context.Context) (*LatestJob, error) {
	resp, err := p.doJSON(ctx, http.MethodGet, "/api/v1/job", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, unexpectedStatus(resp)
	}

	var model prusaJobResponse
	if err := decodeJSON(resp, &model); err != nil {
		return nil, fmt.Errorf("failed to decode job response: %w", err)
	}

	lj := &LatestJob{
		ID:       model.ID,
		FilePath: model.File.Name,
		TimeUsed: model.TimePrinting,
	}
	if model.TimeRemaining != nil {
		lj.TimeLeft = *model.TimeRemaining
		if total := model.TimePrinting + *model.TimeRemaining; total > 0 {
			progress := float64(model.TimePrinting) / float64(total) * 100
			lj.Progress = &progress
		}
	}
	return lj, nil
}

// Close is a no-op; the HTTP client is shared and owned by the factory.
func (p *PrusaLink) Close() error { return nil }
