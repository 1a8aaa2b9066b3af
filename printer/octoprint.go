package printer

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
)

// OctoPrint speaks the OctoPrint REST API.
type OctoPrint struct {
	apiClient
}

var _ Driver = (*OctoPrint)(nil)

// NewOctoPrint creates a driver for an OctoPrint instance.
func NewOctoPrint(baseURL, apiKey string, client *http.Client) *OctoPrint {
	return &OctoPrint{apiClient: newAPIClient(baseURL, apiKey, client)}
}

type octoStateFlags struct {
	Operational   bool `json:"operational"`
	Paused        bool `json:"paused"`
	Printing      bool `json:"printing"`
	Error         bool `json:"error"`
	Ready         bool `json:"ready"`
	ClosedOrError bool `json:"closedOrError"`
}

type octoTemperature struct {
	Actual float64  `json:"actual"`
	Target *float64 `json:"target"`
}

type octoPrinterResponse struct {
	State struct {
		Text  string         `json:"text"`
		Flags octoStateFlags `json:"flags"`
	} `json:"state"`
	Temperature struct {
		Bed   octoTemperature `json:"bed"`
		Tool0 octoTemperature `json:"tool0"`
	} `json:"temperature"`
}

type octoJobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
		EstimatedPrintTime *float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     int      `json:"printTime"`
		PrintTimeLeft int      `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

func parseOctoState(flags octoStateFlags) (PrinterState, error) {
	switch {
	case flags.Ready, flags.Operational && !flags.Printing && !flags.Paused:
		return StateReady, nil
	case flags.Printing:
		return StatePrinting, nil
	case flags.Paused:
		return StatePaused, nil
	case flags.Error, flags.ClosedOrError:
		return StateError, nil
	default:
		return "", fmt.Errorf("unknown octoprint state flags: %+v", flags)
	}
}

func octoTemp(t octoTemperature) Temperature {
	temp := Temperature{Actual: t.Actual}
	if t.Target != nil {
		temp.Target = *t.Target
	}
	return temp
}

// Connect asks OctoPrint to connect to the attached printer.
func (o *OctoPrint) Connect(ctx context.Context) error {
	resp, err := o.doJSON(ctx, http.MethodPost, "/api/connection",
		map[string]interface{}{"command": "connect"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return unexpectedStatus(resp)
	}
}

// CurrentStatus fetches state, temperatures and the current job.
func (o *OctoPrint) CurrentStatus(ctx context.Context) (*PrinterStatus, error) {
	resp, err := o.doJSON(ctx, http.MethodGet, "/api/printer", nil)
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

	var model octoPrinterResponse
	if err := decodeJSON(resp, &model); err != nil {
		return nil, fmt.Errorf("failed to decode printer response: %w", err)
	}

	state, err := parseOctoState(model.State.Flags)
	if err != nil {
		return nil, err
	}

	job, err := o.LatestJob(ctx)
	if err != nil {
		return nil, err
	}

	return &PrinterStatus{
		State:      state,
		TempBed:    octoTemp(model.Temperature.Bed),
		TempNozzle: octoTemp(model.Temperature.Tool0),
		Job:        job,
	}, nil
}

// UploadFile uploads a local gcode file to the printer's local storage.
func (o *OctoPrint) UploadFile(ctx context.Context, gcodePath string) error {
	resp, err := o.uploadMultipart(ctx, "/api/files/local", gcodePath)
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
		return ErrFileInUse
	default:
		return unexpectedStatus(resp)
	}
}

// DeleteFile removes a previously uploaded file.
func (o *OctoPrint) DeleteFile(ctx context.Context, gcodePath string) error {
	resp, err := o.doJSON(ctx, http.MethodDelete,
		"/api/files/local/"+filepath.Base(gcodePath), nil)
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

// StartJob selects an uploaded file and starts printing it.
func (o *OctoPrint) StartJob(ctx context.Context, gcodePath string) error {
	resp, err := o.doJSON(ctx, http.MethodPost,
		"/api/files/local/"+filepath.Base(gcodePath),
		map[string]interface{}{"command": "select", "print": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
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

// StopJob cancels the running print. A 409 means nothing is printing, which
// already satisfies the caller.
func (o *OctoPrint) StopJob(ctx context.Context) error {
	resp, err := o.doJSON(ctx, http.MethodPost, "/api/job",
		map[string]interface{}{"command": "cancel"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusConflict:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return unexpectedStatus(resp)
	}
}

// LatestJob returns the printer's current job, or nil when no file is loaded.
func (o *OctoPrint) LatestJob(ctx context.Context) (*LatestJob, error) {
	resp, err := o.doJSON(ctx, http.MethodGet, "/api/job", nil)
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

	var model octoJobResponse
	if err := decodeJSON(resp, &model); err != nil {
		return nil, fmt.Errorf("failed to decode job response: %w", err)
	}
	if model.Job.File.Name == "" {
		return nil, nil
	}

	return &LatestJob{
		FilePath:   model.Job.File.Name,
		Progress:   model.Progress.Completion,
		TimeUsed:   model.Progress.PrintTime,
		TimeLeft:   model.Progress.PrintTimeLeft,
		TimeApprox: model.Job.EstimatedPrintTime,
	}, nil
}

// Close is a no-op; the HTTP client is shared and owned by the factory.
func (o *OctoPrint) Close() error { return nil }
