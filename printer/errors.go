package printer

import (
	"errors"
	"fmt"
)

// Driver-level status errors. Each maps a vendor HTTP status to a condition
// the worker reconciliation logic can act on.
var (
	ErrUnauthorized      = errors.New("printer: unauthorized")
	ErrFileInUse         = errors.New("printer: file in use")
	ErrFileAlreadyExists = errors.New("printer: file already exists")
	ErrNotFound          = errors.New("printer: not found")
	ErrPrinterBusy       = errors.New("printer: printer is busy")
)

// TransportError wraps network-level failures (connection refused, timeouts)
// so callers can tell a dead printer apart from a printer that rejected the
// request.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("printer transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err originates from the network rather than
// from the printer itself.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
