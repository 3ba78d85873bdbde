// errors contains the error type the download engine uses to tell
// transient fetch failures apart from terminal ones.
package errors

import (
	stderrors "errors"
	"fmt"
	"net"
)

// DownloadError is the interface that must be met by any error produced
// while bringing a batch to a terminal state.
type DownloadError interface {
	IsRetriable() bool
	Err() error
	Error() string
}

// downloadError implements the DownloadError interface.
// It encapsulates an error and gives it more context by describing
// the phase in which it occured.
type downloadError struct {
	err       error
	phase     string
	retriable bool
}

// Error returns a string created from the downloadError's attributes.
func (e downloadError) Error() string {
	return fmt.Sprintf("Error while %s: %s", e.phase, e.err)
}

// IsRetriable exposes the current downloadError's retriable attribute.
func (e downloadError) IsRetriable() bool {
	return e.retriable
}

// Retriable returns a retriable copy of the current downloadError.
func (e downloadError) Retriable() downloadError {
	e.retriable = true
	return e
}

// Err returns the raw error wrapped by the current downloadError.
func (e downloadError) Err() error {
	return e.err
}

// E creates and returns a new downloadError with the given phase and err.
// The created downloadError is not retriable.
func E(phase string, err error) downloadError {
	return downloadError{phase: phase, err: err}
}

// Errorf is a convenience function that creates a new downloadError with
// given phase, formatting the given arguments into its err field.
func Errorf(phase string, pattern string, args ...interface{}) downloadError {
	return E(phase, fmt.Errorf(pattern, args...))
}

// FromTransport classifies a transport error. Timeouts are the only
// retriable class: a dead endpoint or a refused connection fails the
// same way on every attempt, while a timeout can mean the server is
// merely slow right now. Client-enforced deadlines surface as timeouts
// too and are treated the same.
func FromTransport(phase string, err error) downloadError {
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return E(phase, err).Retriable()
	}
	return E(phase, err)
}
