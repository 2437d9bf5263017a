// Package syncerr defines the error taxonomy shared by the protocol client,
// the classifier and the synchronizer.
//
// Transport and timeout failures are retryable by the caller. Protocol and
// transaction failures are surfaced as-is. Decode failures are per-frame and
// never abort a batch.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when a query exceeds its deadline.
var ErrTimeout = errors.New("query timed out")

// ErrClosed is returned for operations on a client or connection that was shut down.
var ErrClosed = errors.New("connection closed")

// TransportError is a socket-level failure (dial, write, unexpected close).
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed or unexpected response to a verb.
type ProtocolError struct {
	Verb          string
	CorrelationID string
	Message       string
}

func (e *ProtocolError) Error() string {
	if e.Verb == "" {
		return fmt.Sprintf("protocol error [%s]: %s", e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("protocol error %s [%s]: %s", e.Verb, e.CorrelationID, e.Message)
}

// DecodeError is a single frame that failed to parse.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransactionError is a cache transaction that failed and was rolled back.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("cache transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may retry the failed operation
// unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
