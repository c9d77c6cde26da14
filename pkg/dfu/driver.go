// Package dfu adapts a connected device handle into the firmware update
// sequence unprotect -> erase -> write, with an ordered phase-event stream
// per operation.
package dfu

import (
	"context"
	"errors"
	"fmt"
)

// Op names one driver operation.
type Op string

const (
	OpUnprotect Op = "unprotect"
	OpErase     Op = "erase"
	OpWrite     Op = "write"
	OpSession   Op = "session"
)

// Phase is one step of an operation's event sequence: start, zero or more
// process events, end.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseProcess Phase = "process"
	PhaseEnd     Phase = "end"
)

// Event is one progress notification from the driver. Events for a single
// operation are ordered: start, then process(current,total)*, then end. A
// final OpSession/PhaseEnd event is emitted when the driver is closed.
type Event struct {
	Op      Op
	Phase   Phase
	Current int64
	Total   int64
}

// ErrUnprotectTimeout indicates the device neither confirmed unprotection
// nor disconnected within the deadline.
var ErrUnprotectTimeout = errors.New("timed out waiting for unprotect confirmation")

// TransferError wraps a low-level driver fault.
type TransferError struct {
	Op  Op
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s transfer failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Driver is the low-level device-protocol driver, treated as a black box:
// it knows how to unprotect, erase and write, and reports progress on its
// event stream. Operations must not be invoked concurrently.
type Driver interface {
	// Events returns the driver's phase-event stream. The channel is
	// closed when the driver is closed.
	Events() <-chan Event

	// Protected reports whether the device has read/write protection
	// enabled and needs an Unprotect before Erase.
	Protected() (bool, error)

	// Unprotect lifts device protection. On some device families the
	// device confirms by disconnecting instead of completing the request;
	// callers must treat a disconnect following this call as success.
	Unprotect(ctx context.Context) error

	// Erase wipes the firmware region.
	Erase(ctx context.Context) error

	// Write streams the image to the device in chunkSize blocks. When
	// verify is set, the written region is read back and compared.
	Write(ctx context.Context, chunkSize int, image []byte, verify bool) error

	// Close releases the DFU session and the event stream.
	Close() error
}
