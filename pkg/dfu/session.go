package dfu

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openpod/flashd/pkg/devices"
)

// Session wraps a claimed device handle and its driver into the flash
// sequence. One session serves exactly one flash job.
type Session struct {
	drv  Driver
	usb  devices.Usb
	info devices.Info
	enum devices.Enumerator

	// UnprotectTimeout bounds the wait for unprotect confirmation or
	// device disconnect.
	UnprotectTimeout time.Duration
	// PresencePoll is how often device presence is re-checked while
	// waiting for an unprotect disconnect.
	PresencePoll time.Duration
}

func NewSession(drv Driver, usb devices.Usb, info devices.Info, enum devices.Enumerator) *Session {
	return &Session{
		drv:              drv,
		usb:              usb,
		info:             info,
		enum:             enum,
		UnprotectTimeout: 30 * time.Second,
		PresencePoll:     500 * time.Millisecond,
	}
}

// Events returns the driver's normalized phase-event stream.
func (s *Session) Events() <-chan Event {
	return s.drv.Events()
}

// Info returns the device this session is attached to.
func (s *Session) Info() devices.Info {
	return s.info
}

// Protected reports whether the device needs an Unprotect before Erase.
func (s *Session) Protected() (bool, error) {
	return s.drv.Protected()
}

// Unprotect lifts device protection. On some families the device confirms
// by dropping off the bus instead of completing the request, so the call
// resolves as success when either the driver confirms or the device
// disappears from the enumerated list. ErrUnprotectTimeout if neither
// happens within the deadline.
func (s *Session) Unprotect(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		errC <- s.drv.Unprotect(ctx)
	}()

	deadline := time.After(s.UnprotectTimeout)
	confirmed := false
	for {
		select {
		case err := <-errC:
			if err != nil {
				return &TransferError{Op: OpUnprotect, Err: err}
			}
			// Driver acked; some families still need the disconnect to
			// make it effective. Keep watching until it either stays up
			// (confirmed) or vanishes.
			confirmed = true
		case <-time.After(s.PresencePoll):
			present, err := s.enum.Present(ctx, s.info.ID())
			if err == nil && !present {
				slog.Info("Device disconnected after unprotect, treating as success", "device", s.info.ID())
				return nil
			}
			if confirmed {
				return nil
			}
		case <-deadline:
			if confirmed {
				return nil
			}
			return ErrUnprotectTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Erase wipes the firmware region.
func (s *Session) Erase(ctx context.Context) error {
	return s.drv.Erase(ctx)
}

// Write streams the image to the device, using the family's transfer chunk
// size, optionally reading back the written region for validation.
func (s *Session) Write(ctx context.Context, image []byte, verify bool) error {
	return s.drv.Write(ctx, s.info.Kind.TransferChunkSize(), image, verify)
}

// Close releases the DFU session and the device handle. Both are attempted
// independently: failing to close one must not prevent closing the other.
// Failures are logged and combined, never fatal to a completed flash.
func (s *Session) Close() error {
	var errs error
	if err := s.drv.Close(); err != nil {
		slog.Error("Could not close DFU session", "device", s.info.ID(), "err", err)
		errs = multierror.Append(errs, err)
	}
	if err := s.usb.Close(); err != nil {
		slog.Error("Could not close device handle", "device", s.info.ID(), "err", err)
		errs = multierror.Append(errs, err)
	}
	return errs
}
