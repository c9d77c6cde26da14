package dfu

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/openpod/flashd/pkg/devices"
)

type request uint8

const (
	requestDetach    request = 0
	requestDnload    request = 1
	requestUpload    request = 2
	requestGetStatus request = 3
	requestClrStatus request = 4
	requestGetState  request = 5
	requestAbort     request = 6

	// Vendor extensions used by the updater protocol.
	requestQueryProtect request = 0x70
	requestUnprotect    request = 0x71
	requestErase        request = 0x72
)

type statusErr uint8

const statusOK statusErr = 0x00

type state uint8

const (
	stateIdle       state = 2
	stateDnloadIdle state = 5
	stateError      state = 10
)

// deviceDriver implements Driver over a raw device handle, speaking the DFU
// control-transfer protocol.
type deviceDriver struct {
	usb    devices.Usb
	events chan Event
	closed bool
}

// NewDriver claims the device's default interface and returns a Driver
// speaking the DFU protocol over it.
func NewDriver(usb devices.Usb) (Driver, error) {
	if err := usb.UseDefaultInterface(); err != nil {
		return nil, fmt.Errorf("could not claim default interface: %w", err)
	}
	if err := usb.SetControlTimeout(5 * time.Second); err != nil {
		return nil, fmt.Errorf("could not set control timeout: %w", err)
	}
	return &deviceDriver{
		usb:    usb,
		events: make(chan Event, 64),
	}, nil
}

func (d *deviceDriver) Events() <-chan Event {
	return d.events
}

func (d *deviceDriver) emit(ev Event) {
	d.events <- ev
}

func (d *deviceDriver) getStatus() (statusErr, error) {
	buf := make([]byte, 6)
	res, err := d.usb.Control(0xa1, uint8(requestGetStatus), 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if res != 6 {
		return 0, fmt.Errorf("status returned %d bytes", res)
	}
	return statusErr(buf[0]), nil
}

func (d *deviceDriver) getState() (state, error) {
	buf := make([]byte, 1)
	res, err := d.usb.Control(0xa1, uint8(requestGetState), 0, 0, buf)
	if err != nil {
		return stateError, fmt.Errorf("control: %w", err)
	}
	if res != 1 {
		return stateError, fmt.Errorf("state returned %d bytes", res)
	}
	return state(buf[0]), nil
}

func (d *deviceDriver) clearStatus() error {
	if _, err := d.usb.Control(0x21, uint8(requestClrStatus), 0, 0, nil); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}

// clean resets the device into dfuIDLE before a new operation.
func (d *deviceDriver) clean() error {
	if err := d.clearStatus(); err != nil {
		return fmt.Errorf("ClrStatus: %w", err)
	}
	st, err := d.getState()
	if err != nil {
		return fmt.Errorf("GetState: %w", err)
	}
	if st != stateIdle {
		return fmt.Errorf("unexpected DFU state %d", st)
	}
	return nil
}

func (d *deviceDriver) sendChunk(c []byte, blockno uint16) error {
	if _, err := d.usb.Control(0x21, uint8(requestDnload), blockno, 0, c); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}

func (d *deviceDriver) Protected() (bool, error) {
	buf := make([]byte, 1)
	res, err := d.usb.Control(0xa1, uint8(requestQueryProtect), 0, 0, buf)
	if err != nil {
		return false, &TransferError{Op: OpUnprotect, Err: err}
	}
	if res != 1 {
		return false, &TransferError{Op: OpUnprotect, Err: fmt.Errorf("protect query returned %d bytes", res)}
	}
	return buf[0] != 0, nil
}

func (d *deviceDriver) Unprotect(ctx context.Context) error {
	d.emit(Event{Op: OpUnprotect, Phase: PhaseStart})
	// The device may drop off the bus immediately after acking this
	// request. A transport error here is not reported as failure; the
	// session resolves the outcome by watching device presence.
	if _, err := d.usb.Control(0x21, uint8(requestUnprotect), 0, 0, nil); err != nil {
		return nil
	}
	d.emit(Event{Op: OpUnprotect, Phase: PhaseEnd})
	return nil
}

func (d *deviceDriver) Erase(ctx context.Context) error {
	d.emit(Event{Op: OpErase, Phase: PhaseStart})
	if _, err := d.usb.Control(0x21, uint8(requestErase), 0, 0, nil); err != nil {
		return &TransferError{Op: OpErase, Err: err}
	}
	// Erase completion is signalled through GetStatus polling.
	for {
		st, err := d.getStatus()
		if err != nil {
			return &TransferError{Op: OpErase, Err: err}
		}
		if st == statusOK {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	d.emit(Event{Op: OpErase, Phase: PhaseEnd})
	return nil
}

func (d *deviceDriver) Write(ctx context.Context, chunkSize int, image []byte, verify bool) error {
	if err := d.clean(); err != nil {
		return &TransferError{Op: OpWrite, Err: fmt.Errorf("clean: %w", err)}
	}

	total := int64(len(image))
	d.emit(Event{Op: OpWrite, Phase: PhaseStart, Total: total})

	buf := bytes.NewBuffer(image)
	blockno := uint16(0)
	var sent int64
	for buf.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buf.Next(chunkSize)
		if err := d.sendChunk(chunk, blockno); err != nil {
			return &TransferError{Op: OpWrite, Err: fmt.Errorf("chunk %d failed: %w", blockno, err)}
		}
		status, err := d.getStatus()
		if err != nil {
			return &TransferError{Op: OpWrite, Err: fmt.Errorf("chunk %d status failed: %w", blockno, err)}
		}
		if status != statusOK {
			return &TransferError{Op: OpWrite, Err: fmt.Errorf("chunk %d status reported %d", blockno, status)}
		}
		sent += int64(len(chunk))
		d.emit(Event{Op: OpWrite, Phase: PhaseProcess, Current: sent, Total: total})
		blockno++
	}

	// Zero-length download completes the image and triggers manifest.
	if err := d.sendChunk(nil, blockno); err != nil {
		return &TransferError{Op: OpWrite, Err: fmt.Errorf("zero length send failed: %w", err)}
	}
	status, err := d.getStatus()
	if err != nil {
		return &TransferError{Op: OpWrite, Err: fmt.Errorf("manifest status failed: %w", err)}
	}
	if status != statusOK {
		return &TransferError{Op: OpWrite, Err: fmt.Errorf("manifest status reported %d", status)}
	}

	if verify {
		if err := d.verify(ctx, chunkSize, image); err != nil {
			return err
		}
	}

	d.emit(Event{Op: OpWrite, Phase: PhaseEnd, Current: total, Total: total})
	return nil
}

func (d *deviceDriver) verify(ctx context.Context, chunkSize int, image []byte) error {
	read := make([]byte, 0, len(image))
	blockno := uint16(0)
	for len(read) < len(image) {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := len(image) - len(read)
		if want > chunkSize {
			want = chunkSize
		}
		chunk := make([]byte, want)
		n, err := d.usb.Control(0xa1, uint8(requestUpload), blockno, 0, chunk)
		if err != nil {
			return &TransferError{Op: OpWrite, Err: fmt.Errorf("verify read %d failed: %w", blockno, err)}
		}
		if n == 0 {
			return &TransferError{Op: OpWrite, Err: fmt.Errorf("verify read %d returned no data", blockno)}
		}
		read = append(read, chunk[:n]...)
		blockno++
	}
	if !bytes.Equal(read, image) {
		return &TransferError{Op: OpWrite, Err: fmt.Errorf("verify mismatch")}
	}
	return nil
}

func (d *deviceDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.emit(Event{Op: OpSession, Phase: PhaseEnd})
	close(d.events)
	return nil
}
