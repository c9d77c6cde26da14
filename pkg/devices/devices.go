// Package devices describes DFU-capable USB devices and how to find them.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is a supported device family.
type Kind string

const (
	Nano4 Kind = "n4g"
	Nano5 Kind = "n5g"
	Nano6 Kind = "n6g"
)

func (k Kind) String() string {
	switch k {
	case Nano4:
		return "Nano 4G"
	case Nano5:
		return "Nano 5G"
	case Nano6:
		return "Nano 6G"
	}
	return "UNKNOWN"
}

// TransferChunkSize is the DFU download block size for this family.
func (k Kind) TransferChunkSize() int {
	// All currently supported families use 2KiB blocks.
	return 0x800
}

type Description struct {
	VID, PID uint16
	Kind     Kind
}

var Descriptions = []Description{
	{
		VID:  0x05ac,
		PID:  0x1225,
		Kind: Nano4,
	},
	{
		VID:  0x05ac,
		PID:  0x1231,
		Kind: Nano5,
	},
	{
		VID:  0x05ac,
		PID:  0x1266,
		Kind: Nano6,
	},
}

// DescriptionFor returns the Description matching a vid/pid pair, or nil if
// the device is not one we know how to talk to.
func DescriptionFor(vid, pid uint16) *Description {
	for _, d := range Descriptions {
		if d.VID == vid && d.PID == pid {
			return &d
		}
	}
	return nil
}

// Info identifies one enumerated device.
type Info struct {
	VID, PID uint16
	Serial   string
	Kind     Kind
}

// ID returns the stable identifier for this device: the serial number when
// the device reports one, otherwise 0xVVVV:0xPPPP.
func (i Info) ID() string {
	if i.Serial != "" {
		return i.Serial
	}
	return fmt.Sprintf("0x%04X:0x%04X", i.VID, i.PID)
}

var ErrDeviceNotFound = errors.New("device not found")

// Usb describes a common API to access a device in DFU mode, regardless of
// the underlying provider (libusb, a fake in tests, ...).
type Usb interface {
	// UseDefaultInterface requests the underlying provider to grant access
	// to control transfers to the default interface.
	UseDefaultInterface() error

	// Control sends a control request to the device.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	SetControlTimeout(time.Duration) error

	// Close disposes of this device. No other functions may be called on
	// the interface afterwards.
	Close() error
}

// Enumerator lists and opens DFU-capable devices. Implementations must be
// safe for concurrent use: flash jobs poll Present while another goroutine
// holds an open handle.
type Enumerator interface {
	// List returns all currently enumerated supported devices.
	List(ctx context.Context) ([]Info, error)

	// Open claims the device with the given ID and returns a handle to it.
	// Returns ErrDeviceNotFound if no such device is enumerated.
	Open(ctx context.Context, id string) (Usb, Info, error)

	// Present reports whether the device with the given ID is currently
	// enumerated. Used to observe disconnects during unprotect.
	Present(ctx context.Context, id string) (bool, error)
}
