package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
)

// GousbEnumerator is the libusb-backed Enumerator used on desktops.
type GousbEnumerator struct {
	ctx *gousb.Context
}

// newContext creates a gousb context, catching the panic that libusb
// initialization failures surface as.
func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

func NewGousbEnumerator() (*GousbEnumerator, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &GousbEnumerator{ctx: ctx}, nil
}

func (e *GousbEnumerator) Close() {
	e.ctx.Close()
}

func (e *GousbEnumerator) infoFor(dev *gousb.Device) Info {
	desc := DescriptionFor(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
	info := Info{
		VID: uint16(dev.Desc.Vendor),
		PID: uint16(dev.Desc.Product),
	}
	if desc != nil {
		info.Kind = desc.Kind
	}
	if serial, err := dev.SerialNumber(); err == nil {
		info.Serial = serial
	}
	return info
}

func (e *GousbEnumerator) List(ctx context.Context) ([]Info, error) {
	var errs error
	var res []Info
	for _, deviceDesc := range Descriptions {
		usb, err := e.ctx.OpenDeviceWithVIDPID(gousb.ID(deviceDesc.VID), gousb.ID(deviceDesc.PID))
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if usb == nil {
			continue
		}
		res = append(res, e.infoFor(usb))
		usb.Close()
	}
	if res == nil && errs != nil {
		return nil, errs
	}
	return res, nil
}

func (e *GousbEnumerator) Open(ctx context.Context, id string) (Usb, Info, error) {
	for _, deviceDesc := range Descriptions {
		usb, err := e.ctx.OpenDeviceWithVIDPID(gousb.ID(deviceDesc.VID), gousb.ID(deviceDesc.PID))
		if err != nil || usb == nil {
			continue
		}
		info := e.infoFor(usb)
		if info.ID() != id {
			usb.Close()
			continue
		}
		return &gousbHandle{usb: usb}, info, nil
	}
	return nil, Info{}, ErrDeviceNotFound
}

func (e *GousbEnumerator) Present(ctx context.Context, id string) (bool, error) {
	infos, err := e.List(ctx)
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.ID() == id {
			return true, nil
		}
	}
	return false, nil
}

// gousbHandle implements Usb backed by libusb, same shape as the handle the
// web flasher builds on top of WebUSB.
type gousbHandle struct {
	usb  *gousb.Device
	done func()
}

func (d *gousbHandle) UseDefaultInterface() error {
	_, done, err := d.usb.DefaultInterface()
	if err != nil {
		return err
	}
	d.done = done
	return nil
}

func (d *gousbHandle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.usb.Control(rType, request, val, idx, data)
}

func (d *gousbHandle) SetControlTimeout(timeout time.Duration) error {
	d.usb.ControlTimeout = timeout
	return nil
}

func (d *gousbHandle) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	return d.usb.Close()
}
