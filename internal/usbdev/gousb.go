package usbdev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/banshee-data/thermcap/internal/monitoring"
)

// GousbOpener opens devices through libusb using gousb.
type GousbOpener struct {
	// Debug is the libusb debug level (0 disables libusb logging).
	Debug int
	// AutoDetach detaches a kernel driver bound to the interface before
	// claiming it and reattaches it on close.
	AutoDetach bool
}

// NewGousbOpener returns an opener with libusb logging disabled.
func NewGousbOpener() *GousbOpener {
	return &GousbOpener{}
}

// Open implements Opener.
func (o *GousbOpener) Open(spec DeviceSpec) (Transport, error) {
	ctx := gousb.NewContext()
	ctx.Debug(o.Debug)

	t := &GousbTransport{ctx: ctx}
	fail := func(kind error, err error) (Transport, error) {
		if cerr := t.Close(); cerr != nil {
			monitoring.Logf("usbdev: cleanup after failed open: %v", cerr)
		}
		if err == nil {
			return nil, fmt.Errorf("%w: %s", kind, spec)
		}
		return nil, fmt.Errorf("%w: %s: %v", kind, spec, err)
	}

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(spec.VendorID), gousb.ID(spec.ProductID))
	if err != nil {
		return fail(ErrDeviceNotFound, err)
	}
	if dev == nil {
		return fail(ErrDeviceNotFound, nil)
	}
	t.dev = dev

	if o.AutoDetach {
		if err := dev.SetAutoDetach(true); err != nil {
			monitoring.Logf("usbdev: enabling kernel driver auto-detach: %v", err)
		}
	}

	cfg, err := dev.Config(spec.Configuration)
	if err != nil {
		return fail(ErrConfiguration, err)
	}
	t.cfg = cfg

	intf, err := cfg.Interface(spec.Interface, spec.AltSetting)
	if err != nil {
		return fail(ErrInterfaceClaim, err)
	}
	t.intf = intf

	in, err := intf.InEndpoint(spec.InEndpoint)
	if err != nil {
		return fail(ErrConfiguration, err)
	}
	out, err := intf.OutEndpoint(spec.OutEndpoint)
	if err != nil {
		return fail(ErrConfiguration, err)
	}
	t.in = in
	t.out = out

	monitoring.Logf("usbdev: opened %s", spec)
	return t, nil
}

// GousbTransport is a Transport over a claimed libusb interface.
type GousbTransport struct {
	mu     sync.Mutex
	closed bool

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// ReadBulk implements Transport.
func (t *GousbTransport) ReadBulk(ctx context.Context, p []byte) (int, error) {
	n, err := t.in.ReadContext(ctx, p)
	return n, classify(ctx, err)
}

// WriteBulk implements Transport.
func (t *GousbTransport) WriteBulk(ctx context.Context, p []byte) (int, error) {
	n, err := t.out.WriteContext(ctx, p)
	return n, classify(ctx, err)
}

// Close releases the interface, the configuration, the device and the libusb
// context, in that order. Resources that were never acquired are skipped.
func (t *GousbTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		if err := t.cfg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release configuration: %w", err))
		}
	}
	if t.dev != nil {
		if err := t.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
	}
	if t.ctx != nil {
		if err := t.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close libusb context: %w", err))
		}
	}
	return errors.Join(errs...)
}

// classify maps gousb errors onto the package's transfer errors.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	var status gousb.TransferStatus
	if errors.As(err, &status) {
		switch status {
		case gousb.TransferCancelled:
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		case gousb.TransferNoDevice:
			return fmt.Errorf("%w: %v", ErrNoDevice, err)
		default:
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
	}

	var uerr gousb.Error
	if errors.As(err, &uerr) {
		if uerr == gousb.ErrorNoDevice {
			return fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}

	if IsCancelled(err) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return fmt.Errorf("%w: %v", ErrTransfer, err)
}
