// Package usbdev abstracts the USB bulk endpoints a capture session talks to.
// The real implementation is backed by libusb through gousb; tests and
// offline replay use the in-process implementations in this package.
package usbdev

import (
	"context"
	"fmt"
)

// DeviceSpec identifies a device and the endpoints used for streaming.
type DeviceSpec struct {
	VendorID      uint16
	ProductID     uint16
	Configuration int
	Interface     int
	AltSetting    int
	InEndpoint    int
	OutEndpoint   int
}

func (s DeviceSpec) String() string {
	return fmt.Sprintf("%04x:%04x cfg=%d if=%d.%d in=%d out=%d",
		s.VendorID, s.ProductID, s.Configuration, s.Interface, s.AltSetting, s.InEndpoint, s.OutEndpoint)
}

// Transport is an open device with one bulk-in and one bulk-out endpoint.
//
// ReadBulk and WriteBulk each perform a single transfer and block until it
// completes, fails, or ctx is cancelled. They may be called concurrently with
// each other but not with themselves.
type Transport interface {
	// ReadBulk fills p from the bulk-in endpoint and returns the number of
	// bytes the device delivered.
	ReadBulk(ctx context.Context, p []byte) (int, error)
	// WriteBulk sends p to the bulk-out endpoint.
	WriteBulk(ctx context.Context, p []byte) (int, error)
	// Close releases the interface and the device handle.
	Close() error
}

// Opener locates and opens a device.
// This abstraction enables dependency injection of device access.
type Opener interface {
	// Open finds the device described by spec, selects its configuration and
	// claims the streaming interface.
	Open(spec DeviceSpec) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(spec DeviceSpec) (Transport, error)

// Open calls f(spec).
func (f OpenerFunc) Open(spec DeviceSpec) (Transport, error) {
	return f(spec)
}
