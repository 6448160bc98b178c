package usbdev

import (
	"context"
	"errors"
)

// Open errors. Each is fatal to connecting; the caller must start over.
var (
	ErrDeviceNotFound = errors.New("usb device not found")
	ErrConfiguration  = errors.New("failed to set usb configuration")
	ErrInterfaceClaim = errors.New("failed to claim usb interface")
)

// Transfer errors, returned wrapped by Transport implementations.
var (
	// ErrTransfer is a failed transfer (stall, overflow, I/O error).
	ErrTransfer = errors.New("usb transfer failed")
	// ErrNoDevice means the device went away.
	ErrNoDevice = errors.New("usb device disconnected")
	// ErrCancelled means the transfer was cancelled before completing.
	ErrCancelled = errors.New("usb transfer cancelled")
	// ErrSubmit means the transfer could not be submitted at all.
	ErrSubmit = errors.New("usb transfer submission failed")
	// ErrClosed is returned by a transport after Close.
	ErrClosed = errors.New("usb transport closed")
)

// IsCancelled reports whether err describes a cancelled transfer, either
// through ErrCancelled or a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
