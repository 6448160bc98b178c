package thermapp

import (
	"errors"

	"github.com/banshee-data/thermcap/internal/usbdev"
)

// Session lifecycle errors.
var (
	// ErrAllocation is returned by Open when capture buffers cannot be
	// sized or allocated for the requested layout.
	ErrAllocation = errors.New("failed to allocate capture buffers")

	ErrDeviceNotFound = usbdev.ErrDeviceNotFound
	ErrConfiguration  = usbdev.ErrConfiguration
	ErrInterfaceClaim = usbdev.ErrInterfaceClaim

	// ErrStartStreaming is returned when the driving loop cannot be
	// started, which happens when the session is not connected.
	ErrStartStreaming = errors.New("failed to start streaming")

	// ErrStreamEnded is returned by FetchFrame once both transfer channels
	// have been torn down, whether by error or by Close.
	ErrStreamEnded = errors.New("stream ended")

	// ErrClosed is returned by lifecycle operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// TransferStatus classifies how a transfer finished.
type TransferStatus int

const (
	StatusCompleted TransferStatus = iota
	StatusError
	StatusNoDevice
	StatusCancelled
	StatusSubmitFailed
)

func (s TransferStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusNoDevice:
		return "no-device"
	case StatusCancelled:
		return "cancelled"
	case StatusSubmitFailed:
		return "submit-failed"
	default:
		return "unknown"
	}
}

// statusOf maps a transport error to a TransferStatus.
func statusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return StatusCompleted
	case usbdev.IsCancelled(err):
		return StatusCancelled
	case errors.Is(err, usbdev.ErrNoDevice), errors.Is(err, usbdev.ErrClosed):
		return StatusNoDevice
	case errors.Is(err, usbdev.ErrSubmit):
		return StatusSubmitFailed
	default:
		return StatusError
	}
}
