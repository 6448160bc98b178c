//go:build !pcap
// +build !pcap

package usbdev

import "fmt"

// OpenUSBCapture is a stub implementation when PCAP support is disabled.
// Build with -tags=pcap to enable usbmon capture replay.
func OpenUSBCapture(path string, spec DeviceSpec) (CaptureReader, error) {
	return nil, fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to replay %s", path)
}
