//go:build pcap
// +build pcap

package usbdev

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/thermcap/internal/monitoring"
)

// OpenUSBCapture opens a usbmon capture file (as written by tcpdump or
// Wireshark on a usbmonN interface) and returns the bulk-in completions of
// spec's inbound endpoint. Other traffic on the bus is skipped.
// This function is only available when building with the 'pcap' build tag.
func OpenUSBCapture(path string, spec DeviceSpec) (CaptureReader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	if handle.LinkType() != layers.LinkTypeLinuxUSB {
		monitoring.Logf("usbdev: capture %s has link type %v, decoding as usbmon anyway", path, handle.LinkType())
	}

	return &usbmonReader{
		handle: handle,
		source: gopacket.NewPacketSource(handle, layers.LinkTypeLinuxUSB),
		ep:     uint8(spec.InEndpoint),
		path:   path,
	}, nil
}

type usbmonReader struct {
	handle  *pcap.Handle
	source  *gopacket.PacketSource
	ep      uint8
	path    string
	seen    int
	matched int
}

// Next implements CaptureReader.
func (r *usbmonReader) Next() (*CapturePacket, error) {
	for {
		packet, err := r.source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("usbdev: capture %s complete: %d packets, %d bulk-in completions", r.path, r.seen, r.matched)
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("reading capture %s: %w", r.path, err)
		}
		r.seen++

		usbLayer := packet.Layer(layers.LayerTypeUSB)
		if usbLayer == nil {
			continue
		}
		usb, ok := usbLayer.(*layers.USB)
		if !ok {
			continue
		}
		if usb.EventType != layers.USBEventTypeComplete ||
			usb.TransferType != layers.USBTransportTypeBulk ||
			usb.Direction != layers.USBDirectionTypeIn ||
			usb.EndpointNumber != r.ep ||
			usb.Status != 0 {
			continue
		}
		if len(usb.Payload) == 0 {
			continue
		}

		r.matched++
		data := make([]byte, len(usb.Payload))
		copy(data, usb.Payload)
		return &CapturePacket{Data: data, Timestamp: packet.Metadata().Timestamp}, nil
	}
}

// Close implements CaptureReader.
func (r *usbmonReader) Close() error {
	r.handle.Close()
	return nil
}
