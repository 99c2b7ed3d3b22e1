package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const udpFrameHeaderSize = 8 + 4 // startTime + subband

// UDPFrameSource decodes Ethernet/IPv4/UDP frames off a raw capture
// handle and interprets each UDP payload as (startTime uint64 BE,
// subband uint32 BE, sample data...). It accepts any
// gopacket.PacketDataSource so the caller chooses the capture backend
// (AF_PACKET, an offline pcap file, a test fixture) without this package
// depending on a specific one (§6).
type UDPFrameSource struct {
	capture gopacket.PacketDataSource
}

// NewUDPFrameSource wraps an already-open packet capture handle.
func NewUDPFrameSource(capture gopacket.PacketDataSource) *UDPFrameSource {
	return &UDPFrameSource{capture: capture}
}

// ReadFrame reads packets until it decodes one carrying a well-formed
// frame header, retrying transient capture read errors with bounded
// exponential backoff before giving up.
func (r *UDPFrameSource) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		reconnectBackoff := backoff.NewExponentialBackOff()
		reconnectBackoff.InitialInterval = 10 * time.Millisecond
		reconnectBackoff.MaxInterval = 200 * time.Millisecond

		raw, err := backoff.Retry(ctx, r.readOnePacket,
			backoff.WithBackOff(reconnectBackoff),
			backoff.WithMaxTries(5),
		)
		if err != nil {
			return Frame{}, fmt.Errorf("udp: capture read failed after retries: %w", err)
		}

		frame, ok := decodeFrame(raw)
		if !ok {
			continue
		}
		return frame, nil
	}
}

func (r *UDPFrameSource) readOnePacket() ([]byte, error) {
	data, _, err := r.capture.ReadPacketData()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// decodeFrame decodes an Ethernet/IPv4/UDP packet and interprets its
// payload as a frame. It reports false for anything that isn't a
// well-formed UDP packet carrying at least a frame header.
func decodeFrame(raw []byte) (Frame, bool) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.NoCopy)

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return Frame{}, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return Frame{}, false
	}

	payload := udp.Payload
	if len(payload) < udpFrameHeaderSize {
		return Frame{}, false
	}

	startTime := binary.BigEndian.Uint64(payload[0:8])
	subband := binary.BigEndian.Uint32(payload[8:12])
	data := make([]byte, len(payload)-udpFrameHeaderSize)
	copy(data, payload[udpFrameHeaderSize:])

	return Frame{StartTime: startTime, Subband: subband, Data: data}, true
}

// Close is a no-op; the caller owns the capture handle's lifecycle.
func (r *UDPFrameSource) Close() error {
	return nil
}
