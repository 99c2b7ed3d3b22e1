package source

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/xerror"
)

func buildUDPPacket(t *testing.T, startTime uint64, subband uint32, payload []byte) []byte {
	t.Helper()

	body := make([]byte, udpFrameHeaderSize+len(payload))
	binary.BigEndian.PutUint64(body[0:8], startTime)
	binary.BigEndian.PutUint32(body[8:12], subband)
	copy(body[udpFrameHeaderSize:], payload)

	eth := &layers.Ethernet{
		SrcMAC:       xerror.Unwrap(net.ParseMAC("00:01:02:03:04:05")),
		DstMAC:       xerror.Unwrap(net.ParseMAC("06:07:08:09:0a:0b")),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 4001, DstPort: 4002}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(body)))

	return buf.Bytes()
}

type fakePacketDataSource struct {
	packets [][]byte
	errs    []error
	idx     int
}

func (f *fakePacketDataSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	i := f.idx
	f.idx++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, gopacket.CaptureInfo{}, f.errs[i]
	}
	if i >= len(f.packets) {
		return nil, gopacket.CaptureInfo{}, errors.New("no more packets")
	}
	return f.packets[i], gopacket.CaptureInfo{}, nil
}

func Test_UDPFrameSourceDecodesFrame(t *testing.T) {
	raw := buildUDPPacket(t, 12345, 3, []byte{0xAA, 0xBB, 0xCC})
	src := &fakePacketDataSource{packets: [][]byte{raw}}

	reader := NewUDPFrameSource(src)
	frame, err := reader.ReadFrame(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(12345), frame.StartTime)
	assert.Equal(t, uint32(3), frame.Subband)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, frame.Data)
}

func Test_UDPFrameSourceSkipsMalformedPackets(t *testing.T) {
	good := buildUDPPacket(t, 1, 0, []byte{0x01})
	src := &fakePacketDataSource{packets: [][]byte{{0x00, 0x01, 0x02}, good}}

	reader := NewUDPFrameSource(src)
	frame, err := reader.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.StartTime)
}

func Test_UDPFrameSourceGivesUpAfterRetries(t *testing.T) {
	src := &fakePacketDataSource{
		errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"), errors.New("e5")},
	}

	reader := NewUDPFrameSource(src)
	_, err := reader.ReadFrame(context.Background())
	assert.Error(t, err)
}
