package qp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func ipv4TCPFrame(payloadLen int) []byte {
	frame := make([]byte, 14+20+20+payloadLen)
	// EtherType IPv4
	frame[12] = 0x08
	frame[13] = 0x00
	// IP version 4, header length 20 bytes (IHL=5)
	frame[14] = 0x45
	// Protocol TCP
	frame[14+9] = 6
	return frame
}

func ipv4UDPFrame(payloadLen int) []byte {
	frame := make([]byte, 14+20+8+payloadLen)
	frame[12] = 0x08
	frame[13] = 0x00
	frame[14] = 0x45
	frame[14+9] = 17
	return frame
}

func TestBuildNetHdr_TCPChecksumOffload(t *testing.T) {
	frame := ipv4TCPFrame(10)
	hdr := BuildNetHdr(frame, HardwareFeatures{TxChecksumOffload: true}, 1500)

	assert.Equal(t, uint8(unix.VIRTIO_NET_HDR_F_NEEDS_CSUM), hdr.Flags)
	assert.EqualValues(t, 14+20, hdr.CsumStart)
	assert.EqualValues(t, 16, hdr.CsumOffset)
}

func TestBuildNetHdr_UDPChecksumOffload(t *testing.T) {
	frame := ipv4UDPFrame(10)
	hdr := BuildNetHdr(frame, HardwareFeatures{TxChecksumOffload: true}, 1500)

	assert.Equal(t, uint8(unix.VIRTIO_NET_HDR_F_NEEDS_CSUM), hdr.Flags)
	assert.EqualValues(t, 6, hdr.CsumOffset)
}

func TestBuildNetHdr_NoOffloadWhenFeatureDisabled(t *testing.T) {
	frame := ipv4TCPFrame(10)
	hdr := BuildNetHdr(frame, HardwareFeatures{}, 1500)

	assert.Zero(t, hdr.Flags)
	assert.Zero(t, hdr.GSOType)
}

func TestBuildNetHdr_TSOAppliesOnlyWhenOverMTU(t *testing.T) {
	small := ipv4TCPFrame(10)
	hdr := BuildNetHdr(small, HardwareFeatures{TxTSO4: true}, 1500)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_NONE, hdr.GSOType)

	large := ipv4TCPFrame(3000)
	hdr = BuildNetHdr(large, HardwareFeatures{TxTSO4: true}, 1500)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_TCPV4, hdr.GSOType)
	assert.EqualValues(t, 14+20+20, hdr.HdrLen)
}

func TestBuildNetHdr_UFOAppliesOnlyWhenOverMTU(t *testing.T) {
	large := ipv4UDPFrame(3000)
	hdr := BuildNetHdr(large, HardwareFeatures{TxUFO: true}, 1500)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_UDP, hdr.GSOType)
	assert.EqualValues(t, 14+20+8, hdr.HdrLen)
}

func TestBuildNetHdr_UnknownEtherTypeGetsZeroHeader(t *testing.T) {
	frame := make([]byte, 64)
	frame[12] = 0x88
	frame[13] = 0xcc // LLDP, not handled
	hdr := BuildNetHdr(frame, HardwareFeatures{TxChecksumOffload: true, TxTSO4: true}, 1500)
	assert.Zero(t, hdr.Flags)
	assert.Zero(t, hdr.GSOType)
}

func TestBuildNetHdr_TruncatedFrameGetsZeroHeader(t *testing.T) {
	frame := make([]byte, 4)
	hdr := BuildNetHdr(frame, HardwareFeatures{TxChecksumOffload: true}, 1500)
	assert.Zero(t, hdr.Flags)
}
