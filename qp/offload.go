package qp

import (
	"encoding/binary"

	"github.com/run2c/vnet/virtio"
	"golang.org/x/sys/unix"
)

const (
	ethHdrLen     = 14
	vlanTagLen    = 4
	ipv4HdrLenMin = 20
	ipv6HdrLen    = 40
	tcpHdrLenMin  = 20
	udpHdrLen     = 8

	protoTCP = 6
	protoUDP = 17
)

// HardwareFeatures describes which TX offloads the negotiated feature set
// allows this driver to ask the host to perform, per the device's CLI
// surface (csum-offload, tso, ufo).
type HardwareFeatures struct {
	TxChecksumOffload bool
	TxTSO4            bool
	TxUFO             bool
}

// frameHeaders reports the Ethernet and IP header lengths, and the IP
// payload's transport protocol, for a raw Ethernet frame. ok is false when
// the frame is too short or uses an EtherType this driver does not
// recognise (anything other than IPv4/IPv6, with or without a single VLAN
// tag).
func frameHeaders(frame []byte) (ethLen, ipLen int, proto uint8, ok bool) {
	if len(frame) < ethHdrLen+2 {
		return 0, 0, 0, false
	}

	ethLen = ethHdrLen
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType == 0x8100 {
		if len(frame) < ethHdrLen+vlanTagLen+2 {
			return 0, 0, 0, false
		}
		ethLen += vlanTagLen
		etherType = binary.BigEndian.Uint16(frame[ethLen-2 : ethLen])
	}

	switch etherType {
	case 0x0800: // IPv4
		if len(frame) < ethLen+ipv4HdrLenMin {
			return 0, 0, 0, false
		}
		ipLen = int(frame[ethLen]&0x0f) * 4
		if ipLen < ipv4HdrLenMin || len(frame) < ethLen+ipLen {
			return 0, 0, 0, false
		}
		proto = frame[ethLen+9]
	case 0x86dd: // IPv6
		if len(frame) < ethLen+ipv6HdrLen {
			return 0, 0, 0, false
		}
		ipLen = ipv6HdrLen
		proto = frame[ethLen+6]
		// Extension headers are not walked; a frame that uses them simply
		// does not qualify for offload and falls through untouched.
	default:
		return 0, 0, 0, false
	}

	return ethLen, ipLen, proto, true
}

// tcpHeaderLen returns the TCP header length at the given offset, or the
// minimum 20 bytes if the buffer is too short to read the real value.
func tcpHeaderLen(frame []byte, tcpOffset int) int {
	if len(frame) < tcpOffset+14 {
		return tcpHdrLenMin
	}
	dataOffset := int(frame[tcpOffset+12]>>4) * 4
	if dataOffset < tcpHdrLenMin {
		return tcpHdrLenMin
	}
	return dataOffset
}

// BuildNetHdr computes the virtio-net header to prepend to an outgoing
// frame, given the negotiated hardware offload features and the
// interface's configured MTU. Frames this driver cannot classify (unknown
// EtherType, truncated headers) get a zero header: no offload, correct but
// unaccelerated.
func BuildNetHdr(frame []byte, hw HardwareFeatures, mtu int) virtio.NetHdr {
	var hdr virtio.NetHdr

	ethLen, ipLen, proto, ok := frameHeaders(frame)
	if !ok {
		return hdr
	}

	if hw.TxChecksumOffload && (proto == protoTCP || proto == protoUDP) {
		hdr.Flags = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
		hdr.CsumStart = uint16(ethLen + ipLen)
		if proto == protoTCP {
			hdr.CsumOffset = 16
		} else {
			hdr.CsumOffset = 6
		}
	}

	if len(frame) <= mtu+ethLen {
		return hdr
	}

	switch {
	case proto == protoTCP && hw.TxTSO4:
		l4Len := tcpHeaderLen(frame, ethLen+ipLen)
		hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
		hdr.HdrLen = uint16(ethLen + ipLen + l4Len)
		hdr.GSOSize = uint16(mtu - ipLen - l4Len)
	case proto == protoUDP && hw.TxUFO:
		hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_UDP
		hdr.HdrLen = uint16(ethLen + ipLen + udpHdrLen)
		hdr.GSOSize = uint16(mtu - ipLen - udpHdrLen)
	}

	return hdr
}
