package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// BroadcastAddr is the rendering of the 802.15.4 short broadcast
// address 0xffff.
const BroadcastAddr = "broadcast"

// MAC frame types.
const (
	FrameBeacon  = 0x0
	FrameData    = 0x1
	FrameAck     = 0x2
	FrameCommand = 0x3
)

// Addressing modes.
const (
	addrNone  = 0x0
	addrShort = 0x2
	addrLong  = 0x3
)

var (
	// ErrNotData marks frames that are not unsecured data frames with
	// both addresses present. They carry nothing for the dashboard.
	ErrNotData = errors.New("not an unsecured data frame")

	// ErrMalformed marks frames whose contents do not parse.
	ErrMalformed = errors.New("malformed frame")
)

// MACHeader is the decoded 802.15.4 MAC header.
type MACHeader struct {
	FrameType uint8
	Secured   bool
	Dst       string
	Src       string

	// Len is the header length; the payload starts here.
	Len int
}

// ParseMAC decodes the MAC header of an 802.15.4 frame. Only unsecured
// data frames are decoded in full; everything else yields ErrNotData.
func ParseMAC(b []byte) (MACHeader, error) {
	if len(b) < 3 {
		return MACHeader{}, fmt.Errorf("%w: %d byte frame", ErrMalformed, len(b))
	}
	fcf := binary.LittleEndian.Uint16(b[:2])
	h := MACHeader{
		FrameType: uint8(fcf & 0x0007),
		Secured:   fcf&0x0008 != 0,
		Len:       3, // FCF + sequence number
	}
	if h.FrameType != FrameData || h.Secured {
		return h, ErrNotData
	}

	panCompression := fcf&0x0040 != 0
	dstMode := (fcf & 0x0c00) >> 10
	srcMode := (fcf & 0xc000) >> 14

	var err error
	if dstMode != addrNone {
		h.Len += 2 // destination PAN
		if h.Dst, err = readAddr(b, &h.Len, dstMode); err != nil {
			return h, err
		}
	}
	if !panCompression {
		h.Len += 2 // source PAN
	}
	if srcMode != addrNone {
		if h.Src, err = readAddr(b, &h.Len, srcMode); err != nil {
			return h, err
		}
	}

	if h.Dst == "" || h.Src == "" {
		return h, ErrNotData
	}
	return h, nil
}

// readAddr decodes a little-endian short or long address at *off and
// advances *off past it.
func readAddr(b []byte, off *int, mode uint16) (string, error) {
	switch mode {
	case addrShort:
		if len(b) < *off+2 {
			return "", fmt.Errorf("%w: truncated short address", ErrMalformed)
		}
		v := binary.LittleEndian.Uint16(b[*off:])
		*off += 2
		if v == 0xffff {
			return BroadcastAddr, nil
		}
		return FormatAddr(binary.BigEndian.AppendUint16(nil, v)), nil
	case addrLong:
		if len(b) < *off+8 {
			return "", fmt.Errorf("%w: truncated long address", ErrMalformed)
		}
		v := binary.LittleEndian.Uint64(b[*off:])
		*off += 8
		return FormatAddr(binary.BigEndian.AppendUint64(nil, v)), nil
	default:
		return "", fmt.Errorf("%w: reserved addressing mode %d", ErrMalformed, mode)
	}
}

// FormatAddr renders address bytes most significant first as
// colon-separated hex, e.g. "02:1a".
func FormatAddr(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ":")
}
