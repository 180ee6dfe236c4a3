package proto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// MAC is an 8-byte extended 802.15.4 address.
type MAC [8]byte

// BroadcastMAC is the placeholder peer used before a scan has found an
// access point.
var BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (m MAC) String() string {
	parts := make([]string, len(m))
	for i, b := range m {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// IsBroadcast reports whether m is the all-ones placeholder.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// ParseMAC accepts "0011223344556677" or colon/dash separated hex.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return m, fmt.Errorf("proto: bad MAC %q: %w", s, err)
	}
	if len(raw) != len(m) {
		return m, fmt.Errorf("proto: bad MAC %q: want 8 bytes, got %d", s, len(raw))
	}
	copy(m[:], raw)
	return m, nil
}

// MAC header layouts.
const (
	BroadcastHeaderLen = 17
	UnicastHeaderLen   = 21
)

var (
	fcsBroadcast = [2]byte{0x01, 0xC8}
	fcsUnicast   = [2]byte{0x41, 0xCC}
)

// Frame is one decoded radio frame: MAC header fields, the type byte and the
// raw payload that follows it.
type Frame struct {
	Seq       uint8
	Broadcast bool
	PAN       uint16
	Dst       MAC
	Src       MAC
	Type      byte
	Payload   []byte
}

// EncodeBroadcast builds a frame addressed to every device on the PAN.
func EncodeBroadcast(seq uint8, src MAC, typ byte, payload []byte) []byte {
	b := make([]byte, 0, BroadcastHeaderLen+1+len(payload))
	b = append(b, fcsBroadcast[0], fcsBroadcast[1], seq)
	b = binary.LittleEndian.AppendUint16(b, PANID)
	b = append(b, 0xFF, 0xFF)
	b = binary.LittleEndian.AppendUint16(b, PANID)
	b = append(b, src[:]...)
	b = append(b, typ)
	return append(b, payload...)
}

// EncodeUnicast builds a frame addressed to one peer.
func EncodeUnicast(seq uint8, dst, src MAC, typ byte, payload []byte) []byte {
	b := make([]byte, 0, UnicastHeaderLen+1+len(payload))
	b = append(b, fcsUnicast[0], fcsUnicast[1], seq)
	b = binary.LittleEndian.AppendUint16(b, PANID)
	b = append(b, dst[:]...)
	b = append(b, src[:]...)
	b = append(b, typ)
	return append(b, payload...)
}

// ParseFrame decodes the MAC header of b. The returned Payload aliases b.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < 2 {
		return f, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	switch {
	case b[0] == fcsBroadcast[0] && b[1] == fcsBroadcast[1]:
		if len(b) < BroadcastHeaderLen+1 {
			return f, fmt.Errorf("%w: broadcast frame of %d bytes", ErrShortFrame, len(b))
		}
		f.Broadcast = true
		f.Seq = b[2]
		// b[3:5] is the destination PAN, b[5:7] the 0xFFFF short address.
		f.PAN = binary.LittleEndian.Uint16(b[7:9])
		f.Dst = BroadcastMAC
		copy(f.Src[:], b[9:17])
		f.Type = b[BroadcastHeaderLen]
		f.Payload = b[BroadcastHeaderLen+1:]
	case b[0] == fcsUnicast[0] && b[1] == fcsUnicast[1]:
		if len(b) < UnicastHeaderLen+1 {
			return f, fmt.Errorf("%w: unicast frame of %d bytes", ErrShortFrame, len(b))
		}
		f.Seq = b[2]
		f.PAN = binary.LittleEndian.Uint16(b[3:5])
		copy(f.Dst[:], b[5:13])
		copy(f.Src[:], b[13:21])
		f.Type = b[UnicastHeaderLen]
		f.Payload = b[UnicastHeaderLen+1:]
	default:
		return f, fmt.Errorf("%w: fcs %02x %02x", ErrHeader, b[0], b[1])
	}
	return f, nil
}
