// Package proto holds the tag <-> access point wire format: 802.15.4 MAC
// framing, the fixed-layout payload structs and their additive checksums.
//
// Every decoder works on a byte slice and checks the length before reading a
// field; nothing here relies on struct memory layout.
package proto

import (
	"errors"
	"fmt"
)

// PANID is the personal-area network id every tag and access point share.
const PANID uint16 = 0x4447

// Frame type bytes, sent right after the MAC header.
const (
	TypeBlockRequest    byte = 0xE4
	TypeAvailDataReq    byte = 0xE5
	TypeAvailDataInfo   byte = 0xE6
	TypeBlockPart       byte = 0xE8
	TypeBlockRequestAck byte = 0xE9
	TypeXferComplete    byte = 0xEA
	TypeXferCompleteAck byte = 0xEB
	TypePing            byte = 0xED
	TypePong            byte = 0xEE
)

// Block transfer geometry.
const (
	PartDataSize    = 99
	PartsPerBlock   = 42
	BlockSize       = 4096 // content bytes carried by one block
	BlockHeaderSize = 4    // BlockData header: size u16 + checksum u16
	BlockBufferSize = BlockHeaderSize + BlockSize
	PartsBitmapLen  = 6
)

// Tag identity and capability constants.
const (
	HWType                     uint8  = 0x35
	CapabilitySupportsCompress uint8  = 0x02
	DefaultSoftwareVersion     uint16 = 0x0100
)

// MaxFrameLen is the largest 802.15.4 PHY payload.
const MaxFrameLen = 127

var (
	ErrShortFrame = errors.New("proto: frame too short")
	ErrChecksum   = errors.New("proto: checksum mismatch")
	ErrFrameType  = errors.New("proto: unexpected frame type")
	ErrHeader     = errors.New("proto: unsupported MAC header")
)

// Checksum returns the additive checksum of a payload: the low 8 bits of the
// sum of every byte after the checksum byte itself.
func Checksum(payload []byte) byte {
	var sum byte
	if len(payload) < 2 {
		return 0
	}
	for _, b := range payload[1:] {
		sum += b
	}
	return sum
}

// seal stores the checksum in payload[0].
func seal(payload []byte) []byte {
	payload[0] = Checksum(payload)
	return payload
}

// verify checks that b holds at least n bytes and that the first n bytes
// carry a valid checksum. Trailing bytes past n are ignored.
func verify(b []byte, n int, what string) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortFrame, what, n, len(b))
	}
	if b[0] != Checksum(b[:n]) {
		return fmt.Errorf("%w: %s", ErrChecksum, what)
	}
	return nil
}
