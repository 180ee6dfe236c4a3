package proto

import (
	"encoding/binary"
	"fmt"
)

// Payload sizes, checksum byte included.
const (
	AvailDataReqLen    = 21
	AvailDataInfoLen   = 17
	BlockRequestLen    = 17
	BlockRequestAckLen = 3
	BlockPartLen       = 3 + PartDataSize
	AddressPayloadLen  = 8
)

// AvailDataReq is the tag's check-in: identity, telemetry and link quality.
type AvailDataReq struct {
	LastLQI      uint8
	LastRSSI     int8
	Temperature  int8
	BatteryMv    uint16
	HWType       uint8
	WakeReason   uint8
	Capabilities uint8
	SWVersion    uint16
	Channel      uint8
	CustomMode   uint8
}

func (r AvailDataReq) Marshal() []byte {
	b := make([]byte, AvailDataReqLen)
	b[1] = r.LastLQI
	b[2] = byte(r.LastRSSI)
	b[3] = byte(r.Temperature)
	binary.LittleEndian.PutUint16(b[4:6], r.BatteryMv)
	b[6] = r.HWType
	b[7] = r.WakeReason
	b[8] = r.Capabilities
	binary.LittleEndian.PutUint16(b[9:11], r.SWVersion)
	b[11] = r.Channel
	b[12] = r.CustomMode
	// b[13:21] reserved, zero
	return seal(b)
}

func DecodeAvailDataReq(b []byte) (AvailDataReq, error) {
	if err := verify(b, AvailDataReqLen, "AvailDataReq"); err != nil {
		return AvailDataReq{}, err
	}
	return AvailDataReq{
		LastLQI:      b[1],
		LastRSSI:     int8(b[2]),
		Temperature:  int8(b[3]),
		BatteryMv:    binary.LittleEndian.Uint16(b[4:6]),
		HWType:       b[6],
		WakeReason:   b[7],
		Capabilities: b[8],
		SWVersion:    binary.LittleEndian.Uint16(b[9:11]),
		Channel:      b[11],
		CustomMode:   b[12],
	}, nil
}

// AvailDataInfo is the access point's answer to a check-in.
type AvailDataInfo struct {
	DataVersion uint64
	DataSize    uint32
	DataType    uint8
	DataTypeArg uint8
	NextCheckIn uint16
}

func (i AvailDataInfo) Marshal() []byte {
	b := make([]byte, AvailDataInfoLen)
	binary.LittleEndian.PutUint64(b[1:9], i.DataVersion)
	binary.LittleEndian.PutUint32(b[9:13], i.DataSize)
	b[13] = i.DataType
	b[14] = i.DataTypeArg
	binary.LittleEndian.PutUint16(b[15:17], i.NextCheckIn)
	return seal(b)
}

func DecodeAvailDataInfo(b []byte) (AvailDataInfo, error) {
	if err := verify(b, AvailDataInfoLen, "AvailDataInfo"); err != nil {
		return AvailDataInfo{}, err
	}
	return AvailDataInfo{
		DataVersion: binary.LittleEndian.Uint64(b[1:9]),
		DataSize:    binary.LittleEndian.Uint32(b[9:13]),
		DataType:    b[13],
		DataTypeArg: b[14],
		NextCheckIn: binary.LittleEndian.Uint16(b[15:17]),
	}, nil
}

// BlockRequest asks for the parts of one block that are still missing.
type BlockRequest struct {
	Version uint64
	BlockID uint8
	Type    uint8
	Parts   Parts // bit set = please send this part
}

func (r BlockRequest) Marshal() []byte {
	b := make([]byte, BlockRequestLen)
	binary.LittleEndian.PutUint64(b[1:9], r.Version)
	b[9] = r.BlockID
	b[10] = r.Type
	copy(b[11:17], r.Parts[:])
	return seal(b)
}

func DecodeBlockRequest(b []byte) (BlockRequest, error) {
	if err := verify(b, BlockRequestLen, "BlockRequest"); err != nil {
		return BlockRequest{}, err
	}
	r := BlockRequest{
		Version: binary.LittleEndian.Uint64(b[1:9]),
		BlockID: b[9],
		Type:    b[10],
	}
	copy(r.Parts[:], b[11:17])
	return r, nil
}

// BlockRequestAck may ask the tag to wait before listening for parts.
type BlockRequestAck struct {
	PleaseWaitMs uint16
}

func (a BlockRequestAck) Marshal() []byte {
	b := make([]byte, BlockRequestAckLen)
	binary.LittleEndian.PutUint16(b[1:3], a.PleaseWaitMs)
	return seal(b)
}

func DecodeBlockRequestAck(b []byte) (BlockRequestAck, error) {
	if err := verify(b, BlockRequestAckLen, "BlockRequestAck"); err != nil {
		return BlockRequestAck{}, err
	}
	return BlockRequestAck{PleaseWaitMs: binary.LittleEndian.Uint16(b[1:3])}, nil
}

// BlockPart carries up to 99 bytes of one block. The last part of a block
// may arrive short; Data is zero past what was received.
type BlockPart struct {
	BlockID uint8
	Index   uint8
	Data    [PartDataSize]byte
}

func (p BlockPart) Marshal() []byte {
	b := make([]byte, BlockPartLen)
	b[1] = p.BlockID
	b[2] = p.Index
	copy(b[3:], p.Data[:])
	return seal(b)
}

func DecodeBlockPart(b []byte) (BlockPart, error) {
	n := min(len(b), BlockPartLen)
	if err := verify(b, max(n, 3), "BlockPart"); err != nil {
		return BlockPart{}, err
	}
	p := BlockPart{BlockID: b[1], Index: b[2]}
	if int(p.Index) >= PartsPerBlock {
		return BlockPart{}, fmt.Errorf("proto: part index %d out of range", p.Index)
	}
	copy(p.Data[:], b[3:n])
	return p, nil
}

// EncodeAddress is the payload of Ping, Pong and XferComplete frames.
func EncodeAddress(m MAC) []byte {
	b := make([]byte, AddressPayloadLen)
	copy(b, m[:])
	return b
}

func DecodeAddress(b []byte) (MAC, error) {
	var m MAC
	if len(b) < AddressPayloadLen {
		return m, fmt.Errorf("%w: address payload of %d bytes", ErrShortFrame, len(b))
	}
	copy(m[:], b[:AddressPayloadLen])
	return m, nil
}

// BlockHeader precedes the content bytes inside every reassembled block.
type BlockHeader struct {
	Size     uint16
	Checksum uint16
}

func DecodeBlockHeader(b []byte) (BlockHeader, error) {
	if len(b) < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("%w: block header", ErrShortFrame)
	}
	return BlockHeader{
		Size:     binary.LittleEndian.Uint16(b[0:2]),
		Checksum: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// PutBlockHeader writes h into the first four bytes of b.
func PutBlockHeader(b []byte, h BlockHeader) {
	binary.LittleEndian.PutUint16(b[0:2], h.Size)
	binary.LittleEndian.PutUint16(b[2:4], h.Checksum)
}

// DataChecksum is the 16-bit sum used in BlockHeader.Checksum.
func DataChecksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}
