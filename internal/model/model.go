package model

import "fmt"

// DataType is the content-type tag the access point attaches to a check-in
// reply.
type DataType uint8

const (
	DataTypeNone        DataType = 0x00
	DataTypeFirmware    DataType = 0x03
	DataTypeImageSingle DataType = 0x20 // black/white plane only
	DataTypeImageDual   DataType = 0x21 // black/white plane followed by red plane
)

func (t DataType) String() string {
	switch t {
	case DataTypeNone:
		return "none"
	case DataTypeFirmware:
		return "firmware"
	case DataTypeImageSingle:
		return "image-1bpp"
	case DataTypeImageDual:
		return "image-2bpp"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// IsImage reports whether the content is something the image pipeline can
// stream to the panel.
func (t DataType) IsImage() bool {
	return t == DataTypeImageSingle || t == DataTypeImageDual
}

// CheckInResult is what the access point told us during one check-in.
// It is created per check-in and never mutated afterwards.
type CheckInResult struct {
	Version     uint64   `json:"version"`
	Size        uint32   `json:"size"`
	Type        DataType `json:"type"`
	TypeArg     uint8    `json:"type_arg"`
	NextCheckIn uint16   `json:"next_checkin_min"` // minutes, 0 = use local schedule
}

// HasUpdate reports whether the reply carries any content.
func (r CheckInResult) HasUpdate() bool {
	return r.Type != DataTypeNone && r.Size > 0
}

// Plane selects one of the two cached bitplanes.
type Plane int

const (
	PlaneBW Plane = iota
	PlaneRed
)

func (p Plane) String() string {
	if p == PlaneRed {
		return "red"
	}
	return "bw"
}

// WakeReason is reported to the access point in every check-in.
type WakeReason uint8

const (
	WakeTimed       WakeReason = 0x00
	WakeFirstBoot   WakeReason = 0xFC
	WakeNetworkScan WakeReason = 0xFD
)
