package convert

import (
	"context"
	"fmt"

	"epdtag/internal/model"
)

// 4bpp pixel codes understood by the UC8159.
const (
	PixelBlack = 0x0
	PixelWhite = 0x3
	PixelRed   = 0x4

	// BackgroundByte is two white pixels.
	BackgroundByte = PixelWhite<<4 | PixelWhite
)

// ByteSource reads plane bytes by content offset. *cache.Cache implements it.
type ByteSource interface {
	GetBytes(ctx context.Context, plane model.Plane, offset int, out []byte) error
}

// RowSink takes one converted row at a time, in increasing row order.
type RowSink interface {
	StreamRow(row []byte) error
}

// IsDualPlane reports whether info carries a red plane. The size must hold
// both planes in full; anything shorter is streamed as black/white only.
func IsDualPlane(info model.CheckInResult) bool {
	return info.Type == model.DataTypeImageDual && int64(info.Size) >= 2*PlaneSize
}

func pixel(bw, red bool) byte {
	switch {
	case red:
		return PixelRed
	case bw:
		return PixelBlack
	default:
		return PixelWhite
	}
}

// ConvertRow packs one row of 1bpp bw and red bytes into out. bw and red
// must be PlaneStride long and out RowBytes long. Red wins over black when
// both bits are set.
func ConvertRow(bw, red, out []byte) {
	for i := 0; i < len(bw) && i < len(red); i++ {
		b, r := bw[i], red[i]
		o := out[i*4 : i*4+4]
		for j := 0; j < 4; j++ {
			hi := byte(0x80) >> (2 * j)
			lo := hi >> 1
			o[j] = pixel(b&hi != 0, r&hi != 0)<<4 | pixel(b&lo != 0, r&lo != 0)
		}
	}
}

// StreamImage converts the content described by info row by row and hands
// each row to sink. Blocks the source could not fetch come back blank and
// render as background; the pass always covers every row unless the context
// is cancelled or the sink fails.
func StreamImage(ctx context.Context, src ByteSource, info model.CheckInResult, sink RowSink) (int, error) {
	if !info.Type.IsImage() {
		return 0, fmt.Errorf("convert: content type %s is not an image", info.Type)
	}
	dual := IsDualPlane(info)

	bw := make([]byte, PlaneStride)
	red := make([]byte, PlaneStride)
	row := make([]byte, RowBytes)

	for y := 0; y < Height; y++ {
		if err := src.GetBytes(ctx, model.PlaneBW, y*PlaneStride, bw); err != nil {
			return y, fmt.Errorf("convert: row %d: %w", y, err)
		}
		if dual {
			if err := src.GetBytes(ctx, model.PlaneRed, PlaneSize+y*PlaneStride, red); err != nil {
				return y, fmt.Errorf("convert: row %d red: %w", y, err)
			}
		}
		ConvertRow(bw, red, row)
		if err := sink.StreamRow(row); err != nil {
			return y, fmt.Errorf("convert: row %d: %w", y, err)
		}
	}
	return Height, nil
}

// PlaneSource serves in-memory planes, laid out the way the access point
// sends them: bw plane at offset 0, red plane at PlaneSize.
type PlaneSource struct {
	BW  []byte
	Red []byte
}

// Info describes the planes as a check-in reply would.
func (p PlaneSource) Info() model.CheckInResult {
	if p.Red == nil {
		return model.CheckInResult{Type: model.DataTypeImageSingle, Size: PlaneSize}
	}
	return model.CheckInResult{Type: model.DataTypeImageDual, Size: 2 * PlaneSize}
}

func (p PlaneSource) GetBytes(_ context.Context, plane model.Plane, offset int, out []byte) error {
	src := p.BW
	if plane == model.PlaneRed {
		src = p.Red
		offset -= PlaneSize
	}
	clear(out)
	if offset < 0 || offset >= len(src) {
		return nil
	}
	copy(out, src[offset:])
	return nil
}
