package convert

import (
	"fmt"
	"image"
	"image/color"
)

// Panel geometry (5.83" UC8159, black/white/red).
const (
	Width       = 600
	Height      = 448
	PlaneStride = Width / 8 // 75 bytes per 1bpp row
	PlaneSize   = PlaneStride * Height

	// RowBytes is one row in the panel's 4bpp encoding, two pixels per byte.
	RowBytes  = Width / 2
	FrameSize = RowBytes * Height
)

// PackNRGBA converts an image.NRGBA into the two 1bpp source planes the
// pipeline consumes (bit set = ink).
//
// Requirements / behavior:
//
//   - img width must be exactly 600 pixels (Width).
//   - img height must be >= 448 pixels (Height).
//   - height가 더 크면 세로 방향으로 중앙을 잘라(센터 크롭) 448px만 사용한다.
//   - 픽셀 분류:
//   - 투명(alpha < 128) → white
//   - 매우 어두운 픽셀 → bw plane에 잉크
//   - 충분히 "빨간" 픽셀 → red plane에 잉크
//   - 나머지 → white
//
// Packing 규칙:
//
//   - 각 plane은 y-major, MSB-first 1bpp:
//     byteIndex = y * 75 + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - 초기값은 0(잉크 없음)이고, 잉크가 필요한 픽셀만 비트를 1로 세운다.
func PackNRGBA(img *image.NRGBA) (bw, red []byte, err error) {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()

	if w != Width {
		return nil, nil, fmt.Errorf("convert: expected width %d, got %d", Width, w)
	}
	if h < Height {
		return nil, nil, fmt.Errorf("convert: expected height >= %d, got %d", Height, h)
	}

	// 세로 방향으로 가운데 448px만 사용 (센터 크롭).
	startY := b.Min.Y + (h-Height)/2

	bw = make([]byte, PlaneSize)
	red = make([]byte, PlaneSize)

	// 메인 루프: 이미지 stride를 직접 사용해 At() 호출을 피한다.
	for py := 0; py < Height; py++ {
		rowOff := (startY - b.Min.Y + py) * img.Stride

		for px := 0; px < Width; px++ {
			i := rowOff + px*4

			r := img.Pix[i+0]
			g := img.Pix[i+1]
			bb := img.Pix[i+2]
			a := img.Pix[i+3]

			// 완전 투명/반투명은 화면에서 보이지 않는다고 가정하고 white 취급.
			if a < 128 {
				continue
			}

			ink := classifyPixel(color.NRGBA{R: r, G: g, B: bb, A: a})
			if ink == inkWhite {
				continue
			}

			byteIndex := py*PlaneStride + (px >> 3)
			mask := byte(0x80 >> (px & 7))

			switch ink {
			case inkBlack:
				bw[byteIndex] |= mask
			case inkRed:
				red[byteIndex] |= mask
			}
		}
	}

	return bw, red, nil
}

// inkColor indicates which plane a pixel should be drawn to.
type inkColor int

const (
	inkWhite inkColor = iota
	inkBlack
	inkRed
)

// classifyPixel decides whether a pixel should be black, red, or white on the
// tri-color panel.
//
// 기준(경험적):
//
//   - 밝기 Y = 0.299R + 0.587G + 0.114B
//
//   - redness = R - max(G, B)
//
//   - 매우 어두운 픽셀(Y < 64) → black
//
//   - 충분히 밝고(redness > 32, R > 128) → red
//
//   - 나머지 → white
func classifyPixel(c color.NRGBA) inkColor {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)

	// Luma (perceptual brightness).
	y := 0.299*r + 0.587*g + 0.114*b

	// Red dominance.
	maxGB := g
	if b > maxGB {
		maxGB = b
	}
	redness := r - maxGB

	// 어둡고 채도가 높지 않은 픽셀은 black으로.
	if y < 64 {
		return inkBlack
	}

	// 충분히 빨간 계열은 red로.
	if r > 128 && redness > 32 {
		return inkRed
	}

	return inkWhite
}
