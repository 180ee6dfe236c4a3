package epd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	"epdtag/internal/convert"
)

var previewPalette = map[byte]color.NRGBA{
	convert.PixelBlack: {0, 0, 0, 255},
	convert.PixelWhite: {255, 255, 255, 255},
	convert.PixelRed:   {200, 0, 0, 255},
}

// PreviewPanel decodes the row stream into an image and encodes it as PNG
// on every refresh. It stands in for the hardware in -render-only mode and
// backs /preview.png.
type PreviewPanel struct {
	mu    sync.Mutex
	state State
	img   *image.NRGBA
	off   int // bytes written into the current frame
	png   []byte
	path  string
	inits int
}

var _ Panel = &PreviewPanel{}

// NewPreviewPanel returns a preview panel; path, when non-empty, receives a
// copy of every refreshed frame.
func NewPreviewPanel(path string) *PreviewPanel {
	return &PreviewPanel{
		img:  image.NewNRGBA(image.Rect(0, 0, convert.Width, convert.Height)),
		path: path,
	}
}

func (p *PreviewPanel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Inits counts bring-up sequences, the preview analogue of UC8159.Resets.
func (p *PreviewPanel) Inits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits
}

func (p *PreviewPanel) Initialize(_ context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Ready && !force {
		return nil
	}
	p.inits++
	p.state = Ready
	return nil
}

func (p *PreviewPanel) BeginPixelStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Ready {
		return stateErr("begin stream", p.state)
	}
	p.off = 0
	p.state = Streaming
	return nil
}

func (p *PreviewPanel) StreamRow(row []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Streaming {
		return stateErr("stream row", p.state)
	}
	p.write(row)
	return nil
}

// write decodes 4bpp bytes at the current offset. Unknown codes show as
// magenta so a broken encoder is obvious.
func (p *PreviewPanel) write(b []byte) {
	for _, v := range b {
		if p.off >= convert.FrameSize {
			return
		}
		y := p.off / convert.RowBytes
		x := (p.off % convert.RowBytes) * 2
		p.img.SetNRGBA(x, y, decodePixel(v>>4))
		p.img.SetNRGBA(x+1, y, decodePixel(v&0x0F))
		p.off++
	}
}

func decodePixel(code byte) color.NRGBA {
	if c, ok := previewPalette[code]; ok {
		return c
	}
	return color.NRGBA{255, 0, 255, 255}
}

func (p *PreviewPanel) EndPixelStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Streaming {
		return stateErr("end stream", p.state)
	}
	p.endLocked()
	return nil
}

func (p *PreviewPanel) endLocked() {
	if rest := convert.FrameSize - p.off; rest > 0 {
		p.write(bytes.Repeat([]byte{convert.BackgroundByte}, rest))
	}
	p.state = Ready
}

func (p *PreviewPanel) Refresh(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Streaming {
		p.endLocked()
	}
	if p.state != Ready {
		return stateErr("refresh", p.state)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.img); err != nil {
		return fmt.Errorf("epd: preview encode: %w", err)
	}
	p.png = buf.Bytes()
	if p.path != "" {
		if err := os.WriteFile(p.path, p.png, 0o644); err != nil {
			return fmt.Errorf("epd: preview write: %w", err)
		}
	}
	return nil
}

func (p *PreviewPanel) Sleep() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Streaming || p.state == Refreshing {
		return stateErr("sleep", p.state)
	}
	p.state = Sleeping
	return nil
}

// PNG returns the last refreshed frame, or nil before the first refresh.
func (p *PreviewPanel) PNG() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.png
}

// Image returns a copy of the current frame buffer.
func (p *PreviewPanel) Image() *image.NRGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := image.NewNRGBA(p.img.Rect)
	copy(cp.Pix, p.img.Pix)
	return cp
}

// mirror forwards every call to the primary panel and copies the pixel
// stream into a preview. Preview failures never affect the primary.
type mirror struct {
	Panel
	preview *PreviewPanel
}

// Mirror returns a Panel that drives primary and keeps preview in sync.
func Mirror(primary Panel, preview *PreviewPanel) Panel {
	return &mirror{Panel: primary, preview: preview}
}

func (m *mirror) Initialize(ctx context.Context, force bool) error {
	if err := m.Panel.Initialize(ctx, force); err != nil {
		return err
	}
	_ = m.preview.Initialize(ctx, force)
	return nil
}

func (m *mirror) BeginPixelStream() error {
	if err := m.Panel.BeginPixelStream(); err != nil {
		return err
	}
	_ = m.preview.BeginPixelStream()
	return nil
}

func (m *mirror) StreamRow(row []byte) error {
	if err := m.Panel.StreamRow(row); err != nil {
		return err
	}
	_ = m.preview.StreamRow(row)
	return nil
}

func (m *mirror) EndPixelStream() error {
	if err := m.Panel.EndPixelStream(); err != nil {
		return err
	}
	_ = m.preview.EndPixelStream()
	return nil
}

func (m *mirror) Refresh(ctx context.Context) error {
	if err := m.Panel.Refresh(ctx); err != nil {
		return err
	}
	_ = m.preview.Refresh(ctx)
	return nil
}

func (m *mirror) Sleep() error {
	if err := m.Panel.Sleep(); err != nil {
		return err
	}
	_ = m.preview.Sleep()
	return nil
}
