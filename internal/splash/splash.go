// Package splash draws the status screen shown on first boot and when no
// access point answers.
package splash

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"epdtag/internal/convert"
	"epdtag/internal/proto"
	"epdtag/internal/telemetry"
)

// Banner is the text in the red title bar.
const Banner = "OpenEPaperLink"

const (
	border       = 6
	bannerHeight = 64
	lineHeight   = 28
)

// Info is what the splash screen shows.
type Info struct {
	MAC       proto.MAC
	Status    telemetry.Status
	PeerFound bool
	Channel   uint8
	SWVersion uint16
}

// Lines returns the text lines below the banner.
func (in Info) Lines() []string {
	ap := "AP: Not found"
	if in.PeerFound {
		ap = fmt.Sprintf("AP: Found (ch %d)", in.Channel)
	}
	return []string{
		"MAC: " + in.MAC.String(),
		fmt.Sprintf("Battery: %d mV  Temp: %d C", in.Status.VoltageMv, in.Status.TemperatureC),
		ap,
		fmt.Sprintf("FW: %04x", in.SWVersion),
	}
}

// Render draws the screen at panel resolution.
func Render(in Info) *image.NRGBA {
	dc := gg.NewContext(convert.Width, convert.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// 검은 테두리
	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(0, 0, convert.Width, convert.Height)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(border, border, convert.Width-2*border, convert.Height-2*border)
	dc.Fill()

	// 빨간 배너
	dc.SetRGB(1, 0, 0)
	dc.DrawRectangle(border, border, convert.Width-2*border, bannerHeight)
	dc.Fill()

	dc.SetFontFace(basicfont.Face7x13)
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(Banner, convert.Width/2, border+bannerHeight/2, 0.5, 0.5)

	dc.SetRGB(0, 0, 0)
	y := float64(border + bannerHeight + 2*lineHeight)
	for _, l := range in.Lines() {
		dc.DrawStringAnchored(l, convert.Width/2, y, 0.5, 0.5)
		y += lineHeight
	}

	src := dc.Image()
	out := image.NewNRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out
}

// Planes renders the screen and packs it into the two source planes the
// image pipeline streams.
func Planes(in Info) (convert.PlaneSource, error) {
	bw, red, err := convert.PackNRGBA(Render(in))
	if err != nil {
		return convert.PlaneSource{}, err
	}
	return convert.PlaneSource{BW: bw, Red: red}, nil
}
