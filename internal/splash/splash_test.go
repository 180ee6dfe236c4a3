package splash

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"epdtag/internal/convert"
	"epdtag/internal/model"
	"epdtag/internal/proto"
	"epdtag/internal/telemetry"
)

func TestLines(t *testing.T) {
	in := Info{
		MAC:       proto.MAC{0, 0, 2, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE},
		Status:    telemetry.Status{VoltageMv: 2950, TemperatureC: 21},
		PeerFound: true,
		Channel:   20,
		SWVersion: 0x0017,
	}
	want := []string{
		"MAC: 00:00:02:AA:BB:CC:DD:EE",
		"Battery: 2950 mV  Temp: 21 C",
		"AP: Found (ch 20)",
		"FW: 0017",
	}
	if diff := cmp.Diff(want, in.Lines()); diff != "" {
		t.Fatalf("lines (-want +got):\n%s", diff)
	}
	in.PeerFound = false
	if got := in.Lines()[2]; got != "AP: Not found" {
		t.Fatalf("ap line = %q", got)
	}
}

func TestPlanes(t *testing.T) {
	src, err := Planes(Info{})
	if err != nil {
		t.Fatal(err)
	}
	if src.Info().Type != model.DataTypeImageDual {
		t.Fatalf("type = %v", src.Info().Type)
	}
	bit := func(plane []byte, x, y int) bool {
		return plane[y*convert.PlaneStride+x/8]&(0x80>>(x%8)) != 0
	}
	// Border corner is black, banner is red, the middle of the page is white.
	if !bit(src.BW, 0, 0) || bit(src.Red, 0, 0) {
		t.Error("corner is not black")
	}
	if !bit(src.Red, 20, 20) {
		t.Error("banner is not red")
	}
	if bit(src.BW, 20, convert.Height-20) || bit(src.Red, 20, convert.Height-20) {
		t.Error("page body is not white")
	}
}

type rowCounter struct {
	rows int
	red  int
}

func (r *rowCounter) StreamRow(row []byte) error {
	r.rows++
	for _, b := range row {
		if b>>4 == convert.PixelRed || b&0x0F == convert.PixelRed {
			r.red++
		}
	}
	return nil
}

func TestStreamsThroughPipeline(t *testing.T) {
	src, err := Planes(Info{PeerFound: true, Channel: 11})
	if err != nil {
		t.Fatal(err)
	}
	sink := &rowCounter{}
	n, err := convert.StreamImage(context.Background(), src, src.Info(), sink)
	if err != nil {
		t.Fatal(err)
	}
	if n != convert.Height || sink.rows != convert.Height {
		t.Fatalf("rows = %d/%d", n, sink.rows)
	}
	if sink.red == 0 {
		t.Fatal("no red pixels reached the panel")
	}
}
