package epd

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi/spitest"

	"epdtag/internal/convert"
)

type record struct {
	cmd  byte
	data []byte
}

type fakeController struct {
	records []record
	resets  int
	waits   []time.Duration
}

func (f *fakeController) reset() { f.resets++ }

func (f *fakeController) sendCommand(cmd byte) {
	f.records = append(f.records, record{cmd: cmd})
}

func (f *fakeController) sendData(data []byte) {
	cur := &f.records[len(f.records)-1]
	cur.data = append(cur.data, data...)
}

func (f *fakeController) waitUntilIdle(d time.Duration) {
	f.waits = append(f.waits, d)
}

func diffRecords(got, want []record) string {
	return cmp.Diff(got, want, cmpopts.EquateEmpty(), cmp.AllowUnexported(record{}))
}

func TestInitPanelSequence(t *testing.T) {
	var got fakeController
	o := DefaultOpts
	initPanel(&got, &o)

	want := []record{
		{cmd: cmdPSR, data: []byte{0xCF, 0x08}},
		{cmd: cmdPWR, data: []byte{0x37, 0x00}},
		{cmd: cmdBTST, data: []byte{0xC7, 0xCC, 0x28}},
		{cmd: cmdPON},
		{cmd: cmdPLL, data: []byte{0x3C}},
		{cmd: cmdTSE, data: []byte{0x00}},
		{cmd: cmdCDI, data: []byte{0x77}},
		{cmd: cmdTCON, data: []byte{0x22}},
		{cmd: cmdTRES, data: []byte{0x02, 0x58, 0x01, 0xC0}},
		{cmd: cmdVDCS, data: []byte{0x1E}},
		{cmd: cmdTSSET, data: []byte{0x03}},
		{cmd: cmdPOF},
		{cmd: cmdPON},
	}
	if diff := diffRecords(got.records, want); diff != "" {
		t.Errorf("initPanel() difference (-got +want):\n%s", diff)
	}
	if got.resets != 1 {
		t.Errorf("resets = %d", got.resets)
	}
	for _, w := range got.waits {
		if w != o.InitTimeout {
			t.Errorf("init wait bound = %v, want %v", w, o.InitTimeout)
		}
	}
}

func TestRefreshAndSleepSequences(t *testing.T) {
	var got fakeController
	o := DefaultOpts
	refreshPanel(&got, &o)
	sleepPanel(&got)

	want := []record{
		{cmd: cmdPON},
		{cmd: cmdDRF},
		{cmd: cmdCDI, data: []byte{0x17}},
		{cmd: cmdPOF},
		{cmd: cmdDSLP, data: []byte{deepSleepCheck}},
	}
	if diff := diffRecords(got.records, want); diff != "" {
		t.Errorf("difference (-got +want):\n%s", diff)
	}
	// The refresh wait must keep its long bound; sleep adds no wait.
	if diff := cmp.Diff(got.waits, []time.Duration{5 * time.Second, 30 * time.Second}); diff != "" {
		t.Errorf("waits (-got +want):\n%s", diff)
	}
}

func TestPadFrameChunks(t *testing.T) {
	var got fakeController
	got.sendCommand(cmdDTM1)
	padFrame(&got, 10, 4, convert.BackgroundByte)
	want := []record{
		{cmd: cmdDTM1, data: bytes.Repeat([]byte{0x33}, 10)},
		{cmd: cmdDSP},
	}
	if diff := diffRecords(got.records, want); diff != "" {
		t.Errorf("difference (-got +want):\n%s", diff)
	}
}

type testPanel struct {
	dev  *UC8159
	spi  *spitest.Record
	busy *gpiotest.Pin
}

func newTestPanel(t *testing.T) testPanel {
	t.Helper()
	rec := &spitest.Record{}
	busy := &gpiotest.Pin{N: "busy"}
	o := Opts{
		BusyActiveLow:  true,
		InitTimeout:    20 * time.Millisecond,
		RefreshTimeout: 40 * time.Millisecond,
		ResetPulse:     time.Microsecond,
		BusyPoll:       time.Millisecond,
	}
	dev, err := NewSPI(rec, &gpiotest.Pin{N: "dc"}, &gpiotest.Pin{N: "rst"}, busy, &o)
	if err != nil {
		t.Fatalf("NewSPI() failed: %v", err)
	}
	return testPanel{dev: dev, spi: rec, busy: busy}
}

func TestNewSPI(t *testing.T) {
	p := newTestPanel(t)
	if got := p.dev.String(); got != "epd.UC8159{record, 600x448, uninitialized}" {
		t.Errorf("String() = %q", got)
	}
	// The pull-up leaves an active-low BUSY line idle.
	if p.busy.Read() != gpio.High {
		t.Error("busy pin not pulled up")
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	p := newTestPanel(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.dev.Initialize(ctx, false); err != nil {
			t.Fatal(err)
		}
	}
	if p.dev.Resets() != 1 {
		t.Fatalf("Resets = %d after two plain inits", p.dev.Resets())
	}
	if err := p.dev.Initialize(ctx, true); err != nil {
		t.Fatal(err)
	}
	if p.dev.Resets() != 2 {
		t.Fatalf("Resets = %d after forced init", p.dev.Resets())
	}
	if p.dev.State() != Ready {
		t.Fatalf("state = %s", p.dev.State())
	}
}

func TestStreamPadsFrame(t *testing.T) {
	p := newTestPanel(t)
	ctx := context.Background()
	if err := p.dev.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	p.spi.Ops = nil

	if err := p.dev.BeginPixelStream(); err != nil {
		t.Fatal(err)
	}
	row := bytes.Repeat([]byte{0x04}, convert.RowBytes)
	if err := p.dev.StreamRow(row); err != nil {
		t.Fatal(err)
	}
	if err := p.dev.EndPixelStream(); err != nil {
		t.Fatal(err)
	}

	ops := p.spi.Ops
	if diff := cmp.Diff(ops[0], conntest.IO{W: []byte{cmdDTM1}}); diff != "" {
		t.Errorf("first op (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(ops[len(ops)-1], conntest.IO{W: []byte{cmdDSP}}); diff != "" {
		t.Errorf("last op (-got +want):\n%s", diff)
	}
	var data []byte
	for _, op := range ops[1 : len(ops)-1] {
		if len(op.W) > 4096 {
			t.Errorf("write of %d bytes exceeds the port limit", len(op.W))
		}
		data = append(data, op.W...)
	}
	if len(data) != convert.FrameSize {
		t.Fatalf("frame bytes = %d, want %d", len(data), convert.FrameSize)
	}
	if !bytes.Equal(data[:convert.RowBytes], row) {
		t.Error("first row altered")
	}
	for i, b := range data[convert.RowBytes:] {
		if b != convert.BackgroundByte {
			t.Fatalf("pad byte %d = %#x", i, b)
		}
	}
	if p.dev.State() != Ready {
		t.Fatalf("state = %s", p.dev.State())
	}
}

func TestStreamOutOfOrderRejected(t *testing.T) {
	p := newTestPanel(t)
	if err := p.dev.StreamRow([]byte{0x33}); !errors.Is(err, ErrState) {
		t.Fatalf("StreamRow before init: %v", err)
	}
	if err := p.dev.BeginPixelStream(); !errors.Is(err, ErrState) {
		t.Fatalf("BeginPixelStream before init: %v", err)
	}
}

func TestBusyTimeoutFaultsPanel(t *testing.T) {
	p := newTestPanel(t)
	ctx := context.Background()

	// BUSY stuck low: controller never becomes ready.
	_ = p.busy.Out(gpio.Low)
	if err := p.dev.Initialize(ctx, false); !errors.Is(err, ErrBusyTimeout) {
		t.Fatalf("Initialize() = %v, want ErrBusyTimeout", err)
	}
	if p.dev.State() != Faulted {
		t.Fatalf("state = %s", p.dev.State())
	}
	for name, f := range map[string]func() error{
		"begin":   p.dev.BeginPixelStream,
		"sleep":   p.dev.Sleep,
		"refresh": func() error { return p.dev.Refresh(ctx) },
		"init":    func() error { return p.dev.Initialize(ctx, false) },
	} {
		if err := f(); !errors.Is(err, ErrPanelFault) {
			t.Errorf("%s on faulted panel: %v", name, err)
		}
	}

	_ = p.busy.Out(gpio.High)
	if err := p.dev.Initialize(ctx, true); err != nil {
		t.Fatalf("forced init after fault: %v", err)
	}
	if p.dev.State() != Ready {
		t.Fatalf("state = %s", p.dev.State())
	}
}

func TestRefreshThenSleepThenWake(t *testing.T) {
	p := newTestPanel(t)
	ctx := context.Background()
	if err := p.dev.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := p.dev.BeginPixelStream(); err != nil {
		t.Fatal(err)
	}
	// Refresh closes an open stream itself.
	if err := p.dev.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.dev.Sleep(); err != nil {
		t.Fatal(err)
	}
	if p.dev.State() != Sleeping {
		t.Fatalf("state = %s", p.dev.State())
	}
	tail := p.spi.Ops[len(p.spi.Ops)-5:]
	want := []conntest.IO{
		{W: []byte{cmdCDI}}, {W: []byte{0x17}}, {W: []byte{cmdPOF}},
		{W: []byte{cmdDSLP}}, {W: []byte{deepSleepCheck}},
	}
	if diff := cmp.Diff(tail, want); diff != "" {
		t.Errorf("sleep ops (-got +want):\n%s", diff)
	}

	if err := p.dev.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if p.dev.Resets() != 2 {
		t.Fatalf("wake did not re-initialize: resets = %d", p.dev.Resets())
	}
}

func TestPreviewPanel(t *testing.T) {
	p := NewPreviewPanel("")
	ctx := context.Background()
	if err := p.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := p.BeginPixelStream(); err != nil {
		t.Fatal(err)
	}
	row := bytes.Repeat([]byte{convert.BackgroundByte}, convert.RowBytes)
	row[0] = convert.PixelRed<<4 | convert.PixelBlack
	if err := p.StreamRow(row); err != nil {
		t.Fatal(err)
	}
	if err := p.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	img, err := png.Decode(bytes.NewReader(p.PNG()))
	if err != nil {
		t.Fatal(err)
	}
	check := func(x, y int, want [3]uint32) {
		t.Helper()
		r, g, b, _ := img.At(x, y).RGBA()
		if got := [3]uint32{r >> 8, g >> 8, b >> 8}; got != want {
			t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
		}
	}
	check(0, 0, [3]uint32{200, 0, 0})
	check(1, 0, [3]uint32{0, 0, 0})
	check(2, 0, [3]uint32{255, 255, 255})
	check(599, 447, [3]uint32{255, 255, 255})
}

func TestMirror(t *testing.T) {
	tp := newTestPanel(t)
	prev := NewPreviewPanel("")
	m := Mirror(tp.dev, prev)
	ctx := context.Background()

	if err := m.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginPixelStream(); err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if prev.PNG() == nil {
		t.Fatal("preview not refreshed")
	}
	if m.State() != Ready {
		t.Fatalf("state = %s", m.State())
	}
}
