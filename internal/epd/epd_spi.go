package epd

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"epdtag/internal/convert"
	appLog "epdtag/internal/log"
)

// Opts holds the panel wiring and timing parameters.
type Opts struct {
	Speed physic.Frequency
	// BusyActiveLow: the UC8159 pulls BUSY_N low while working.
	BusyActiveLow bool
	// InitTimeout bounds every BUSY wait except the refresh.
	InitTimeout time.Duration
	// RefreshTimeout bounds the physical refresh. Do not shorten it: a
	// refresh cut short leaves a partially driven image.
	RefreshTimeout time.Duration
	ResetPulse     time.Duration
	BusyPoll       time.Duration
}

// DefaultOpts matches the 5.83" panel on the reference board.
var DefaultOpts = Opts{
	Speed:          4 * physic.MegaHertz,
	BusyActiveLow:  true,
	InitTimeout:    5 * time.Second,
	RefreshTimeout: 30 * time.Second,
	ResetPulse:     10 * time.Millisecond,
	BusyPoll:       10 * time.Millisecond,
}

// UC8159 is a handle to the panel controller.
type UC8159 struct {
	c         spi.Conn
	maxTxSize int
	dc        gpio.PinOut
	rst       gpio.PinOut
	busy      gpio.PinIn
	opts      Opts

	state        State
	written      int
	resets       int
	lastBusyWait time.Duration
	delay        func(time.Duration)
	log          appLog.Logger
}

var _ Panel = &UC8159{}

// NewSPI connects to the panel on p. The panel is left Uninitialized.
func NewSPI(p spi.Port, dc, rst gpio.PinOut, busy gpio.PinIn, o *Opts) (*UC8159, error) {
	if o == nil {
		o = &DefaultOpts
	}
	opts := *o
	if opts.Speed == 0 {
		opts.Speed = DefaultOpts.Speed
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultOpts.InitTimeout
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultOpts.RefreshTimeout
	}

	c, err := p.Connect(opts.Speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to connect over spi: %w", err)
	}

	// Get the maxTxSize from the conn if it implements the conn.Limits interface,
	// otherwise use 4096 bytes.
	maxTxSize := 0
	if limits, ok := c.(conn.Limits); ok {
		maxTxSize = limits.MaxTxSize()
	}
	if maxTxSize == 0 {
		maxTxSize = 4096
	}

	pull := gpio.PullUp
	if !opts.BusyActiveLow {
		pull = gpio.PullDown
	}
	if err := busy.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}

	return &UC8159{
		c:         c,
		maxTxSize: maxTxSize,
		dc:        dc,
		rst:       rst,
		busy:      busy,
		opts:      opts,
		delay:     time.Sleep,
		log:       appLog.With("epd"),
	}, nil
}

func (d *UC8159) String() string {
	return fmt.Sprintf("epd.UC8159{%s, %dx%d, %s}", d.c, convert.Width, convert.Height, d.state)
}

func (d *UC8159) busyLevel() gpio.Level {
	if d.opts.BusyActiveLow {
		return gpio.Low
	}
	return gpio.High
}

func (d *UC8159) State() State { return d.state }

// Resets counts hardware reset pulses since creation.
func (d *UC8159) Resets() int { return d.resets }

// finish applies the outcome of a command sequence. Busy timeouts fault the
// panel; other errors leave it in fallback.
func (d *UC8159) finish(eh *errorHandler, op string, ok, fallback State) error {
	if eh.err == nil {
		d.state = ok
		return nil
	}
	d.state = fallback
	if isBusyTimeout(eh.err) {
		d.state = Faulted
		d.log.Error("panel fault", eh.err, "op", op)
	}
	return fmt.Errorf("epd: %s: %w", op, eh.err)
}

func (d *UC8159) Initialize(ctx context.Context, force bool) error {
	switch d.state {
	case Faulted:
		if !force {
			return stateErr("initialize", d.state)
		}
	case Ready:
		if !force {
			return nil
		}
	case Streaming, Refreshing, Initializing:
		if !force {
			return stateErr("initialize", d.state)
		}
	}

	d.state = Initializing
	eh := &errorHandler{ctx: ctx, d: d}
	initPanel(eh, &d.opts)
	if err := d.finish(eh, "initialize", Ready, Faulted); err != nil {
		return err
	}
	d.log.Debug("panel initialized", "resets", d.resets, "busy_wait", d.lastBusyWait)
	return nil
}

func (d *UC8159) BeginPixelStream() error {
	if d.state != Ready {
		return stateErr("begin stream", d.state)
	}
	eh := &errorHandler{d: d}
	eh.sendCommand(cmdDTM1)
	d.written = 0
	return d.finish(eh, "begin stream", Streaming, Ready)
}

// StreamRow writes row as raw pixel data. Bytes past the end of the frame
// are dropped.
func (d *UC8159) StreamRow(row []byte) error {
	if d.state != Streaming {
		return stateErr("stream row", d.state)
	}
	if room := convert.FrameSize - d.written; len(row) > room {
		row = row[:room]
	}
	if len(row) == 0 {
		return nil
	}
	eh := &errorHandler{d: d}
	eh.sendData(row)
	d.written += len(row)
	return d.finish(eh, "stream row", Streaming, Ready)
}

func (d *UC8159) EndPixelStream() error {
	if d.state != Streaming {
		return stateErr("end stream", d.state)
	}
	eh := &errorHandler{d: d}
	pad := convert.FrameSize - d.written
	padFrame(eh, pad, d.maxTxSize, convert.BackgroundByte)
	if pad > 0 {
		d.log.Debug("frame padded", "written", d.written, "pad", pad)
	}
	d.written = convert.FrameSize
	return d.finish(eh, "end stream", Ready, Ready)
}

func (d *UC8159) Refresh(ctx context.Context) error {
	if d.state == Streaming {
		if err := d.EndPixelStream(); err != nil {
			return err
		}
	}
	if d.state != Ready {
		return stateErr("refresh", d.state)
	}
	d.state = Refreshing
	eh := &errorHandler{ctx: ctx, d: d}
	refreshPanel(eh, &d.opts)
	if err := d.finish(eh, "refresh", Ready, Ready); err != nil {
		return err
	}
	d.log.Info("panel refreshed", "took", d.lastBusyWait)
	return nil
}

func (d *UC8159) Sleep() error {
	switch d.state {
	case Faulted, Streaming, Refreshing, Initializing:
		return stateErr("sleep", d.state)
	case Sleeping:
		return nil
	}
	eh := &errorHandler{d: d}
	sleepPanel(eh)
	return d.finish(eh, "sleep", Sleeping, d.state)
}
