// Package epd drives the 5.83" UC8159 black/white/red e-paper panel over SPI
// using periph.io, plus a preview panel that renders into a PNG instead.
//
// The panel is a state machine:
//
//	Uninitialized → Initializing → Ready → Streaming → Ready → Refreshing → Ready | Sleeping
//
// A busy timeout moves it to Faulted, where every call fails until a forced
// Initialize.
package epd

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBusyTimeout means the controller kept BUSY asserted past the bound.
	ErrBusyTimeout = errors.New("epd: busy timeout")
	// ErrPanelFault is returned by every operation on a faulted panel.
	ErrPanelFault = errors.New("epd: panel faulted")
	// ErrState is returned when an operation is called in the wrong state.
	ErrState = errors.New("epd: invalid state")
)

// State is the controller mode as tracked by the driver.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Streaming
	Refreshing
	Sleeping
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Refreshing:
		return "refreshing"
	case Sleeping:
		return "sleeping"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Panel is the display the cycle loop writes to. Rows are in the 4bpp
// encoding produced by package convert.
type Panel interface {
	// Initialize runs the bring-up sequence. It is a no-op on a ready panel
	// unless force is set; a sleeping panel is always re-initialized.
	Initialize(ctx context.Context, force bool) error
	BeginPixelStream() error
	StreamRow(row []byte) error
	// EndPixelStream pads the frame with background and closes the data
	// transaction.
	EndPixelStream() error
	// Refresh triggers the physical update and waits for it to finish.
	Refresh(ctx context.Context) error
	Sleep() error
	State() State
}

func stateErr(op string, s State) error {
	if s == Faulted {
		return fmt.Errorf("epd: %s: %w", op, ErrPanelFault)
	}
	return fmt.Errorf("epd: %s in state %s: %w", op, s, ErrState)
}

func isBusyTimeout(err error) bool {
	return errors.Is(err, ErrBusyTimeout)
}
