package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Pins names the GPIO lines as periph's gpioreg knows them, e.g. "GPIO25".
type Pins struct {
	DC   string
	RST  string
	Busy string
}

// Open initializes periph.io, opens the SPI port (empty name = first port)
// and resolves the control pins. The returned closer releases the port.
func Open(port string, pins Pins, o *Opts) (*UC8159, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	p, err := spireg.Open(port)
	if err != nil {
		return nil, nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}

	dc, err := outPin(pins.DC, gpio.Low)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	rst, err := outPin(pins.RST, gpio.High)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	busy := gpioreg.ByName(pins.Busy)
	if busy == nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("epd: gpio %q not found", pins.Busy)
	}

	d, err := NewSPI(p, dc, rst, busy, o)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return d, p.Close, nil
}

func outPin(name string, initial gpio.Level) (gpio.PinOut, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("epd: gpio %q not found", name)
	}
	if err := pin.Out(initial); err != nil {
		return nil, fmt.Errorf("epd: gpio %s Out failed: %w", name, err)
	}
	return pin, nil
}
