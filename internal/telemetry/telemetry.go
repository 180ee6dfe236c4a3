package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Defaults reported when no sensor is available.
const (
	DefaultVoltageMv    = 3000
	DefaultTemperatureC = 25
)

// Status is one telemetry sample, as sent in every check-in.
type Status struct {
	// VoltageMv is the battery voltage in millivolts.
	VoltageMv int `json:"voltage_mv"`
	// TemperatureC is the board temperature in degrees Celsius.
	TemperatureC int `json:"temperature_c"`
	// Percent is the battery level in 0–100%, -1 if the gauge does not say.
	Percent int `json:"percent"`
}

// Reader abstracts how we obtain battery and temperature. The check-in path
// only needs a synchronous getter; a fixed reader keeps development hosts
// and tests working without hardware.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// fixedReader always returns the same sample.
type fixedReader struct {
	status Status
}

// NewFixedReader returns a Reader reporting constant values.
func NewFixedReader(voltageMv, temperatureC int) Reader {
	return &fixedReader{status: Status{
		VoltageMv:    voltageMv,
		TemperatureC: temperatureC,
		Percent:      -1,
	}}
}

func (f *fixedReader) Read(_ context.Context) (Status, error) {
	return f.status, nil
}

// i2cReader talks to a battery fuel gauge over I2C. Register map (PiSugar3
// compatible):
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
//
// Temperature comes from a thermal zone file when one is configured.
type i2cReader struct {
	busName     string
	addr        uint16
	thermalPath string
}

// NewI2CReader constructs an I2C-backed Reader.
//
//   - busName:     I2C bus identifier for periph.io ("" for default)
//   - addr:        7-bit I2C address of the fuel gauge
//   - thermalPath: sysfs file in millidegrees, e.g. /sys/class/thermal/thermal_zone0/temp
//
// 실제 I2C 연결/host.Init은 Read 시점에 수행한다.
func NewI2CReader(busName string, addr uint16, thermalPath string) Reader {
	return &i2cReader{
		busName:     busName,
		addr:        addr,
		thermalPath: thermalPath,
	}
}

// Read implements Reader for the I2C-backed reader.
func (r *i2cReader) Read(_ context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, errors.New("telemetry: i2c reader unavailable on this platform")
	}
	if _, err := host.Init(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.busName)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	st, err := readGauge(dev)
	if err != nil {
		return Status{}, err
	}

	st.TemperatureC = DefaultTemperatureC
	if r.thermalPath != "" {
		if t, err := ReadThermalZone(r.thermalPath); err == nil {
			st.TemperatureC = t
		}
	}
	return st, nil
}

// readGauge reads voltage and percentage registers from the gauge.
func readGauge(dev interface {
	Tx(w, r []byte) error
}) (Status, error) {
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("telemetry: read reg %#02x: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(0x22)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(0x23)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(0x2A)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}
	return Status{
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
		Percent:   int(pct),
	}, nil
}

// ReadThermalZone parses a Linux thermal zone file (millidegrees Celsius).
func ReadThermalZone(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("telemetry: %s: %w", path, err)
	}
	return milli / 1000, nil
}

// Clamp converts a Status to the wire ranges of a check-in: battery as u16
// millivolts and temperature as a signed byte.
func Clamp(s Status) (voltageMv uint16, temperatureC int8) {
	mv := s.VoltageMv
	if mv < 0 {
		mv = 0
	}
	if mv > 0xFFFF {
		mv = 0xFFFF
	}
	t := s.TemperatureC
	if t < -128 {
		t = -128
	}
	if t > 127 {
		t = 127
	}
	return uint16(mv), int8(t)
}

// DefaultReader returns the Reader the main program should use.
//
// 우선순위:
//  1. Linux 에서 I2C fuel gauge 사용을 시도
//  2. 실패 시 고정값(3000mV, 25°C) 리더로 fallback
func DefaultReader(busName string, addr uint16, thermalPath string) Reader {
	if runtime.GOOS != "linux" || addr == 0 {
		return NewFixedReader(DefaultVoltageMv, DefaultTemperatureC)
	}
	r := NewI2CReader(busName, addr, thermalPath)
	if _, err := r.Read(context.Background()); err != nil {
		return NewFixedReader(DefaultVoltageMv, DefaultTemperatureC)
	}
	return r
}
