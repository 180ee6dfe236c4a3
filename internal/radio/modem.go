package radio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	appLog "epdtag/internal/log"
)

/* Radio co-processor link
 *
 * Data frame, both directions:
 *   0xAE         - start
 *   LL           - payload length
 *   RR           - RSSI (int8), 0 on transmit
 *   QQ           - LQI, 0 on transmit
 *   [payload...] - raw 802.15.4 MPDU without FCS
 *   CC           - XOR of every byte after the start byte
 *
 * Control, host -> modem:
 *   0xBD CMD LEN [data...] CC
 *
 * Control reply, modem -> host:
 *   0xBA CMD STATUS LEN [data...] CC
 */

const (
	startData    byte = 0xAE
	startControl byte = 0xBD
	startReply   byte = 0xBA
)

// Modem control commands.
const (
	cmdSetChannel byte = 0x03
	cmdRFOn       byte = 0x05
)

const (
	controlTimeout = 250 * time.Millisecond
	readChunk      = 256
)

// Port is the part of serial.Port the modem needs. Tests substitute an
// in-memory pipe.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
}

// Modem is a Transport backed by a radio co-processor on a serial line.
type Modem struct {
	port    Port
	closer  io.Closer
	rx      []byte
	channel uint8
	log     appLog.Logger
}

// OpenModem opens the serial device and switches the radio on.
func OpenModem(path string, baud int) (*Modem, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", path, err)
	}
	m := NewModem(port)
	m.closer = port
	if err := m.control(cmdRFOn, []byte{1}); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("radio: rf on: %w", err)
	}
	return m, nil
}

// NewModem wraps an already opened port.
func NewModem(p Port) *Modem {
	return &Modem{port: p, log: appLog.With("radio")}
}

func (m *Modem) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// SetChannel tunes the radio. Frames already read off the serial line,
// before or right behind the modem's reply, belong to the previous channel
// and are discarded.
func (m *Modem) SetChannel(ch uint8) error {
	if err := m.control(cmdSetChannel, []byte{ch}); err != nil {
		return fmt.Errorf("radio: set channel %d: %w", ch, err)
	}
	m.rx = m.rx[:0]
	m.channel = ch
	m.log.Debug("channel set", "channel", ch, "mhz", FrequencyMHz(ch))
	return nil
}

func (m *Modem) Send(frame []byte) error {
	if len(frame) > 255 {
		return fmt.Errorf("radio: frame of %d bytes too long", len(frame))
	}
	out := make([]byte, 0, len(frame)+5)
	out = append(out, startData, byte(len(frame)), 0, 0)
	out = append(out, frame...)
	out = append(out, xorSum(out[1:]))
	_, err := m.port.Write(out)
	return err
}

// Receive waits up to timeout for one data frame.
func (m *Modem) Receive(timeout time.Duration) (Packet, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := m.readFrame(deadline)
		if err != nil {
			return Packet{}, err
		}
		if f.start != startData {
			m.log.Debug("dropping late control reply", "cmd", f.cmd)
			continue
		}
		return Packet{Data: f.payload, RSSI: f.rssi, LQI: f.lqi}, nil
	}
}

func (m *Modem) control(cmd byte, data []byte) error {
	out := make([]byte, 0, len(data)+4)
	out = append(out, startControl, cmd, byte(len(data)))
	out = append(out, data...)
	out = append(out, xorSum(out[1:]))
	if _, err := m.port.Write(out); err != nil {
		return err
	}

	deadline := time.Now().Add(controlTimeout)
	for {
		f, err := m.readFrame(deadline)
		if err != nil {
			return err
		}
		if f.start != startReply || f.cmd != cmd {
			continue
		}
		if f.status != 0 {
			return fmt.Errorf("modem status %d", f.status)
		}
		return nil
	}
}

type modemFrame struct {
	start   byte
	cmd     byte
	status  byte
	rssi    int8
	lqi     uint8
	payload []byte
}

var errIncomplete = errors.New("incomplete")

func (m *Modem) readFrame(deadline time.Time) (modemFrame, error) {
	buf := make([]byte, readChunk)
	for {
		f, err := m.parse()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errIncomplete) {
			m.log.Debug("dropping bad modem frame", "err", err)
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return modemFrame{}, ErrTimeout
		}
		if err := m.port.SetReadTimeout(remaining); err != nil {
			return modemFrame{}, err
		}
		n, err := m.port.Read(buf)
		if err != nil {
			return modemFrame{}, fmt.Errorf("radio: read: %w", err)
		}
		m.rx = append(m.rx, buf[:n]...)
	}
}

// parse pulls one frame off the front of m.rx. Garbage before a start byte is
// skipped; a frame with a bad checksum is consumed and reported.
func (m *Modem) parse() (modemFrame, error) {
	for len(m.rx) > 0 && m.rx[0] != startData && m.rx[0] != startReply {
		m.rx = m.rx[1:]
	}
	if len(m.rx) < 2 {
		return modemFrame{}, errIncomplete
	}

	var f modemFrame
	var total int
	switch m.rx[0] {
	case startData:
		if len(m.rx) < 4 {
			return f, errIncomplete
		}
		n := int(m.rx[1])
		total = 4 + n + 1
		if len(m.rx) < total {
			return f, errIncomplete
		}
		f = modemFrame{
			start:   startData,
			rssi:    int8(m.rx[2]),
			lqi:     m.rx[3],
			payload: append([]byte(nil), m.rx[4:4+n]...),
		}
	case startReply:
		if len(m.rx) < 4 {
			return f, errIncomplete
		}
		n := int(m.rx[3])
		total = 4 + n + 1
		if len(m.rx) < total {
			return f, errIncomplete
		}
		f = modemFrame{
			start:   startReply,
			cmd:     m.rx[1],
			status:  m.rx[2],
			payload: append([]byte(nil), m.rx[4:4+n]...),
		}
	}

	sum := xorSum(m.rx[1 : total-1])
	got := m.rx[total-1]
	m.rx = m.rx[total:]
	if sum != got {
		return modemFrame{}, fmt.Errorf("xor %02x != %02x", got, sum)
	}
	return f, nil
}

func xorSum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}
