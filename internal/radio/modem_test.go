package radio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakePort plays the modem side of the serial link. Control frames are
// answered immediately with the configured status; everything else written
// by the host is recorded.
type fakePort struct {
	mu      sync.Mutex
	in      bytes.Buffer // modem -> host
	written [][]byte
	status  byte
	timeout time.Duration
	// trailer is queued right behind the next control reply.
	trailer []byte
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.in.Len() == 0 {
		d := p.timeout
		p.mu.Unlock()
		if d > 5*time.Millisecond {
			d = 5 * time.Millisecond
		}
		time.Sleep(d)
		return 0, nil
	}
	defer p.mu.Unlock()
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	if len(b) >= 4 && b[0] == startControl {
		reply := []byte{startReply, b[1], p.status, 0}
		reply = append(reply, xorSum(reply[1:]))
		p.in.Write(reply)
		p.in.Write(p.trailer)
		p.trailer = nil
	}
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

func (p *fakePort) inject(payload []byte, rssi int8, lqi uint8) {
	f := []byte{startData, byte(len(payload)), byte(rssi), lqi}
	f = append(f, payload...)
	f = append(f, xorSum(f[1:]))
	p.mu.Lock()
	p.in.Write(f)
	p.mu.Unlock()
}

func TestModemSendFraming(t *testing.T) {
	p := &fakePort{}
	m := NewModem(p)
	if err := m.Send([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	want := [][]byte{{startData, 3, 0, 0, 0x01, 0x02, 0x03, 3 ^ 0x01 ^ 0x02 ^ 0x03}}
	if diff := cmp.Diff(want, p.written); diff != "" {
		t.Fatalf("written (-want +got):\n%s", diff)
	}
}

func TestModemSetChannel(t *testing.T) {
	p := &fakePort{}
	m := NewModem(p)
	if err := m.SetChannel(20); err != nil {
		t.Fatal(err)
	}
	if m.channel != 20 {
		t.Fatalf("channel = %d", m.channel)
	}
	want := []byte{startControl, cmdSetChannel, 1, 20, cmdSetChannel ^ 1 ^ 20}
	if diff := cmp.Diff(want, p.written[0]); diff != "" {
		t.Fatalf("control frame (-want +got):\n%s", diff)
	}

	p.status = 3
	if err := m.SetChannel(11); err == nil {
		t.Fatal("expected error for non-zero modem status")
	}
}

func TestModemSetChannelDropsBufferedFrames(t *testing.T) {
	p := &fakePort{}
	m := NewModem(p)

	// One frame ahead of the reply, one right behind it.
	p.inject([]byte{0x01}, -70, 90)
	stale := []byte{startData, 1, 0, 0, 0x02}
	p.trailer = append(stale, xorSum(stale[1:]))

	if err := m.SetChannel(25); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Receive(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Receive after retune = %v, want ErrTimeout", err)
	}

	p.inject([]byte{0x03}, -40, 200)
	pkt, err := m.Receive(50 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x03}, pkt.Data); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
}

func TestModemReceive(t *testing.T) {
	p := &fakePort{}
	m := NewModem(p)

	// Line noise, a corrupt frame, then a good one.
	p.in.Write([]byte{0x00, 0x13})
	p.in.Write([]byte{startData, 1, 0, 0, 0x55, 0x00})
	p.inject([]byte{0xDE, 0xAD}, -42, 180)

	pkt, err := m.Receive(50 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	want := Packet{Data: []byte{0xDE, 0xAD}, RSSI: -42, LQI: 180}
	if diff := cmp.Diff(want, pkt); diff != "" {
		t.Fatalf("packet (-want +got):\n%s", diff)
	}

	if _, err := m.Receive(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("empty line: err = %v, want ErrTimeout", err)
	}
}

func TestFrequency(t *testing.T) {
	if got := FrequencyMHz(11); got != 2405 {
		t.Fatalf("ch11 = %d", got)
	}
	if got := FrequencyMHz(26); got != 2480 {
		t.Fatalf("ch26 = %d", got)
	}
}
