// Package radio is the raw frame transport between the tag core and the
// 2.4GHz radio: channel tuning, frame transmit, and a timeout-bounded receive.
package radio

import (
	"errors"
	"time"
)

// Channels is the fixed scan order of IEEE 802.15.4 channels used by the
// access points.
var Channels = []uint8{11, 15, 20, 25, 26, 27}

// FrequencyMHz returns the centre frequency of an 802.15.4 2.4GHz channel.
func FrequencyMHz(ch uint8) int {
	return 2405 + 5*(int(ch)-11)
}

// ErrTimeout is returned by Receive when nothing arrived within the window.
var ErrTimeout = errors.New("radio: receive timeout")

// Packet is one received frame with the link quality the radio measured.
type Packet struct {
	Data []byte
	RSSI int8
	LQI  uint8
}

// Transport is implemented by anything that can put frames on air.
// Receive must never block longer than timeout.
type Transport interface {
	SetChannel(ch uint8) error
	Send(frame []byte) error
	Receive(timeout time.Duration) (Packet, error)
}
