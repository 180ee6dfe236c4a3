package epd

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// errorHandler is a wrapper for error management. After the first error
// every call is a no-op, so a sequence can be written straight through and
// checked once at the end.
type errorHandler struct {
	ctx context.Context
	d   *UC8159
	err error
}

func (eh *errorHandler) rstOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.rst.Out(l)
}

func (eh *errorHandler) dcOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.dc.Out(l)
}

// cTx writes w in slices the SPI port accepts.
func (eh *errorHandler) cTx(w []byte) {
	for len(w) > 0 && eh.err == nil {
		n := min(len(w), eh.d.maxTxSize)
		eh.err = eh.d.c.Tx(w[:n], nil)
		w = w[n:]
	}
}

func (eh *errorHandler) reset() {
	if eh.err != nil {
		return
	}
	eh.d.resets++
	eh.rstOut(gpio.Low)
	eh.d.delay(eh.d.opts.ResetPulse)
	eh.rstOut(gpio.High)
	eh.d.delay(eh.d.opts.ResetPulse)
}

func (eh *errorHandler) busy() bool {
	return eh.d.busy.Read() == eh.d.busyLevel()
}

func (eh *errorHandler) waitUntilIdle(timeout time.Duration) {
	if eh.err != nil {
		return
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for eh.busy() {
		if time.Now().After(deadline) {
			eh.err = fmt.Errorf("%w after %v", ErrBusyTimeout, timeout)
			return
		}
		if eh.ctx != nil {
			if err := eh.ctx.Err(); err != nil {
				eh.err = err
				return
			}
		}
		eh.d.delay(eh.d.opts.BusyPoll)
	}
	eh.d.lastBusyWait = time.Since(start)
}

func (eh *errorHandler) sendCommand(cmd byte) {
	if eh.err != nil {
		return
	}
	eh.dcOut(gpio.Low)
	eh.cTx([]byte{cmd})
}

func (eh *errorHandler) sendData(data []byte) {
	if eh.err != nil {
		return
	}
	eh.dcOut(gpio.High)
	eh.cTx(data)
}
