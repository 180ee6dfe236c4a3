package epd

import "time"

// UC8159 command set.
const (
	cmdPSR   = 0x00 // panel setting
	cmdPWR   = 0x01 // power setting
	cmdPOF   = 0x02 // power off
	cmdPON   = 0x04 // power on
	cmdBTST  = 0x06 // booster soft start
	cmdDSLP  = 0x07 // deep sleep
	cmdDTM1  = 0x10 // data start transmission
	cmdDSP   = 0x11 // data stop
	cmdDRF   = 0x12 // display refresh
	cmdPLL   = 0x30
	cmdTSE   = 0x41 // temperature sensor select
	cmdCDI   = 0x50 // VCOM and data interval
	cmdTCON  = 0x60
	cmdTRES  = 0x61 // resolution
	cmdVDCS  = 0x82 // VCM DC
	cmdTSSET = 0xE5 // flash mode

	deepSleepCheck = 0xA5
)

// controller is what the command sequences need from the hardware. The
// errorHandler implements it over SPI; tests record the calls.
type controller interface {
	reset()
	sendCommand(byte)
	sendData([]byte)
	waitUntilIdle(timeout time.Duration)
}

// initPanel is the vendor bring-up: waveform tables come from the
// controller's OTP, then power, registers and one power cycle.
func initPanel(ctrl controller, o *Opts) {
	ctrl.reset()
	ctrl.waitUntilIdle(o.InitTimeout)

	ctrl.sendCommand(cmdPSR)
	ctrl.sendData([]byte{0xCF, 0x08})

	ctrl.sendCommand(cmdPWR)
	ctrl.sendData([]byte{0x37, 0x00})

	ctrl.sendCommand(cmdBTST)
	ctrl.sendData([]byte{0xC7, 0xCC, 0x28})

	ctrl.sendCommand(cmdPON)
	ctrl.waitUntilIdle(o.InitTimeout)

	ctrl.sendCommand(cmdPLL)
	ctrl.sendData([]byte{0x3C})

	ctrl.sendCommand(cmdTSE)
	ctrl.sendData([]byte{0x00})

	ctrl.sendCommand(cmdCDI)
	ctrl.sendData([]byte{0x77})

	ctrl.sendCommand(cmdTCON)
	ctrl.sendData([]byte{0x22})

	// 600 x 448, big endian.
	ctrl.sendCommand(cmdTRES)
	ctrl.sendData([]byte{0x02, 0x58, 0x01, 0xC0})

	ctrl.sendCommand(cmdVDCS)
	ctrl.sendData([]byte{0x1E})

	ctrl.sendCommand(cmdTSSET)
	ctrl.sendData([]byte{0x03})

	ctrl.sendCommand(cmdPOF)
	ctrl.waitUntilIdle(o.InitTimeout)
	ctrl.sendCommand(cmdPON)
	ctrl.waitUntilIdle(o.InitTimeout)
}

// padFrame fills the rest of the frame with fill, at most chunk bytes per
// write, then closes the data transaction.
func padFrame(ctrl controller, remaining, chunk int, fill byte) {
	if remaining > 0 {
		buf := make([]byte, min(remaining, chunk))
		for i := range buf {
			buf[i] = fill
		}
		for remaining > 0 {
			n := min(remaining, len(buf))
			ctrl.sendData(buf[:n])
			remaining -= n
		}
	}
	ctrl.sendCommand(cmdDSP)
}

func refreshPanel(ctrl controller, o *Opts) {
	ctrl.sendCommand(cmdPON)
	ctrl.waitUntilIdle(o.InitTimeout)
	ctrl.sendCommand(cmdDRF)
	ctrl.waitUntilIdle(o.RefreshTimeout)
}

// sleepPanel floats the border, drops the analog rails and enters deep
// sleep. Nothing moves, so BUSY is not waited on.
func sleepPanel(ctrl controller) {
	ctrl.sendCommand(cmdCDI)
	ctrl.sendData([]byte{0x17})
	ctrl.sendCommand(cmdPOF)
	ctrl.sendCommand(cmdDSLP)
	ctrl.sendData([]byte{deepSleepCheck})
}
