// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// Default timeout
	serialTimeout     = 5 * time.Second
	serialIdleTimeout = 60 * time.Second
)

// serialPort has configuration and I/O controller. StopBits and Parity are
// the same primitive shapes model.SerialVariant uses (1 or 2; "none",
// "even", "odd") so device.go can copy a DeviceConfig's serial settings
// straight across without an intermediate enum translation.
type serialPort struct {
	Address     string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	Timeout     time.Duration
	Logger      *slog.Logger
	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         serial.Port
	lastActivity time.Time
	closeTimer   *time.Timer
}

// toSerialStopBits converts the gateway's primitive stop-bit count to the
// serial library's enum.
func toSerialStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// toSerialParity converts the gateway's primitive parity name
// (model.SerialVariant.Parity: "none"/"even"/"odd") to the serial library's
// enum.
func toSerialParity(p string) serial.Parity {
	switch p {
	case "none":
		return serial.NoParity
	case "odd":
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

func (mb *serialPort) Connect() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (mb *serialPort) connect() error {
	if mb.port == nil {
		mode := &serial.Mode{
			BaudRate: mb.BaudRate,
			DataBits: mb.DataBits,
			StopBits: toSerialStopBits(mb.StopBits),
			Parity:   toSerialParity(mb.Parity),
		}
		port, err := serial.Open(mb.Address, mode)
		if err != nil {
			return err
		}
		if mb.Timeout > 0 {
			err = port.SetReadTimeout(mb.Timeout)
			if err != nil {
				port.Close()
				return err
			}
		}
		mb.port = port
	}
	return nil
}

func (mb *serialPort) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

func (mb *serialPort) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}

func (mb *serialPort) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}
	idle := time.Since(mb.lastActivity)
	if idle >= mb.IdleTimeout {
		mb.logf("closing connection due to idle timeout", "idle", idle)
		mb.close()
	}
}
