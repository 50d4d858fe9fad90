package modbus

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// classifyPackagerErr wraps a Packager.Verify/Decode failure as a
// TransportError carrying the ErrorKind it represents, so a checksum or
// transaction-id mismatch is tagged the moment the mismatch is detected
// rather than re-derived later from the sentinel it wraps.
func classifyPackagerErr(err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case errors.Is(err, ErrChecksum):
		return &TransportError{Kind: model.ErrorKindChecksumMismatch, Op: "verify", Err: err}
	case errors.Is(err, ErrTransactionMismatch):
		return &TransportError{Kind: model.ErrorKindTransactionIDMismatch, Op: "verify", Err: err}
	case errors.Is(err, ErrProtocolError), errors.Is(err, ErrShortFrame), errors.Is(err, ErrInvalidResponse):
		return &TransportError{Kind: model.ErrorKindMalformedFrame, Op: "verify", Err: err}
	default:
		return &TransportError{Kind: model.ErrorKindMalformedFrame, Op: "verify", Err: err}
	}
}

// classifyDialErr classifies a connection-establishment failure from
// net.Dialer.DialContext or go.bug.st/serial.Open.
func classifyDialErr(err error) model.ErrorKind {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.ErrorKindConnectRefused
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return model.ErrorKindConnectTimeout
		}
		return model.ErrorKindConnectRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindConnectTimeout
	}
	return model.ErrorKindConnectRefused
}

// classifyIOErr classifies a write or read failure on an already-connected
// transport (TCP socket or serial port).
func classifyIOErr(err error) model.ErrorKind {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return model.ErrorKindEOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindReadTimeout
	}
	return model.ErrorKindWriteError
}
