// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus implements the Modbus Application Protocol PDU, its TCP
// (MBAP), RTU and ASCII framings, and a protocol client scoped to the
// register operations the gateway actually drives (spec.md §2): reading one
// of the four register areas and writing a single coil or holding register.
// The wire vocabulary (function codes, exception codes) stays complete
// because internal/simulator uses it to emulate a full device; the Client
// API deliberately does not.
package modbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// Function codes defined in the Modbus Application Protocol v1.1b3. The
// gateway's Client only drives the first six; the rest remain here because
// internal/simulator's Handler emulates a device that must recognize (and,
// where unsupported, cleanly reject) the full set.
const (
	FuncCodeReadCoils                  byte = 1
	FuncCodeReadDiscreteInputs         byte = 2
	FuncCodeReadHoldingRegisters       byte = 3
	FuncCodeReadInputRegisters         byte = 4
	FuncCodeWriteSingleCoil            byte = 5
	FuncCodeWriteSingleRegister        byte = 6
	FuncCodeReadExceptionStatus        byte = 7
	FuncCodeWriteMultipleCoils         byte = 15
	FuncCodeWriteMultipleRegisters     byte = 16
	FuncCodeMaskWriteRegister          byte = 22
	FuncCodeReadWriteMultipleRegisters byte = 23
	FuncCodeReadFIFOQueue              byte = 24
)

// Exception codes returned in the data byte of an exception response
// (function code with the high bit set).
const (
	ExceptionCodeIllegalFunction                    byte = 1
	ExceptionCodeIllegalDataAddress                 byte = 2
	ExceptionCodeIllegalDataValue                   byte = 3
	ExceptionCodeServerDeviceFailure                byte = 4
	ExceptionCodeAcknowledge                        byte = 5
	ExceptionCodeServerDeviceBusy                   byte = 6
	ExceptionCodeMemoryParityError                  byte = 8
	ExceptionCodeGatewayPathUnavailable              byte = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond  byte = 11
)

var exceptionCodeNames = map[byte]string{
	ExceptionCodeIllegalFunction:                    "illegal function",
	ExceptionCodeIllegalDataAddress:                 "illegal data address",
	ExceptionCodeIllegalDataValue:                   "illegal data value",
	ExceptionCodeServerDeviceFailure:                "server device failure",
	ExceptionCodeAcknowledge:                        "acknowledge",
	ExceptionCodeServerDeviceBusy:                   "server device busy",
	ExceptionCodeMemoryParityError:                  "memory parity error",
	ExceptionCodeGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionCodeGatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

// Sentinel errors. Wrapped with %w so callers can dispatch with errors.Is;
// classifyPackagerErr (classify.go) turns them into the model.ErrorKind a
// TransportError carries.
var (
	ErrInvalidQuantity     = errors.New("modbus: invalid quantity")
	ErrInvalidData         = errors.New("modbus: invalid data")
	ErrInvalidResponse     = errors.New("modbus: invalid response")
	ErrProtocolError       = errors.New("modbus: protocol error")
	ErrShortFrame          = errors.New("modbus: frame too short")
	ErrChecksum            = errors.New("modbus: checksum mismatch")
	ErrTransactionMismatch = errors.New("modbus: transaction id mismatch")
)

// ProtocolDataUnit is function code + payload, independent of framing.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ModbusError reports an exception response (function code with the high
// bit set, carrying a single exception code byte). It is not a transport
// or framing failure and is never retried by the client.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ModbusError) Error() string {
	name, ok := exceptionCodeNames[e.ExceptionCode]
	if !ok {
		name = fmt.Sprintf("unknown exception code %d", e.ExceptionCode)
	}
	return fmt.Sprintf("modbus: function %d: %s", e.FunctionCode&0x7F, name)
}

// TransportError pairs a raw codec/transport failure with the ErrorKind the
// retry policy and DeviceStatus/ErrorEvent reporting (spec.md §7) dispatch
// on. It is produced at the point the failure actually occurred -
// tcpTransporter.Send, rtuSerialTransporter.Send, asciiSerialTransporter.Send,
// or client.send()'s Verify/Decode step - rather than reconstructed
// afterwards by pattern-matching the error chain.
type TransportError struct {
	Kind model.ErrorKind
	Op   string // "dial", "write", "read", "decode"
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("modbus: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Packager encodes a PDU into a framed ADU and decodes/verifies the reply.
type Packager interface {
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest, aduResponse []byte) (err error)
}

// Transporter performs a framed request/reply exchange. Connection
// lifecycle is not part of this interface: callers that need to manage
// it (see ClientHandler) do so through the concrete handler type.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// ClientHandler groups the Packager and Transporter methods a concrete
// framing (TCP/RTU/ASCII) must implement, plus the connection lifecycle
// behind it.
type ClientHandler interface {
	Packager
	Transporter
	Connect() error
	Close() error
}

// Client is the subset of the Modbus master API the gateway's poller and
// write_register API boundary actually drive (spec.md §2, §6): reading one
// of the four register areas by address/count, and writing a single coil or
// holding register. Other function codes the wire protocol defines
// (WriteMultiple*, MaskWriteRegister, ReadWriteMultipleRegisters,
// ReadFIFOQueue) have no RegisterSpec operation that needs them and are not
// exposed here.
type Client interface {
	ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error)
	WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error)
}
