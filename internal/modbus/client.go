// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

type client struct {
	packager    Packager
	transporter Transporter
}

// NewClient creates a new modbus client with given backend handler.
func NewClient(handler ClientHandler) Client {
	return &client{packager: handler, transporter: handler}
}

// NewClientWithPackagerTransporter creates a new modbus client with separate
// packager and transporter. Tests use this to substitute fakes for both.
func NewClientWithPackagerTransporter(packager Packager, transporter Transporter) Client {
	return &client{packager: packager, transporter: transporter}
}

// ReadCoils reads quantity coils (function code 0x01) starting at address.
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, 2000)
	}
	return mb.readArea(ctx, FuncCodeReadCoils, address, quantity, "reading coils")
}

// ReadDiscreteInputs reads quantity discrete inputs (function code 0x02)
// starting at address.
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, 2000)
	}
	return mb.readArea(ctx, FuncCodeReadDiscreteInputs, address, quantity, "reading discrete inputs")
}

// ReadHoldingRegisters reads quantity holding registers (function code 0x03)
// starting at address.
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, 125)
	}
	return mb.readArea(ctx, FuncCodeReadHoldingRegisters, address, quantity, "reading holding registers")
}

// ReadInputRegisters reads quantity input registers (function code 0x04)
// starting at address.
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, 125)
	}
	return mb.readArea(ctx, FuncCodeReadInputRegisters, address, quantity, "reading input registers")
}

// readArea issues a read request for one of the four register areas and
// strips the byte-count prefix every read response shares, regardless of
// area. poller.Poller.read relies on the prefix already being gone.
func (mb *client) readArea(ctx context.Context, fc byte, address, quantity uint16, opName string) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, mb.malformed("decode", fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, length, count))
	}
	return response.Data[1:], nil
}

// WriteSingleCoil writes value (0xFF00 ON or 0x0000 OFF) to the coil at
// address (function code 0x05).
func (mb *client) WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error) {
	if value != 0xFF00 && value != 0x0000 {
		return nil, fmt.Errorf("%w: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", ErrInvalidData, value)
	}
	return mb.writeSingle(ctx, FuncCodeWriteSingleCoil, address, value, "writing single coil")
}

// WriteSingleRegister writes value to the holding register at address
// (function code 0x06).
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error) {
	return mb.writeSingle(ctx, FuncCodeWriteSingleRegister, address, value, "writing single register")
}

// writeSingle issues a write request whose echoed-back address/value reply
// has the fixed 4-byte shape functions 0x05 and 0x06 share.
func (mb *client) writeSingle(ctx context.Context, fc byte, address, value uint16, opName string) ([]byte, error) {
	request := ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlock(address, value),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	if len(response.Data) != 4 {
		return nil, mb.malformed("decode", fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4))
	}
	respAddress := binary.BigEndian.Uint16(response.Data)
	if address != respAddress {
		return nil, mb.malformed("decode", fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respAddress, address))
	}
	results := response.Data[2:]
	respValue := binary.BigEndian.Uint16(results)
	if value != respValue {
		return nil, mb.malformed("decode", fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrInvalidResponse, respValue, value))
	}
	return results, nil
}

// send runs one request/reply exchange: encode, send over the transport,
// verify framing, decode, and reject exception responses. Errors coming
// back from mb.transporter.Send are already *TransportError (classified at
// the point of failure); errors raised here at the packager seam are
// classified the same way so ClassifyError never has to guess from the
// error chain alone.
func (mb *client) send(ctx context.Context, request *ProtocolDataUnit) (response *ProtocolDataUnit, err error) {
	aduRequest, err := mb.packager.Encode(request)
	if err != nil {
		return nil, mb.malformed("encode", fmt.Errorf("encoding PDU: %w", err))
	}
	aduResponse, err := mb.transporter.Send(ctx, aduRequest)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err = mb.packager.Verify(aduRequest, aduResponse); err != nil {
		return nil, fmt.Errorf("verifying response: %w", classifyPackagerErr(err))
	}
	response, err = mb.packager.Decode(aduResponse)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", classifyPackagerErr(err))
	}
	if response.FunctionCode != request.FunctionCode {
		return nil, responseError(response)
	}
	if len(response.Data) == 0 {
		return nil, mb.malformed("decode", fmt.Errorf("%w: response data is empty", ErrInvalidResponse))
	}
	return response, nil
}

// malformed wraps err as a TransportError classified as a malformed frame:
// the shape (byte count, fixed-reply echo) client.go itself checks above
// the packager seam, so classification happens right here rather than
// downstream in ClassifyError.
func (mb *client) malformed(op string, err error) error {
	return &TransportError{Kind: model.ErrorKindMalformedFrame, Op: op, Err: err}
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &ModbusError{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
