// Package decode turns a RawFrame of register words (or coil/discrete bits)
// into a typed, scaled Sample value (spec.md §4.4).
package decode

import (
	"fmt"
	"math"
	"strings"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// RawFrame is the wire-order payload of one Modbus read reply, before any
// dtype interpretation. Exactly one of Words or Bits is populated,
// depending on the RegisterSpec's Area.
type RawFrame struct {
	Words []uint16
	Bits  []bool
}

// DecodeError reports a RawFrame that cannot be interpreted as the given
// RegisterSpec's dtype — only raised when count is inconsistent with
// dtype; numerically well-formed bytes never fail to decode (spec.md §4.4).
type DecodeError struct {
	Register string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Register, e.Reason)
}

// Decode extracts spec.DType's value from frame, applies scale/offset for
// numeric types, and returns the value plus the raw words retained on the
// Sample. Decoding is idempotent and side-effect free.
func Decode(frame RawFrame, spec model.RegisterSpec) (value any, raw []uint16, err error) {
	need := spec.DType.WordCount(spec.Count)
	if spec.DType == model.DataTypeBool {
		if len(frame.Bits) < 1 {
			return nil, nil, &DecodeError{Register: spec.Name, Reason: "no bits in frame"}
		}
		b := frame.Bits[0]
		raw = []uint16{0}
		if b {
			raw[0] = 1
		}
		return b, raw, nil
	}

	if spec.DType != model.DataTypeString && len(frame.Words) < need {
		return nil, nil, &DecodeError{Register: spec.Name, Reason: fmt.Sprintf("need %d words, got %d", need, len(frame.Words))}
	}

	switch spec.DType {
	case model.DataTypeU16:
		w := frame.Words[0]
		raw = []uint16{w}
		return applyScale(float64(w), spec), raw, nil

	case model.DataTypeI16:
		w := frame.Words[0]
		raw = []uint16{w}
		return applyScale(float64(int16(w)), spec), raw, nil

	case model.DataTypeU32BE:
		raw = frame.Words[:2]
		v := uint32(raw[0])<<16 | uint32(raw[1])
		return applyScale(float64(v), spec), raw, nil

	case model.DataTypeI32BE:
		raw = frame.Words[:2]
		v := uint32(raw[0])<<16 | uint32(raw[1])
		return applyScale(float64(int32(v)), spec), raw, nil

	case model.DataTypeF32BE:
		raw = frame.Words[:2]
		v := uint32(raw[0])<<16 | uint32(raw[1])
		return applyScale(float64(math.Float32frombits(v)), spec), raw, nil

	case model.DataTypeU32LE:
		raw = frame.Words[:2]
		v := uint32(raw[1])<<16 | uint32(raw[0])
		return applyScale(float64(v), spec), raw, nil

	case model.DataTypeI32LE:
		raw = frame.Words[:2]
		v := uint32(raw[1])<<16 | uint32(raw[0])
		return applyScale(float64(int32(v)), spec), raw, nil

	case model.DataTypeF32LE:
		raw = frame.Words[:2]
		v := uint32(raw[1])<<16 | uint32(raw[0])
		return applyScale(float64(math.Float32frombits(v)), spec), raw, nil

	case model.DataTypeU64BE:
		raw = frame.Words[:4]
		v := uint64(raw[0])<<48 | uint64(raw[1])<<32 | uint64(raw[2])<<16 | uint64(raw[3])
		return applyScale(float64(v), spec), raw, nil

	case model.DataTypeF64BE:
		raw = frame.Words[:4]
		v := uint64(raw[0])<<48 | uint64(raw[1])<<32 | uint64(raw[2])<<16 | uint64(raw[3])
		return applyScale(math.Float64frombits(v), spec), raw, nil

	case model.DataTypeU64LE:
		raw = frame.Words[:4]
		v := uint64(raw[3])<<48 | uint64(raw[2])<<32 | uint64(raw[1])<<16 | uint64(raw[0])
		return applyScale(float64(v), spec), raw, nil

	case model.DataTypeF64LE:
		raw = frame.Words[:4]
		v := uint64(raw[3])<<48 | uint64(raw[2])<<32 | uint64(raw[1])<<16 | uint64(raw[0])
		return applyScale(math.Float64frombits(v), spec), raw, nil

	case model.DataTypeString:
		raw = frame.Words
		return decodeString(frame.Words), raw, nil

	default:
		return nil, nil, &DecodeError{Register: spec.Name, Reason: fmt.Sprintf("unsupported dtype %s", spec.DType)}
	}
}

// applyScale computes raw*scale+offset in f64, defaulting scale to 1 and
// offset to 0 when unset (spec.md §3).
func applyScale(raw float64, spec model.RegisterSpec) float64 {
	scale := spec.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + spec.Offset
}

// decodeString concatenates the bytes of each word (high byte, then low
// byte), treats them as ASCII replacing non-ASCII with '?', and trims
// trailing NULs.
func decodeString(words []uint16) string {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		hi := byte(w >> 8)
		lo := byte(w)
		buf = append(buf, asciiOrPlaceholder(hi), asciiOrPlaceholder(lo))
	}
	return strings.TrimRight(string(buf), "\x00")
}

func asciiOrPlaceholder(b byte) byte {
	if b >= 0x20 && b < 0x7F || b == 0x00 {
		return b
	}
	return '?'
}

// ValidateSpec checks the dtype×count consistency invariant of spec.md §3:
// bool<->1 bit area; u16/i16<->count=1; 32-bit types<->count=2;
// 64-bit types<->count=4; string<->count=N.
func ValidateSpec(spec model.RegisterSpec) error {
	switch spec.DType {
	case model.DataTypeBool:
		if !spec.Area.IsBit() {
			return &DecodeError{Register: spec.Name, Reason: "bool dtype requires a coil or discrete_input area"}
		}
		if spec.Count != 1 {
			return &DecodeError{Register: spec.Name, Reason: "bool dtype requires count=1"}
		}
	case model.DataTypeU16, model.DataTypeI16:
		if spec.Area.IsBit() {
			return &DecodeError{Register: spec.Name, Reason: "u16/i16 dtype requires a register area"}
		}
		if spec.Count != 1 {
			return &DecodeError{Register: spec.Name, Reason: "u16/i16 dtype requires count=1"}
		}
	case model.DataTypeU32BE, model.DataTypeI32BE, model.DataTypeF32BE,
		model.DataTypeU32LE, model.DataTypeI32LE, model.DataTypeF32LE:
		if spec.Count != 2 {
			return &DecodeError{Register: spec.Name, Reason: "32-bit dtype requires count=2"}
		}
	case model.DataTypeU64BE, model.DataTypeF64BE, model.DataTypeU64LE, model.DataTypeF64LE:
		if spec.Count != 4 {
			return &DecodeError{Register: spec.Name, Reason: "64-bit dtype requires count=4"}
		}
	case model.DataTypeString:
		if spec.Count < 1 {
			return &DecodeError{Register: spec.Name, Reason: "string dtype requires count>=1"}
		}
	default:
		return &DecodeError{Register: spec.Name, Reason: "unknown dtype"}
	}
	if spec.Area.IsBit() {
		if spec.Count < 1 || spec.Count > 2000 {
			return &DecodeError{Register: spec.Name, Reason: "bit area count must be 1..2000"}
		}
	} else {
		if spec.Count < 1 || spec.Count > 125 {
			return &DecodeError{Register: spec.Name, Reason: "register area count must be 1..125"}
		}
	}
	return nil
}
