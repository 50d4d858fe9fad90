package decode

import (
	"testing"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

func TestDecodeNumeric(t *testing.T) {
	tests := []struct {
		name  string
		frame RawFrame
		spec  model.RegisterSpec
		want  any
	}{
		{
			name:  "u16",
			frame: RawFrame{Words: []uint16{42}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeU16, Count: 1},
			want:  float64(42),
		},
		{
			name:  "i16 negative",
			frame: RawFrame{Words: []uint16{0xFFFF}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeI16, Count: 1},
			want:  float64(-1),
		},
		{
			name:  "u16 scaled",
			frame: RawFrame{Words: []uint16{100}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeU16, Count: 1, Scale: 0.1},
			want:  10.0,
		},
		{
			name:  "u16 offset",
			frame: RawFrame{Words: []uint16{100}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeU16, Count: 1, Offset: 5},
			want:  105.0,
		},
		{
			name:  "u32_be",
			frame: RawFrame{Words: []uint16{0x0001, 0x0000}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeU32BE, Count: 2},
			want:  float64(0x00010000),
		},
		{
			name:  "u32_le",
			frame: RawFrame{Words: []uint16{0x0000, 0x0001}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeU32LE, Count: 2},
			want:  float64(0x00010000),
		},
		{
			name:  "f32_be",
			frame: RawFrame{Words: []uint16{0x4120, 0x0000}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeF32BE, Count: 2},
			want:  float64(10),
		},
		{
			name:  "bool true",
			frame: RawFrame{Bits: []bool{true}},
			spec:  model.RegisterSpec{Name: "r", DType: model.DataTypeBool, Count: 1},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Decode(tt.frame, tt.spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeString(t *testing.T) {
	frame := RawFrame{Words: []uint16{0x4142, 0x4300}}
	spec := model.RegisterSpec{Name: "r", DType: model.DataTypeString, Count: 2}

	got, _, err := Decode(frame, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ABC" {
		t.Errorf("got %q, want %q", got, "ABC")
	}
}

func TestDecodeShortFrame(t *testing.T) {
	frame := RawFrame{Words: []uint16{1}}
	spec := model.RegisterSpec{Name: "r", DType: model.DataTypeU32BE, Count: 2}

	_, _, err := Decode(frame, spec)
	if err == nil {
		t.Fatal("expected error for short frame, got nil")
	}
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    model.RegisterSpec
		wantErr bool
	}{
		{
			name: "bool on coil ok",
			spec: model.RegisterSpec{Name: "r", Area: model.AreaCoil, DType: model.DataTypeBool, Count: 1},
		},
		{
			name:    "bool on holding register rejected",
			spec:    model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeBool, Count: 1},
			wantErr: true,
		},
		{
			name: "u16 on holding register ok",
			spec: model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeU16, Count: 1},
		},
		{
			name:    "u16 with count 2 rejected",
			spec:    model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeU16, Count: 2},
			wantErr: true,
		},
		{
			name: "u32 with count 2 ok",
			spec: model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeU32BE, Count: 2},
		},
		{
			name:    "u32 with count 1 rejected",
			spec:    model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeU32BE, Count: 1},
			wantErr: true,
		},
		{
			name:    "register count over max rejected",
			spec:    model.RegisterSpec{Name: "r", Area: model.AreaHoldingRegister, DType: model.DataTypeString, Count: 126},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
