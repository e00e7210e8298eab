package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DescriptorSize is the encoded size of one LaunchDescriptor.
const DescriptorSize = 32

// ErrDescriptorSize is returned when an encoded descriptor buffer has the wrong length.
var ErrDescriptorSize = errors.New("malformed launch descriptor buffer")

// LaunchDescriptor carries the parameters of one kernel invocation on one unit.
//
// Encoded layout (little-endian, 8-byte aligned):
//
//	0  u32 kernel id
//	4  u32 element count on this unit
//	8  u32 element width in bytes
//	12 u32 lhs / operand address
//	16 u32 rhs address (binary) or result address (unary)
//	20 u32 result address (binary) or zero (unary)
//	24 u8  binary flag
//	25 reserved
type LaunchDescriptor struct {
	Kernel       ID
	ElementCount uint32
	ElementWidth uint32
	Binary       bool
	// LHS is the operand address for unary kernels.
	LHS    uint32
	RHS    uint32
	Result uint32
}

// AppendBinary appends the 32-byte encoding of d to b.
func (d LaunchDescriptor) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, uint32(d.Kernel))
	b = binary.LittleEndian.AppendUint32(b, d.ElementCount)
	b = binary.LittleEndian.AppendUint32(b, d.ElementWidth)
	if d.Binary {
		b = binary.LittleEndian.AppendUint32(b, d.LHS)
		b = binary.LittleEndian.AppendUint32(b, d.RHS)
		b = binary.LittleEndian.AppendUint32(b, d.Result)
		b = append(b, 1)
	} else {
		b = binary.LittleEndian.AppendUint32(b, d.LHS)
		b = binary.LittleEndian.AppendUint32(b, d.Result)
		b = binary.LittleEndian.AppendUint32(b, 0)
		b = append(b, 0)
	}
	var reserved [7]byte
	return append(b, reserved[:]...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d LaunchDescriptor) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(make([]byte, 0, DescriptorSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *LaunchDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("got %d bytes, want %d: %w", len(data), DescriptorSize, ErrDescriptorSize)
	}
	d.Kernel = ID(binary.LittleEndian.Uint32(data[0:]))
	d.ElementCount = binary.LittleEndian.Uint32(data[4:])
	d.ElementWidth = binary.LittleEndian.Uint32(data[8:])
	d.Binary = data[24] != 0
	d.LHS = binary.LittleEndian.Uint32(data[12:])
	if d.Binary {
		d.RHS = binary.LittleEndian.Uint32(data[16:])
		d.Result = binary.LittleEndian.Uint32(data[20:])
	} else {
		d.RHS = 0
		d.Result = binary.LittleEndian.Uint32(data[16:])
	}
	return nil
}

// EncodeAll packs one descriptor per unit into the flat array pushed before a launch.
func EncodeAll(descs []LaunchDescriptor) ([]byte, error) {
	buf := make([]byte, 0, len(descs)*DescriptorSize)
	for _, d := range descs {
		var err error
		if buf, err = d.AppendBinary(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeAll splits a flat launch argument array back into descriptors.
func DecodeAll(data []byte) ([]LaunchDescriptor, error) {
	if len(data)%DescriptorSize != 0 {
		return nil, fmt.Errorf("length %d is not a multiple of %d: %w", len(data), DescriptorSize, ErrDescriptorSize)
	}
	descs := make([]LaunchDescriptor, len(data)/DescriptorSize)
	for i := range descs {
		if err := descs[i].UnmarshalBinary(data[i*DescriptorSize : (i+1)*DescriptorSize]); err != nil {
			return nil, err
		}
	}
	return descs, nil
}
