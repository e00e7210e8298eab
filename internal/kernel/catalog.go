package kernel

import (
	"errors"
	"fmt"
)

// ErrUnknownKernel is returned for kernel ids or (op, type) pairs outside the catalog.
var ErrUnknownKernel = errors.New("unknown kernel")

// ID indexes the fixed kernel catalog loaded on every unit.
// The order is part of the launch ABI and must not change.
type ID uint32

const (
	UnaryFloatNegate ID = iota
	UnaryFloatAbs
	UnaryIntNegate
	UnaryIntAbs
	BinaryFloatAdd
	BinaryFloatSub
	BinaryIntAdd
	BinaryIntSub

	// Count is the number of catalog entries.
	Count
)

// Op is an element-wise operation.
type Op uint8

const (
	OpNegate Op = iota
	OpAbs
	OpAdd
	OpSub
)

// Arity returns the number of vector operands the operation takes.
func (op Op) Arity() int {
	switch op {
	case OpAdd, OpSub:
		return 2
	default:
		return 1
	}
}

func (op Op) String() string {
	switch op {
	case OpNegate:
		return "negate"
	case OpAbs:
		return "abs"
	case OpAdd:
		return "add"
	case OpSub:
		return "subtract"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// ElemType is the element type a kernel operates on.
type ElemType uint8

const (
	Int32 ElemType = iota
	Float32
)

// Width returns the element size in bytes.
func (t ElemType) Width() int {
	return 4
}

func (t ElemType) String() string {
	switch t {
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type selector struct {
	op   Op
	elem ElemType
}

var catalog = map[selector]ID{
	{OpNegate, Float32}: UnaryFloatNegate,
	{OpAbs, Float32}:    UnaryFloatAbs,
	{OpNegate, Int32}:   UnaryIntNegate,
	{OpAbs, Int32}:      UnaryIntAbs,
	{OpAdd, Float32}:    BinaryFloatAdd,
	{OpSub, Float32}:    BinaryFloatSub,
	{OpAdd, Int32}:      BinaryIntAdd,
	{OpSub, Int32}:      BinaryIntSub,
}

var names = [Count]string{
	UnaryFloatNegate: "UNARY_FLOAT_NEGATE",
	UnaryFloatAbs:    "UNARY_FLOAT_ABS",
	UnaryIntNegate:   "UNARY_INT_NEGATE",
	UnaryIntAbs:      "UNARY_INT_ABS",
	BinaryFloatAdd:   "BINARY_FLOAT_ADD",
	BinaryFloatSub:   "BINARY_FLOAT_SUB",
	BinaryIntAdd:     "BINARY_INT_ADD",
	BinaryIntSub:     "BINARY_INT_SUB",
}

// Lookup selects the catalog kernel for op over elements of type elem.
func Lookup(op Op, elem ElemType) (ID, error) {
	id, ok := catalog[selector{op, elem}]
	if !ok {
		return 0, fmt.Errorf("%s on %s: %w", op, elem, ErrUnknownKernel)
	}
	return id, nil
}

// Valid reports whether id names a catalog entry.
func (id ID) Valid() bool {
	return id < Count
}

// IsBinary reports whether the kernel reads two operands.
func (id ID) IsBinary() bool {
	return id >= BinaryFloatAdd && id < Count
}

func (id ID) String() string {
	if !id.Valid() {
		return "UNKNOWN_KERNEL_ID"
	}
	return names[id]
}
