package alloc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUnit is returned when a unit index is outside the configured range.
	ErrInvalidUnit = errors.New("invalid unit id")
	// ErrOutOfMemory is returned when a unit has no free range large enough for a request.
	ErrOutOfMemory = errors.New("unit out of memory")
	// ErrInvalidRange is returned when a released range was never handed out or is already free.
	ErrInvalidRange = errors.New("invalid address range")
)

// UnitError ties an allocator failure to the compute unit it happened on.
type UnitError struct {
	Unit int
	Op   string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s on unit %d: %v", e.Op, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}
