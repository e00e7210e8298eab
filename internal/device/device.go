package device

import (
	"errors"

	"github.com/fxnlabs/dpuvec/internal/kernel"
)

var (
	// ErrClosed is returned by operations on a released device set.
	ErrClosed = errors.New("device set closed")
	// ErrNoImage is returned when a launch is issued before a kernel image was loaded.
	ErrNoImage = errors.New("no kernel image loaded")
	// ErrInvalidUnit is returned for unit indexes outside the device set.
	ErrInvalidUnit = errors.New("invalid unit index")
	// ErrAddressRange is returned for transfers or launches outside a unit's bulk memory.
	ErrAddressRange = errors.New("address range outside unit memory")
	// ErrUnknownBackend is returned by NewOpener for unsupported backend names.
	ErrUnknownBackend = errors.New("unknown device backend")
)

// Info describes an acquired device set.
type Info struct {
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	Units        int    `json:"units"`
	UnitCapacity uint64 `json:"unitCapacity"` // bulk memory per unit, in bytes
	Lanes        int    `json:"lanes"`
	KernelImage  string `json:"kernelImage,omitempty"`
}

// Device is a set of compute units acquired from a device subsystem.
// The runtime talks to hardware or the simulator only through this interface.
//
// Implementation notes:
//   - CopyTo, CopyFrom and Launch only initiate work; they return once the
//     operation has been validated and queued on the set.
//   - Operations on a set execute in issue order.
//   - Buffers handed to CopyTo and CopyFrom must stay untouched until the
//     next Callback fires.
//   - Methods are called from a single session owner; Callback functions are
//     invoked from the device's own goroutine.
type Device interface {
	// Units returns the number of units in the set.
	Units() int

	// Load installs the kernel catalog image on every unit.
	// Must be called once before the first Launch.
	Load(img *kernel.Image) error

	// CopyTo initiates a host-to-unit transfer of src into the unit's bulk
	// memory at addr.
	CopyTo(unit int, addr uint32, src []byte) error

	// CopyFrom initiates a unit-to-host transfer of len(dst) bytes at addr.
	CopyFrom(unit int, addr uint32, dst []byte) error

	// Launch pushes one encoded kernel.LaunchDescriptor per unit (a flat
	// array of kernel.DescriptorSize records) and starts the kernel on
	// every unit.
	Launch(args []byte) error

	// Callback arms a one-shot completion notification. fn runs exactly
	// once, after every operation issued before it has completed, and
	// receives the first error raised by those operations (nil on success).
	Callback(fn func(error)) error

	// Info reports the set's properties.
	Info() Info

	// Close waits for outstanding work and releases the units.
	Close() error
}

// Opener acquires device sets from one backend.
type Opener interface {
	Open(units int) (Device, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(units int) (Device, error)

// Open calls f(units).
func (f OpenerFunc) Open(units int) (Device, error) {
	return f(units)
}
