package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/sync/errgroup"
)

const (
	// BlockSizeLog2 sets the block granularity used by every kernel.
	BlockSizeLog2 = 5
	// BlockSize is the number of elements staged into fast memory at a time.
	BlockSize = 1 << BlockSizeLog2
)

// ErrBadDescriptor is returned when a descriptor does not match the kernel it names.
var ErrBadDescriptor = errors.New("launch descriptor does not match kernel")

// Memory is a unit's bulk memory as seen by a kernel. Lanes read and write
// disjoint ranges concurrently.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

type unaryFunc func(x uint32) uint32

type binaryFunc func(x, y uint32) uint32

type entry struct {
	unary  unaryFunc
	binary binaryFunc
}

// Image is a loadable kernel catalog: one entry per ID.
type Image struct {
	name    string
	entries [Count]entry
}

// Builtin returns the standard 8-kernel catalog.
func Builtin() *Image {
	f := math.Float32frombits
	b := math.Float32bits
	return &Image{
		name: "builtin",
		entries: [Count]entry{
			UnaryFloatNegate: {unary: func(x uint32) uint32 { return b(-f(x)) }},
			UnaryFloatAbs:    {unary: func(x uint32) uint32 { return b(float32(math.Abs(float64(f(x))))) }},
			UnaryIntNegate:   {unary: func(x uint32) uint32 { return uint32(-int32(x)) }},
			UnaryIntAbs: {unary: func(x uint32) uint32 {
				if v := int32(x); v < 0 {
					return uint32(-v)
				}
				return x
			}},
			BinaryFloatAdd: {binary: func(x, y uint32) uint32 { return b(f(x) + f(y)) }},
			BinaryFloatSub: {binary: func(x, y uint32) uint32 { return b(f(x) - f(y)) }},
			BinaryIntAdd:   {binary: func(x, y uint32) uint32 { return uint32(int32(x) + int32(y)) }},
			BinaryIntSub:   {binary: func(x, y uint32) uint32 { return uint32(int32(x) - int32(y)) }},
		},
	}
}

// Name identifies the image, for logs and device info.
func (img *Image) Name() string {
	return img.name
}

// Execute runs the kernel named by d over mem, striping 32-element blocks
// across lanes: lane i owns blocks i, i+lanes, i+2*lanes, ...
func (img *Image) Execute(mem Memory, d LaunchDescriptor, lanes int) error {
	if !d.Kernel.Valid() {
		return fmt.Errorf("kernel id %d: %w", d.Kernel, ErrUnknownKernel)
	}
	if d.Binary != d.Kernel.IsBinary() {
		return fmt.Errorf("%s with binary flag %t: %w", d.Kernel, d.Binary, ErrBadDescriptor)
	}
	if d.ElementWidth != 4 {
		return fmt.Errorf("%s with element width %d: %w", d.Kernel, d.ElementWidth, ErrBadDescriptor)
	}
	if lanes <= 0 {
		return fmt.Errorf("lane count must be positive, got %d", lanes)
	}

	e := img.entries[d.Kernel]
	var g errgroup.Group
	for lane := 0; lane < lanes; lane++ {
		g.Go(func() error {
			return runLane(mem, d, e, lane, lanes)
		})
	}
	return g.Wait()
}

func runLane(mem Memory, d LaunchDescriptor, e entry, lane, lanes int) error {
	width := int(d.ElementWidth)
	n := int(d.ElementCount)

	// Fast-memory staging buffers private to the lane.
	lhs := make([]byte, BlockSize*width)
	rhs := make([]byte, BlockSize*width)
	res := make([]byte, BlockSize*width)

	for loc := lane << BlockSizeLog2; loc < n; loc += lanes << BlockSizeLog2 {
		count := min(BlockSize, n-loc)
		size := count * width
		off := int64(loc * width)

		if _, err := mem.ReadAt(lhs[:size], int64(d.LHS)+off); err != nil {
			return fmt.Errorf("lane %d stage-in: %w", lane, err)
		}
		if d.Binary {
			if _, err := mem.ReadAt(rhs[:size], int64(d.RHS)+off); err != nil {
				return fmt.Errorf("lane %d stage-in: %w", lane, err)
			}
		}

		for i := 0; i < size; i += width {
			x := binary.LittleEndian.Uint32(lhs[i:])
			var r uint32
			if d.Binary {
				r = e.binary(x, binary.LittleEndian.Uint32(rhs[i:]))
			} else {
				r = e.unary(x)
			}
			binary.LittleEndian.PutUint32(res[i:], r)
		}

		if _, err := mem.WriteAt(res[:size], int64(d.Result)+off); err != nil {
			return fmt.Errorf("lane %d stage-out: %w", lane, err)
		}
	}
	return nil
}
