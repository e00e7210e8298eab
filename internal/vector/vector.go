// Package vector provides DistributedVector, a typed array whose elements are
// split evenly over every unit of a runtime context. Element-wise kernels run
// on each unit's slice in place, so operands of one operation must have the
// same length.
package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fxnlabs/dpuvec/internal/alloc"
	"github.com/fxnlabs/dpuvec/internal/event"
	"github.com/fxnlabs/dpuvec/internal/kernel"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"go.uber.org/zap"
)

var (
	ErrLengthMismatch = errors.New("operand lengths differ")
	ErrArity          = errors.New("wrong number of operands")
	ErrFreed          = errors.New("vector storage has been freed")
	ErrForeignContext = errors.New("operands belong to different runtime contexts")
	// ErrStale is returned for vectors allocated by a unit set that has since
	// been released.
	ErrStale          = errors.New("vector belongs to a released unit set")
)

// Element is the set of supported element types.
type Element interface {
	int32 | float32
}

func elemType[T Element]() kernel.ElemType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return kernel.Int32
	default:
		return kernel.Float32
	}
}

// storage is shared by a vector and its aliases. session is the runtime
// session whose allocator produced desc.
type storage struct {
	desc    alloc.VectorDescriptor
	session uint64
	freed   bool
}

// Vector is a DistributedVector of T. The zero value is not usable.
type Vector[T Element] struct {
	rt     *runtime.Context
	logger *zap.Logger
	store  *storage
	name   string
	owner  bool
}

// New allocates an uninitialized vector of n elements, initializing rt on
// first use. The returned vector owns its storage.
func New[T Element](rt *runtime.Context, n int, name string) (*Vector[T], error) {
	if err := rt.EnsureInit(); err != nil {
		return nil, err
	}
	session := rt.Session()
	et := elemType[T]()
	desc, err := rt.AllocateVector(n, et.Width())
	if err != nil {
		return nil, fmt.Errorf("allocating %q (%d x %s): %w", name, n, et, err)
	}

	logger := rt.Logger().Named("vector")
	if ce := logger.Check(zap.DebugLevel, "Vector allocated"); ce != nil {
		ce.Write(zap.String("name", name),
			zap.Stringer("type", et),
			zap.Int("elements", n),
			zap.Uint32s("addrs", desc.Addrs),
			zap.Ints("counts", desc.Counts))
	}
	return &Vector[T]{
		rt:     rt,
		logger: logger,
		store:  &storage{desc: desc, session: session},
		name:   name,
		owner:  true,
	}, nil
}

// FromHost allocates a vector sized to data and copies data into it,
// scattering consecutive slices to consecutive units. It returns once the
// transfer has completed.
func FromHost[T Element](ctx context.Context, rt *runtime.Context, data []T, name string) (*Vector[T], error) {
	v, err := New[T](rt, len(data), name)
	if err != nil {
		return nil, err
	}

	desc := v.store.desc
	chunks := make([][]byte, desc.Units())
	off := 0
	for u, count := range desc.Counts {
		chunks[u] = make([]byte, desc.Sizes[u])
		if count > 0 {
			if _, err := binary.Encode(chunks[u], binary.LittleEndian, data[off:off+count]); err != nil {
				_ = v.Free()
				return nil, fmt.Errorf("encoding %q for unit %d: %w", name, u, err)
			}
		}
		off += count
	}

	dev := rt.Device()
	e := event.New(event.TransferIn, func() error {
		for u, chunk := range chunks {
			if err := dev.CopyTo(u, desc.Addrs[u], chunk); err != nil {
				return err
			}
		}
		return nil
	}).WithLabel(name)

	if _, err := rt.Run(ctx, e); err != nil {
		_ = v.Free()
		return nil, fmt.Errorf("copying %q to units: %w", name, err)
	}
	return v, nil
}

// ToHost gathers the vector back into host memory in element order.
func (v *Vector[T]) ToHost(ctx context.Context) ([]T, error) {
	if err := v.live(); err != nil {
		return nil, err
	}

	desc := v.store.desc
	chunks := make([][]byte, desc.Units())
	for u := range chunks {
		chunks[u] = make([]byte, desc.Sizes[u])
	}

	dev := v.rt.Device()
	e := event.New(event.TransferOut, func() error {
		for u, chunk := range chunks {
			if err := dev.CopyFrom(u, desc.Addrs[u], chunk); err != nil {
				return err
			}
		}
		return nil
	}).WithLabel(v.name)

	if _, err := v.rt.Run(ctx, e); err != nil {
		return nil, fmt.Errorf("copying %q from units: %w", v.name, err)
	}

	out := make([]T, desc.Len())
	off := 0
	for u, count := range desc.Counts {
		if count > 0 {
			if _, err := binary.Decode(chunks[u], binary.LittleEndian, out[off:off+count]); err != nil {
				return nil, fmt.Errorf("decoding %q from unit %d: %w", v.name, u, err)
			}
		}
		off += count
	}
	return out, nil
}

// Launch applies op element-wise to operands and returns a new vector
// holding the result. The first operand is the left-hand side of binary
// operations. It returns once the kernel has completed on every unit.
func Launch[T Element](ctx context.Context, op kernel.Op, operands ...*Vector[T]) (*Vector[T], error) {
	id, err := kernel.Lookup(op, elemType[T]())
	if err != nil {
		return nil, err
	}
	if len(operands) != op.Arity() {
		return nil, fmt.Errorf("%s takes %d operands, got %d: %w", op, op.Arity(), len(operands), ErrArity)
	}

	lead := operands[0]
	names := make([]string, len(operands))
	for i, o := range operands {
		if o == nil {
			return nil, fmt.Errorf("%s operand %d is nil", op, i)
		}
		if err := o.live(); err != nil {
			return nil, err
		}
		if o.rt != lead.rt {
			return nil, ErrForeignContext
		}
		if o.Len() != lead.Len() {
			return nil, fmt.Errorf("%s: %q has %d elements, %q has %d: %w", op, lead.name, lead.Len(), o.name, o.Len(), ErrLengthMismatch)
		}
		names[i] = o.name
	}

	rt := lead.rt
	result, err := New[T](rt, lead.Len(), fmt.Sprintf("%s(%s)", op, strings.Join(names, ",")))
	if err != nil {
		return nil, err
	}

	res := result.store.desc
	descs := make([]kernel.LaunchDescriptor, res.Units())
	for u := range descs {
		descs[u] = kernel.LaunchDescriptor{
			Kernel:       id,
			ElementCount: uint32(res.Counts[u]),
			ElementWidth: uint32(res.ElemSize),
			Binary:       id.IsBinary(),
			LHS:          lead.store.desc.Addrs[u],
			Result:       res.Addrs[u],
		}
		if id.IsBinary() {
			descs[u].RHS = operands[1].store.desc.Addrs[u]
		}
	}
	args, err := kernel.EncodeAll(descs)
	if err != nil {
		_ = result.Free()
		return nil, err
	}

	if ce := result.logger.Check(zap.DebugLevel, "Launching kernel"); ce != nil {
		ce.Write(zap.Stringer("kernel", id), zap.String("result", result.name), zap.Ints("counts", res.Counts))
	}

	dev := rt.Device()
	e := event.New(event.Compute, func() error {
		return dev.Launch(args)
	}).WithLabel(result.name)

	if _, err := rt.Run(ctx, e); err != nil {
		_ = result.Free()
		return nil, fmt.Errorf("%s on %d units: %w", id, res.Units(), err)
	}
	return result, nil
}

// Add returns v + other.
func (v *Vector[T]) Add(ctx context.Context, other *Vector[T]) (*Vector[T], error) {
	return Launch(ctx, kernel.OpAdd, v, other)
}

// Sub returns v - other.
func (v *Vector[T]) Sub(ctx context.Context, other *Vector[T]) (*Vector[T], error) {
	return Launch(ctx, kernel.OpSub, v, other)
}

// Negate returns -v.
func (v *Vector[T]) Negate(ctx context.Context) (*Vector[T], error) {
	return Launch(ctx, kernel.OpNegate, v)
}

// Abs returns |v|.
func (v *Vector[T]) Abs(ctx context.Context) (*Vector[T], error) {
	return Launch(ctx, kernel.OpAbs, v)
}

// Fence waits until every event submitted to v's runtime so far has
// completed.
func (v *Vector[T]) Fence(ctx context.Context) error {
	if err := v.live(); err != nil {
		return err
	}
	_, err := v.rt.Run(ctx, event.NewFence().WithLabel(v.name))
	return err
}

// Alias returns a vector sharing v's storage. Freeing an alias does nothing;
// the alias becomes unusable once the owner is freed.
func (v *Vector[T]) Alias() *Vector[T] {
	alias := *v
	alias.owner = false
	return &alias
}

// Free releases the vector's storage on every unit. Only the owner releases
// storage; further calls are no-ops. Storage from a released unit set went
// with it: Free marks the vector freed and reports ErrStale without touching
// the current allocator. A failed release leaves the vector live so that
// Free can be retried.
func (v *Vector[T]) Free() error {
	if !v.owner || v.store.freed {
		return nil
	}
	if v.stale() {
		v.store.freed = true
		return fmt.Errorf("freeing %q: %w", v.name, ErrStale)
	}
	if err := v.rt.DeallocateVector(v.store.desc); err != nil {
		return fmt.Errorf("freeing %q: %w", v.name, err)
	}
	v.store.freed = true
	v.logger.Debug("Vector freed", zap.String("name", v.name))
	return nil
}

// Len returns the number of elements.
func (v *Vector[T]) Len() int {
	return v.store.desc.Len()
}

// Name returns the debug name given at allocation.
func (v *Vector[T]) Name() string {
	return v.name
}

// Owner reports whether v releases its storage on Free.
func (v *Vector[T]) Owner() bool {
	return v.owner
}

// Descriptor returns a copy of the per-unit placement.
func (v *Vector[T]) Descriptor() alloc.VectorDescriptor {
	d := v.store.desc
	return alloc.VectorDescriptor{
		Addrs:    append([]uint32(nil), d.Addrs...),
		Sizes:    append([]uint32(nil), d.Sizes...),
		Counts:   append([]int(nil), d.Counts...),
		ElemSize: d.ElemSize,
	}
}

func (v *Vector[T]) live() error {
	if v.store.freed {
		return fmt.Errorf("%q: %w", v.name, ErrFreed)
	}
	if v.stale() {
		return fmt.Errorf("%q: %w", v.name, ErrStale)
	}
	return nil
}

func (v *Vector[T]) stale() bool {
	return v.rt.Session() != v.store.session
}
