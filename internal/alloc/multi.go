package alloc

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// VectorDescriptor describes one logical vector split across all units.
// Index i of each slice belongs to unit i.
type VectorDescriptor struct {
	Addrs    []uint32 `json:"addrs"`
	Sizes    []uint32 `json:"sizes"`
	Counts   []int    `json:"counts"`
	ElemSize int      `json:"elemSize"`
}

// Units returns the number of units the vector spans.
func (d VectorDescriptor) Units() int {
	return len(d.Addrs)
}

// Len returns the logical element count.
func (d VectorDescriptor) Len() int {
	total := 0
	for _, c := range d.Counts {
		total += c
	}
	return total
}

// TotalBytes returns the number of bytes reserved across all units.
func (d VectorDescriptor) TotalBytes() uint64 {
	var total uint64
	for _, s := range d.Sizes {
		total += uint64(s)
	}
	return total
}

// Split divides n elements over the given number of units. Every unit gets
// n/units elements and the first n%units units get one more.
func Split(n, units int) []int {
	counts := make([]int, units)
	if units == 0 {
		return counts
	}
	share, rem := n/units, n%units
	for i := range counts {
		counts[i] = share
		if i < rem {
			counts[i]++
		}
	}
	return counts
}

// MultiUnitAllocator manages the same address window on every compute unit.
// One mutex guards all units.
type MultiUnitAllocator struct {
	mu     sync.Mutex
	units  []*UnitAllocator
	logger *zap.Logger
}

// NewMultiUnitAllocator splits totalCapacity evenly over numUnits units, each
// addressed from base.
func NewMultiUnitAllocator(numUnits int, base uint32, totalCapacity uint64, logger *zap.Logger) (*MultiUnitAllocator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numUnits <= 0 {
		return nil, fmt.Errorf("unit count must be positive, got %d", numUnits)
	}

	perUnit := totalCapacity / uint64(numUnits)
	if perUnit > math.MaxUint32 {
		return nil, fmt.Errorf("per-unit capacity %d exceeds the 32-bit address space", perUnit)
	}

	m := &MultiUnitAllocator{
		units:  make([]*UnitAllocator, numUnits),
		logger: logger,
	}
	for i := range m.units {
		u, err := NewUnitAllocator(base, uint32(perUnit))
		if err != nil {
			return nil, fmt.Errorf("failed to create allocator for unit %d: %w", i, err)
		}
		m.units[i] = u
	}

	logger.Debug("Allocator created",
		zap.Int("units", numUnits),
		zap.Uint32("base", base),
		zap.Uint64("unit_capacity", perUnit))
	return m, nil
}

// Units returns the number of managed units.
func (m *MultiUnitAllocator) Units() int {
	return len(m.units)
}

// Allocate reserves n bytes on one unit.
func (m *MultiUnitAllocator) Allocate(unit int, n uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(unit, n)
}

// Deallocate releases a range previously returned by Allocate on the same unit.
func (m *MultiUnitAllocator) Deallocate(unit int, addr, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deallocateLocked(unit, addr, size)
}

// AllocateVector reserves storage for n elements of elemSize bytes spread
// over every unit. If any unit cannot satisfy its share, the ranges already
// taken on earlier units are released before the error is returned.
func (m *MultiUnitAllocator) AllocateVector(n int, elemSize int) (VectorDescriptor, error) {
	if n < 0 {
		return VectorDescriptor{}, fmt.Errorf("negative element count %d", n)
	}
	if elemSize <= 0 {
		return VectorDescriptor{}, fmt.Errorf("element size must be positive, got %d", elemSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	numUnits := len(m.units)
	desc := VectorDescriptor{
		Addrs:    make([]uint32, numUnits),
		Sizes:    make([]uint32, numUnits),
		Counts:   Split(n, numUnits),
		ElemSize: elemSize,
	}

	for i, count := range desc.Counts {
		bytes := uint64(count) * uint64(elemSize)
		if bytes > math.MaxUint32 {
			m.rollbackLocked(desc, i)
			return VectorDescriptor{}, &UnitError{Unit: i, Op: "allocate", Err: fmt.Errorf("requested %d bytes: %w", bytes, ErrOutOfMemory)}
		}
		addr, err := m.allocateLocked(i, uint32(bytes))
		if err != nil {
			m.rollbackLocked(desc, i)
			m.logger.Warn("Vector allocation failed",
				zap.Int("elements", n),
				zap.Int("unit", i),
				zap.Error(err))
			return VectorDescriptor{}, err
		}
		desc.Addrs[i] = addr
		desc.Sizes[i] = uint32(bytes)
	}

	if ce := m.logger.Check(zap.DebugLevel, "Vector allocated"); ce != nil {
		ce.Write(zap.Int("elements", n), zap.Int("elem_size", elemSize), zap.Uint32s("addrs", desc.Addrs), zap.Uint32s("sizes", desc.Sizes))
	}
	return desc, nil
}

// DeallocateVector releases every unit range of desc. All units are
// attempted; the first failure is returned.
func (m *MultiUnitAllocator) DeallocateVector(desc VectorDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(desc.Addrs) != len(desc.Sizes) {
		return fmt.Errorf("malformed descriptor: %d addresses, %d sizes", len(desc.Addrs), len(desc.Sizes))
	}

	var firstErr error
	for i := range desc.Addrs {
		if err := m.deallocateLocked(i, desc.Addrs[i], desc.Sizes[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot for every unit.
func (m *MultiUnitAllocator) Stats() []UnitStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]UnitStats, len(m.units))
	for i, u := range m.units {
		stats[i] = u.Stats()
	}
	return stats
}

// UnitStats returns a snapshot for one unit.
func (m *MultiUnitAllocator) UnitStats(unit int) (UnitStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.unit(unit, "stats")
	if err != nil {
		return UnitStats{}, err
	}
	return u.Stats(), nil
}

// FreeBlocks returns the free list of one unit.
func (m *MultiUnitAllocator) FreeBlocks(unit int) ([]FreeBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.unit(unit, "free-blocks")
	if err != nil {
		return nil, err
	}
	return u.FreeBlocks(), nil
}

func (m *MultiUnitAllocator) unit(idx int, op string) (*UnitAllocator, error) {
	if idx < 0 || idx >= len(m.units) {
		return nil, &UnitError{Unit: idx, Op: op, Err: ErrInvalidUnit}
	}
	return m.units[idx], nil
}

func (m *MultiUnitAllocator) allocateLocked(unit int, n uint32) (uint32, error) {
	u, err := m.unit(unit, "allocate")
	if err != nil {
		return 0, err
	}
	addr, err := u.Allocate(n)
	if err != nil {
		return 0, &UnitError{Unit: unit, Op: "allocate", Err: err}
	}
	return addr, nil
}

func (m *MultiUnitAllocator) deallocateLocked(unit int, addr, size uint32) error {
	u, err := m.unit(unit, "deallocate")
	if err != nil {
		return err
	}
	if err := u.Deallocate(addr, size); err != nil {
		return &UnitError{Unit: unit, Op: "deallocate", Err: err}
	}
	return nil
}

// rollbackLocked releases the ranges taken on units [0, upTo).
func (m *MultiUnitAllocator) rollbackLocked(desc VectorDescriptor, upTo int) {
	for i := 0; i < upTo; i++ {
		if err := m.units[i].Deallocate(desc.Addrs[i], desc.Sizes[i]); err != nil {
			m.logger.Error("Rollback of partial vector allocation failed", zap.Int("unit", i), zap.Error(err))
		}
	}
}
