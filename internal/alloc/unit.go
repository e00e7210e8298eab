package alloc

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// FreeBlock is a released range inside one unit's address space.
type FreeBlock struct {
	Addr uint32 `json:"addr"`
	Size uint32 `json:"size"`
}

func (b FreeBlock) end() uint64 {
	return uint64(b.Addr) + uint64(b.Size)
}

// UnitStats is a point-in-time view of one unit allocator.
type UnitStats struct {
	Capacity      uint32 `json:"capacity"`
	Offset        uint32 `json:"offset"`
	InUse         uint32 `json:"inUse"`
	FreeListBytes uint32 `json:"freeListBytes"`
	FreeBlocks    int    `json:"freeBlocks"`
	LargestFree   uint32 `json:"largestFree"`
}

// Free returns the number of bytes that can still be handed out,
// counting both the untouched tail and the free list.
func (s UnitStats) Free() uint32 {
	return s.Capacity - s.Offset + s.FreeListBytes
}

// UnitAllocator hands out byte ranges from a single unit's bulk memory.
//
// New ranges come from a best-fit scan of an address-sorted free list and,
// when nothing fits, from a bump pointer over the untouched tail. Released
// ranges are coalesced with their neighbours; a free block that reaches the
// bump pointer is folded back into the tail.
//
// UnitAllocator is not safe for concurrent use; MultiUnitAllocator
// serializes access to all of its units.
type UnitAllocator struct {
	base     uint32
	capacity uint32
	offset   uint32
	inUse    uint32
	free     []FreeBlock
}

// NewUnitAllocator creates an allocator for [base, base+capacity).
func NewUnitAllocator(base, capacity uint32) (*UnitAllocator, error) {
	if uint64(base)+uint64(capacity) > math.MaxUint32+1 {
		return nil, fmt.Errorf("unit range [%#x, +%d) exceeds the 32-bit address space", base, capacity)
	}
	return &UnitAllocator{base: base, capacity: capacity}, nil
}

// Allocate reserves n bytes and returns the start address of the range.
// A zero-byte request returns the current bump address and changes nothing.
func (u *UnitAllocator) Allocate(n uint32) (uint32, error) {
	if n == 0 {
		return u.base + u.offset, nil
	}

	// Ties keep the lowest address since the list is sorted.
	best := -1
	for i, b := range u.free {
		if b.Size >= n && (best < 0 || b.Size < u.free[best].Size) {
			best = i
		}
	}

	if best >= 0 {
		blk := &u.free[best]
		addr := blk.Addr
		if blk.Size > n {
			blk.Addr += n
			blk.Size -= n
		} else {
			u.free = slices.Delete(u.free, best, best+1)
		}
		u.inUse += n
		return addr, nil
	}

	if uint64(u.offset)+uint64(n) > uint64(u.capacity) {
		return 0, fmt.Errorf("requested %d bytes, %d left in tail and %d in free list: %w",
			n, u.capacity-u.offset, u.freeListBytes(), ErrOutOfMemory)
	}

	addr := u.base + u.offset
	u.offset += n
	u.inUse += n
	return addr, nil
}

// Deallocate releases [addr, addr+size) and merges it with adjacent free blocks.
// Releasing zero bytes is a no-op.
//
// A merged block that ends at the bump offset is not kept in the free list:
// the offset moves back to the block's start instead. FreeBlocks therefore
// only lists free space below the last live allocation, and a split block
// whose pieces are all released near the tail shows up as a lower offset
// rather than as a restored free block.
func (u *UnitAllocator) Deallocate(addr, size uint32) error {
	if size == 0 {
		return nil
	}

	end := uint64(addr) + uint64(size)
	if addr < u.base || end > uint64(u.base)+uint64(u.offset) {
		return fmt.Errorf("range [%#x, %#x) outside allocated region: %w", addr, end, ErrInvalidRange)
	}

	i, _ := slices.BinarySearchFunc(u.free, addr, func(b FreeBlock, a uint32) int {
		return cmp.Compare(b.Addr, a)
	})
	if i > 0 && u.free[i-1].end() > uint64(addr) {
		return fmt.Errorf("range [%#x, %#x) overlaps free block at %#x: %w", addr, end, u.free[i-1].Addr, ErrInvalidRange)
	}
	if i < len(u.free) && uint64(u.free[i].Addr) < end {
		return fmt.Errorf("range [%#x, %#x) overlaps free block at %#x: %w", addr, end, u.free[i].Addr, ErrInvalidRange)
	}

	u.free = slices.Insert(u.free, i, FreeBlock{Addr: addr, Size: size})
	u.inUse -= size

	// Right neighbour first so that i stays valid for the left merge.
	if i+1 < len(u.free) && u.free[i].end() == uint64(u.free[i+1].Addr) {
		u.free[i].Size += u.free[i+1].Size
		u.free = slices.Delete(u.free, i+1, i+2)
	}
	if i > 0 && u.free[i-1].end() == uint64(u.free[i].Addr) {
		u.free[i-1].Size += u.free[i].Size
		u.free = slices.Delete(u.free, i, i+1)
	}

	if last := len(u.free) - 1; last >= 0 && u.free[last].end() == uint64(u.base)+uint64(u.offset) {
		u.offset -= u.free[last].Size
		u.free = u.free[:last]
	}
	return nil
}

// FreeBlocks returns a copy of the free list in address order.
func (u *UnitAllocator) FreeBlocks() []FreeBlock {
	return slices.Clone(u.free)
}

// Stats reports the allocator's current usage.
func (u *UnitAllocator) Stats() UnitStats {
	largest := u.capacity - u.offset
	for _, b := range u.free {
		largest = max(largest, b.Size)
	}
	return UnitStats{
		Capacity:      u.capacity,
		Offset:        u.offset,
		InUse:         u.inUse,
		FreeListBytes: u.freeListBytes(),
		FreeBlocks:    len(u.free),
		LargestFree:   largest,
	}
}

func (u *UnitAllocator) freeListBytes() uint32 {
	var total uint32
	for _, b := range u.free {
		total += b.Size
	}
	return total
}
