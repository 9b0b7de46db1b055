// Package pool implements the broker-side stand-in for a receiver's
// memory-mapped pool: a byte arena addressed by offset, written only by
// the broker and read by the owning process through its own mapping.
//
// The broker never reasons about pools beyond allocate/write/free/move;
// a real deployment would back this with a shared-memory segment
// mapped into the receiving process. This implementation is an
// in-process byte arena adequate for the broker's own bookkeeping and
// for tests.
package pool

import (
	"errors"
	"sync"
)

var (
	ErrTooLarge  = errors.New("pool: allocation exceeds pool size")
	ErrBadRange  = errors.New("pool: offset/length out of range")
	ErrFragment  = errors.New("pool: insufficient contiguous free space")
	ErrDoubleFree = errors.New("pool: range already free")
)

// Pool is the external allocator contract the broker depends on.
// Implementations must be safe for concurrent use; the broker still
// serializes access under the owning connection's lock per the
// single-writer policy, but callers outside this module (tests, the
// introspection endpoint) may read concurrently.
type Pool interface {
	// Alloc reserves size contiguous bytes and returns their offset.
	Alloc(size uint32) (offset uint32, err error)
	// WriteAt copies data into a previously allocated range.
	WriteAt(offset uint32, data []byte) error
	// ReadAt returns a copy of a previously written range.
	ReadAt(offset, length uint32) ([]byte, error)
	// Free releases a previously allocated range.
	Free(offset, length uint32) error
	// Move copies a range out of this pool and into dst, allocating
	// fresh space there, then frees the source range. Used by name
	// handoff (spec §4.8) to migrate a queued entry's bytes from an
	// activator's pool to the new owner's pool.
	Move(dst Pool, offset, length uint32) (newOffset uint32, err error)
	// Size returns the pool's total capacity.
	Size() uint32
	// Free space currently available for allocation.
	FreeSpace() uint32
}

type freeRange struct {
	offset, length uint32
}

// Arena is a simple first-fit byte allocator implementing Pool.
type Arena struct {
	mu    sync.Mutex
	buf   []byte
	free  []freeRange
	total uint32
}

// NewArena creates an Arena of the given size, entirely free.
func NewArena(size uint32) *Arena {
	return &Arena{
		buf:   make([]byte, size),
		free:  []freeRange{{offset: 0, length: size}},
		total: size,
	}
}

func (a *Arena) Size() uint32 { return a.total }

func (a *Arena) FreeSpace() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeSpaceLocked()
}

func (a *Arena) freeSpaceLocked() uint32 {
	var total uint32
	for _, r := range a.free {
		total += r.length
	}
	return total
}

func (a *Arena) Alloc(size uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(size)
}

func (a *Arena) allocLocked(size uint32) (uint32, error) {
	if size > a.total {
		return 0, ErrTooLarge
	}
	for i, r := range a.free {
		if r.length >= size {
			offset := r.offset
			if r.length == size {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = freeRange{offset: r.offset + size, length: r.length - size}
			}
			return offset, nil
		}
	}
	return 0, ErrFragment
}

func (a *Arena) WriteAt(offset uint32, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(offset)+uint64(len(data)) > uint64(a.total) {
		return ErrBadRange
	}
	copy(a.buf[offset:], data)
	return nil
}

func (a *Arena) ReadAt(offset, length uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(offset)+uint64(length) > uint64(a.total) {
		return nil, ErrBadRange
	}
	out := make([]byte, length)
	copy(out, a.buf[offset:offset+length])
	return out, nil
}

func (a *Arena) Free(offset, length uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(offset, length)
}

func (a *Arena) freeLocked(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(a.total) {
		return ErrBadRange
	}
	for _, r := range a.free {
		if offset < r.offset+r.length && r.offset < offset+length {
			return ErrDoubleFree
		}
	}
	a.free = append(a.free, freeRange{offset: offset, length: length})
	a.coalesceLocked()
	return nil
}

func (a *Arena) coalesceLocked() {
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(a.free); i++ {
			for j := i + 1; j < len(a.free); j++ {
				if a.free[i].offset+a.free[i].length == a.free[j].offset {
					a.free[i].length += a.free[j].length
					a.free = append(a.free[:j], a.free[j+1:]...)
					merged = true
					break
				}
				if a.free[j].offset+a.free[j].length == a.free[i].offset {
					a.free[j].length += a.free[i].length
					a.free = append(a.free[:i], a.free[i+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
	}
}

func (a *Arena) Move(dst Pool, offset, length uint32) (uint32, error) {
	a.mu.Lock()
	if uint64(offset)+uint64(length) > uint64(a.total) {
		a.mu.Unlock()
		return 0, ErrBadRange
	}
	data := make([]byte, length)
	copy(data, a.buf[offset:offset+length])
	a.mu.Unlock()

	newOffset, err := dst.Alloc(length)
	if err != nil {
		return 0, err
	}
	if err := dst.WriteAt(newOffset, data); err != nil {
		_ = dst.Free(newOffset, length)
		return 0, err
	}
	if err := a.Free(offset, length); err != nil {
		return 0, err
	}
	return newOffset, nil
}
