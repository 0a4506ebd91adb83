// Package pool implements a bitmap allocator for finite universes of
// identifiers such as the addresses of a subnet, MAC prefixes and bridge
// names.
//
// A Pool is not safe for concurrent use. Callers serialize mutations by
// holding an exclusive lock on the persisted pool row for the whole
// read-modify-write, see store.Tx.LockPools.
package pool

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrAlreadyTaken  = errors.New("identifier already taken")
	ErrOutOfRange    = errors.New("identifier out of range")
	ErrShrink        = errors.New("pool cannot shrink")
	ErrCorrupted     = errors.New("pool bitmaps corrupted")
)

// Pool tracks which indexes of [0, size) are free. A set bit in available
// means free, a set bit in reserved means permanently withheld. The two
// bitmaps never overlap.
type Pool struct {
	size      int
	available *bitset.BitSet
	reserved  *bitset.BitSet
	version   uint64
}

// New returns a pool of the given size with every index free.
func New(size int) *Pool {
	available := bitset.New(uint(size))
	for i := 0; i < size; i++ {
		available.Set(uint(i))
	}

	return &Pool{
		size:      size,
		available: available,
		reserved:  bitset.New(uint(size)),
	}
}

// Load restores a pool from its persisted bitmaps. Empty bitmaps yield a
// fresh pool with every index free.
func Load(size int, available, reserved []byte, version uint64) (*Pool, error) {
	if len(available) == 0 && len(reserved) == 0 {
		p := New(size)
		p.version = version
		return p, nil
	}

	p := &Pool{
		size:      size,
		available: &bitset.BitSet{},
		reserved:  &bitset.BitSet{},
		version:   version,
	}

	if err := p.available.UnmarshalBinary(available); err != nil {
		return nil, fmt.Errorf("failed to unmarshal available map: %w", err)
	}

	if err := p.reserved.UnmarshalBinary(reserved); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reserved map: %w", err)
	}

	if p.available.IntersectionCardinality(p.reserved) != 0 {
		return nil, fmt.Errorf("%w: available and reserved maps overlap", ErrCorrupted)
	}

	if last, ok := lastSet(p.available); ok && last >= size {
		return nil, fmt.Errorf("%w: index %d beyond size %d", ErrCorrupted, last, size)
	}

	return p, nil
}

// Marshal returns the compact persisted form of both bitmaps.
func (p *Pool) Marshal() ([]byte, []byte, error) {
	available, err := p.available.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal available map: %w", err)
	}

	reserved, err := p.reserved.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal reserved map: %w", err)
	}

	return available, reserved, nil
}

func (p *Pool) Size() int {
	return p.size
}

// Version is incremented on every mutation.
func (p *Pool) Version() uint64 {
	return p.version
}

// Free returns the number of allocable indexes.
func (p *Pool) Free() int {
	return int(p.available.Count())
}

// Withheld returns the number of permanently reserved indexes.
func (p *Pool) Withheld() int {
	return int(p.reserved.Count())
}

// Allocated returns the number of indexes handed out.
func (p *Pool) Allocated() int {
	return p.size - p.Free() - p.Withheld()
}

func (p *Pool) IsAvailable(index int) bool {
	return p.inRange(index) && p.available.Test(uint(index))
}

func (p *Pool) IsWithheld(index int) bool {
	return p.inRange(index) && p.reserved.Test(uint(index))
}

// Reserve takes the lowest free index.
func (p *Pool) Reserve() (int, error) {
	index, ok := p.available.NextSet(0)
	if !ok || int(index) >= p.size {
		return 0, ErrPoolExhausted
	}

	p.available.Clear(index)
	p.version++

	return int(index), nil
}

// ReserveIndex takes a specific index.
func (p *Pool) ReserveIndex(index int) error {
	if !p.inRange(index) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	if !p.available.Test(uint(index)) {
		return fmt.Errorf("%w: %d", ErrAlreadyTaken, index)
	}

	p.available.Clear(uint(index))
	p.version++

	return nil
}

// Release returns an index to the pool. Releasing a free or withheld index
// is a no-op: duplicate releases are expected when notifications are
// redelivered.
func (p *Pool) Release(index int) error {
	if !p.inRange(index) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	if p.available.Test(uint(index)) || p.reserved.Test(uint(index)) {
		return nil
	}

	p.available.Set(uint(index))
	p.version++

	return nil
}

// Withhold removes an index from circulation permanently.
func (p *Pool) Withhold(index int) error {
	if !p.inRange(index) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	if p.reserved.Test(uint(index)) {
		return nil
	}

	p.available.Clear(uint(index))
	p.reserved.Set(uint(index))
	p.version++

	return nil
}

// Extend grows the pool; the new indexes are free.
func (p *Pool) Extend(size int) error {
	if size < p.size {
		return fmt.Errorf("%w: %d < %d", ErrShrink, size, p.size)
	}

	if size == p.size {
		return nil
	}

	for i := p.size; i < size; i++ {
		p.available.Set(uint(i))
	}
	p.size = size
	p.version++

	return nil
}

func (p *Pool) inRange(index int) bool {
	return index >= 0 && index < p.size
}

func lastSet(b *bitset.BitSet) (int, bool) {
	last, found := 0, false
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		last, found = int(i), true
	}
	return last, found
}
