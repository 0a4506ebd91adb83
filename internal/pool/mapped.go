package pool

import "fmt"

// Mapper translates between bit indexes and identifiers.
type Mapper interface {
	Value(index int) string
	Index(value string) (int, error)
}

// Mapped is a pool that hands out identifiers instead of indexes.
type Mapped struct {
	*Pool
	mapper Mapper
}

func NewMapped(pool *Pool, mapper Mapper) *Mapped {
	return &Mapped{Pool: pool, mapper: mapper}
}

// Get reserves the lowest free identifier.
func (m *Mapped) Get() (string, error) {
	index, err := m.Reserve()
	if err != nil {
		return "", err
	}

	return m.mapper.Value(index), nil
}

// ReserveValue reserves a specific identifier. It fails with ErrAlreadyTaken
// or ErrOutOfRange.
func (m *Mapped) ReserveValue(value string) error {
	index, err := m.index(value)
	if err != nil {
		return err
	}

	return m.ReserveIndex(index)
}

// Put releases an identifier. Releasing a free identifier is a no-op.
func (m *Mapped) Put(value string) error {
	index, err := m.index(value)
	if err != nil {
		return err
	}

	return m.Release(index)
}

// Contains reports whether value is free.
func (m *Mapped) Contains(value string) bool {
	index, err := m.index(value)
	if err != nil {
		return false
	}

	return m.IsAvailable(index)
}

func (m *Mapped) index(value string) (int, error) {
	index, err := m.mapper.Index(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}

	if !m.inRange(index) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, value)
	}

	return index, nil
}
