package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/network"
	"github.com/hogwarts-cloud/hogd/internal/pool"
)

// PoolSpec describes a pool row to create.
type PoolSpec struct {
	Key      models.PoolKey
	Size     int
	Base     string
	Offset   int
	Withheld []int
}

// PoolHandle is a locked pool row together with its decoded allocator.
type PoolHandle struct {
	*pool.Mapped
	record *models.PoolRecord
}

func (h *PoolHandle) Key() models.PoolKey {
	return models.PoolKey{Kind: h.record.Kind, OwnerID: h.record.OwnerID}
}

func (h *PoolHandle) dirty() bool {
	return h.Version() != h.record.Version
}

// Pools holds the pools locked by one transaction.
type Pools map[models.PoolKey]*PoolHandle

func (p Pools) Get(kind models.PoolKind, ownerID uint64) (*PoolHandle, error) {
	handle, ok := p[models.PoolKey{Kind: kind, OwnerID: ownerID}]
	if !ok {
		return nil, fmt.Errorf("pool %s/%d was not locked", kind, ownerID)
	}

	return handle, nil
}

// LockPools locks the pool rows in (kind, owner) order so that concurrent
// transactions locking overlapping sets cannot deadlock. A missing row fails
// with ErrNotFound.
func (t *Tx) LockPools(keys ...models.PoolKey) (Pools, error) {
	return t.lockPools(keys, false)
}

// LockExistingPools is LockPools skipping the rows that do not exist.
func (t *Tx) LockExistingPools(keys ...models.PoolKey) (Pools, error) {
	return t.lockPools(keys, true)
}

// lockPools is the only place pool rows are locked. Keys are sorted by kind
// then owner before any row is touched, and a transaction locks all the pools
// it needs in a single call, so two transactions always acquire shared rows in
// the same order.
func (t *Tx) lockPools(keys []models.PoolKey, skipMissing bool) (Pools, error) {
	sorted := append([]models.PoolKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].OwnerID < sorted[j].OwnerID
	})

	pools := make(Pools, len(sorted))
	for _, key := range sorted {
		if _, ok := pools[key]; ok {
			continue
		}

		record := &models.PoolRecord{}
		err := t.first(record, "kind = ? AND owner_id = ?", key.Kind, key.OwnerID)
		if errors.Is(err, ErrNotFound) && skipMissing {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock pool %s/%d: %w", key.Kind, key.OwnerID, err)
		}

		handle, err := decode(record)
		if err != nil {
			return nil, err
		}

		pools[key] = handle
	}

	return pools, nil
}

// SavePools writes back the pools mutated since they were locked.
func (t *Tx) SavePools(pools Pools) error {
	for _, handle := range pools {
		if !handle.dirty() {
			continue
		}

		available, reserved, err := handle.Marshal()
		if err != nil {
			return err
		}

		key := handle.Key()
		res := t.db.Model(&models.PoolRecord{}).
			Where("id = ? AND version = ?", handle.record.ID, handle.record.Version).
			Updates(map[string]any{
				"size":      handle.Size(),
				"available": available,
				"reserved":  reserved,
				"version":   handle.Version(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to save pool %s/%d: %w", key.Kind, key.OwnerID, res.Error)
		}

		if res.RowsAffected != 1 {
			return fmt.Errorf("pool %s/%d at version %d: %w", key.Kind, key.OwnerID, handle.record.Version, ErrVersionConflict)
		}

		handle.record.Version = handle.Version()
	}

	return nil
}

// CreatePool inserts a pool row with every index free but the withheld ones.
func (t *Tx) CreatePool(spec PoolSpec) error {
	p := pool.New(spec.Size)
	for _, index := range spec.Withheld {
		if err := p.Withhold(index); err != nil {
			return fmt.Errorf("failed to withhold %d in pool %s/%d: %w", index, spec.Key.Kind, spec.Key.OwnerID, err)
		}
	}

	available, reserved, err := p.Marshal()
	if err != nil {
		return err
	}

	record := &models.PoolRecord{
		Kind:      spec.Key.Kind,
		OwnerID:   spec.Key.OwnerID,
		Size:      spec.Size,
		Available: available,
		Reserved:  reserved,
		Base:      spec.Base,
		Offset:    spec.Offset,
	}

	if _, err := mapperFor(record); err != nil {
		return err
	}

	if err := t.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to create pool %s/%d: %w", spec.Key.Kind, spec.Key.OwnerID, err)
	}

	return nil
}

// EnsurePool creates the pool built by spec unless a row for key exists.
// spec is only called when the row is missing.
func (t *Tx) EnsurePool(key models.PoolKey, spec func() (PoolSpec, error)) (bool, error) {
	var count int64
	if err := t.db.Model(&models.PoolRecord{}).Where("kind = ? AND owner_id = ?", key.Kind, key.OwnerID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up pool %s/%d: %w", key.Kind, key.OwnerID, err)
	}

	if count > 0 {
		return false, nil
	}

	s, err := spec()
	if err != nil {
		return false, err
	}
	s.Key = key

	return true, t.CreatePool(s)
}

// DeletePools drops pool rows together with their owners.
func (t *Tx) DeletePools(keys ...models.PoolKey) error {
	for _, key := range keys {
		err := t.db.Where("kind = ? AND owner_id = ?", key.Kind, key.OwnerID).Delete(&models.PoolRecord{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete pool %s/%d: %w", key.Kind, key.OwnerID, err)
		}
	}

	return nil
}

func decode(record *models.PoolRecord) (*PoolHandle, error) {
	p, err := pool.Load(record.Size, record.Available, record.Reserved, record.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s/%d: %w", record.Kind, record.OwnerID, err)
	}

	mapper, err := mapperFor(record)
	if err != nil {
		return nil, err
	}

	return &PoolHandle{Mapped: pool.NewMapped(p, mapper), record: record}, nil
}

func mapperFor(record *models.PoolRecord) (pool.Mapper, error) {
	switch record.Kind {
	case models.PoolIP:
		mapper, err := network.NewIPMapper(record.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to map ip pool %d: %w", record.OwnerID, err)
		}
		return mapper, nil
	case models.PoolMAC:
		mapper, err := pool.NewMACMapper(record.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to map mac pool %d: %w", record.OwnerID, err)
		}
		return mapper, nil
	case models.PoolMACPrefix:
		mapper, err := pool.NewMACPrefixMapper(record.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to map mac prefix pool: %w", err)
		}
		return mapper, nil
	case models.PoolBridge, models.PoolBackendIndex:
		return pool.NewSuffixMapper(record.Base, record.Offset), nil
	default:
		return nil, fmt.Errorf("unknown pool kind %q", record.Kind)
	}
}
