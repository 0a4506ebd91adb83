package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/pool"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func createVM(t *testing.T, s *Store) *models.VirtualMachine {
	t.Helper()

	vm := &models.VirtualMachine{Name: "web", UserID: "harry", OperState: models.StateBuild}
	require.NoError(t, s.Transaction(context.Background(), func(tx *Tx) error {
		return tx.Create(vm)
	}))

	return vm
}

func Test_Open_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func Test_Save(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	vm := createVM(t, s)
	assert.Equal(t, uint64(1), vm.Version)

	var stale *models.VirtualMachine
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		var err error
		stale, err = tx.VirtualMachine(vm.ID)
		return err
	}))

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		current, err := tx.VirtualMachine(vm.ID)
		if err != nil {
			return err
		}

		current.OperState = models.StateStarted
		return tx.Save(current, current.Version)
	}))

	err := s.Transaction(ctx, func(tx *Tx) error {
		stale.OperState = models.StateError
		return tx.Save(stale, stale.Version)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, uint64(1), stale.Version)

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		record, err := tx.Load(models.KindVirtualMachine, vm.ID)
		if err != nil {
			return err
		}

		loaded := record.(*models.VirtualMachine)
		assert.Equal(t, models.StateStarted, loaded.OperState)
		assert.Equal(t, uint64(2), loaded.Version)
		return nil
	}))
}

func Test_Save_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.Transaction(context.Background(), func(tx *Tx) error {
		ghost := &models.VirtualMachine{Model: models.Model{ID: 404, Version: 1}}
		return tx.Save(ghost, 1)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Save_BackendTimeMicroseconds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	vm := createVM(t, s)
	assert.Zero(t, vm.BackendTime)

	at := time.Unix(1700000000, 600).Add(123456 * time.Microsecond)
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		current, err := tx.VirtualMachine(vm.ID)
		if err != nil {
			return err
		}

		current.BackendJob = models.Message{Timestamp: at, Opcode: models.OpInstanceCreate}.Job()
		return tx.Save(current, current.Version)
	}))

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		loaded, err := tx.VirtualMachine(vm.ID)
		if err != nil {
			return err
		}

		assert.Equal(t, at.Truncate(time.Microsecond).UTC(), loaded.Time())
		assert.False(t, loaded.Precedes(at))
		assert.True(t, loaded.Precedes(at.Add(time.Microsecond)))
		return nil
	}))
}

func Test_Load_NotFound(t *testing.T) {
	s := newTestStore(t)

	testCases := []struct {
		name string
		kind models.Kind
	}{
		{name: "vm", kind: models.KindVirtualMachine},
		{name: "network", kind: models.KindNetwork},
		{name: "backend network", kind: models.KindBackendNetwork},
		{name: "port", kind: models.KindPort},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Transaction(context.Background(), func(tx *Tx) error {
				_, err := tx.Load(tc.kind, 7)
				return err
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func Test_Transaction_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	errBoom := errors.New("boom")

	var id uint64
	err := s.Transaction(ctx, func(tx *Tx) error {
		vm := &models.VirtualMachine{Name: "doomed"}
		if err := tx.Create(vm); err != nil {
			return err
		}
		id = vm.ID
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	err = s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.VirtualMachine(id)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_Pools(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := models.PoolKey{Kind: models.PoolIP, OwnerID: 1}

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		return tx.CreatePool(PoolSpec{Key: key, Size: 256, Base: "10.0.0.0/24", Withheld: []int{0, 1, 255}})
	}))

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		pools, err := tx.LockPools(key)
		if err != nil {
			return err
		}

		ips, err := pools.Get(models.PoolIP, 1)
		if err != nil {
			return err
		}

		ip, err := ips.Get()
		if err != nil {
			return err
		}
		assert.Equal(t, "10.0.0.2", ip)

		return tx.SavePools(pools)
	}))

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		pools, err := tx.LockPools(key)
		if err != nil {
			return err
		}

		ips, err := pools.Get(models.PoolIP, 1)
		if err != nil {
			return err
		}
		assert.False(t, ips.Contains("10.0.0.2"))
		assert.True(t, ips.Contains("10.0.0.3"))
		assert.Equal(t, 252, ips.Free())
		assert.Equal(t, uint64(1), ips.Version())

		_, err = pools.Get(models.PoolMAC, 1)
		assert.Error(t, err)
		return nil
	}))
}

func Test_SavePools_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := models.PoolKey{Kind: models.PoolBridge}

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		return tx.CreatePool(PoolSpec{Key: key, Size: 4, Base: "prv", Offset: 1})
	}))

	err := s.Transaction(ctx, func(tx *Tx) error {
		first, err := tx.LockPools(key)
		if err != nil {
			return err
		}

		second, err := tx.LockPools(key)
		if err != nil {
			return err
		}

		for _, pools := range []Pools{first, second} {
			if _, err := pools[key].Get(); err != nil {
				return err
			}
		}

		if err := tx.SavePools(first); err != nil {
			return err
		}

		return tx.SavePools(second)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func Test_LockPools_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := models.PoolKey{Kind: models.PoolBackendIndex}

	const (
		size    = 32
		workers = 8
	)

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		return tx.CreatePool(PoolSpec{Key: key, Size: size})
	}))

	var (
		mu        sync.Mutex
		reserved  []string
		exhausted int
		wg        sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < size/workers+1; j++ {
				var value string
				err := s.Transaction(ctx, func(tx *Tx) error {
					pools, err := tx.LockPools(key)
					if err != nil {
						return err
					}

					value, err = pools[key].Get()
					if err != nil {
						return err
					}

					return tx.SavePools(pools)
				})

				mu.Lock()
				if errors.Is(err, pool.ErrPoolExhausted) {
					exhausted++
				} else if assert.NoError(t, err) {
					reserved = append(reserved, value)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, reserved, size)
	assert.Equal(t, workers, exhausted)

	unique := map[string]bool{}
	for _, value := range reserved {
		assert.False(t, unique[value], "%s reserved twice", value)
		unique[value] = true
	}
}

func Test_EnsurePool(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := models.PoolKey{Kind: models.PoolMACPrefix}

	calls := 0
	spec := func() (PoolSpec, error) {
		calls++
		return PoolSpec{Size: 16, Base: "aa:00:0", Withheld: []int{0}}, nil
	}

	for i, expected := range []bool{true, false} {
		require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
			created, err := tx.EnsurePool(key, spec)
			assert.Equal(t, expected, created, "attempt %d", i)
			return err
		}))
	}
	assert.Equal(t, 1, calls)

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		pools, err := tx.LockPools(key)
		if err != nil {
			return err
		}

		prefix, err := pools[key].Get()
		assert.Equal(t, "aa:00:1", prefix)
		return err
	}))
}

func Test_DeletePools(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := models.PoolKey{Kind: models.PoolMAC, OwnerID: 3}

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		if err := tx.CreatePool(PoolSpec{Key: key, Size: 16, Base: "aa:00:10"}); err != nil {
			return err
		}
		return tx.DeletePools(key)
	}))

	err := s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.LockPools(key)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_CreatePool_InvalidBase(t *testing.T) {
	err := newTestStore(t).Transaction(context.Background(), func(tx *Tx) error {
		return tx.CreatePool(PoolSpec{Key: models.PoolKey{Kind: models.PoolIP, OwnerID: 1}, Size: 4, Base: "not-a-subnet"})
	})
	assert.Error(t, err)
}

func Test_AuditLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		for _, to := range []models.State{models.StateStarted, models.StateStopped} {
			err := tx.AppendAudit(&models.AuditEntry{Kind: models.KindVirtualMachine, EntityID: 9, ToState: to})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		entries, err := tx.AuditLog(models.KindVirtualMachine, 9)
		if err != nil {
			return err
		}

		require.Len(t, entries, 2)
		assert.Equal(t, models.StateStarted, entries[0].ToState)
		assert.Equal(t, models.StateStopped, entries[1].ToState)
		return nil
	}))
}

func Test_LockExistingPools(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	present := models.PoolKey{Kind: models.PoolBridge}
	missing := models.PoolKey{Kind: models.PoolMAC, OwnerID: 8}

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		if err := tx.CreatePool(PoolSpec{Key: present, Size: 2, Base: "prv", Offset: 1}); err != nil {
			return err
		}

		pools, err := tx.LockExistingPools(missing, present)
		if err != nil {
			return err
		}

		assert.Len(t, pools, 1)
		assert.Contains(t, pools, present)
		return nil
	}))
}
