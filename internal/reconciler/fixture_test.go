package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/store"
)

var (
	prefixPool = models.PoolKey{Kind: models.PoolMACPrefix}
	bridgePool = models.PoolKey{Kind: models.PoolBridge}
)

type fixture struct {
	store  *store.Store
	engine *Engine
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Transaction(context.Background(), func(tx *store.Tx) error {
		if err := tx.CreatePool(store.PoolSpec{Key: prefixPool, Size: 16, Base: "aa:00:0", Withheld: []int{0}}); err != nil {
			return err
		}
		return tx.CreatePool(store.PoolSpec{Key: bridgePool, Size: 4, Base: "prv", Offset: 1})
	}))

	mock := clock.NewMock()

	return &fixture{
		store:  s,
		engine: New(Config{Store: s, Clock: mock}),
		clock:  mock,
	}
}

func (f *fixture) tx(t *testing.T, fn func(tx *store.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.Transaction(context.Background(), fn))
}

func (f *fixture) backend(t *testing.T, name string, index int) *models.Backend {
	t.Helper()

	backend := &models.Backend{ClusterName: name, Index: index}
	f.tx(t, func(tx *store.Tx) error { return tx.Create(backend) })

	return backend
}

// network creates a private network on the given backends with every
// backend network in state.
func (f *fixture) network(t *testing.T, state models.State, backends ...*models.Backend) (*models.Network, []*models.BackendNetwork) {
	t.Helper()

	network := &models.Network{
		Name:    "private",
		Subnet:  "10.0.0.0/29",
		Gateway: "10.0.0.1",
		Type:    models.NetworkPrivatePhysicalVLAN,
		State:   models.StatePending,
	}
	var bns []*models.BackendNetwork

	f.tx(t, func(tx *store.Tx) error {
		pools, err := tx.LockPools(prefixPool, bridgePool)
		if err != nil {
			return err
		}

		if network.MacPrefix, err = pools[prefixPool].Get(); err != nil {
			return err
		}
		if network.Link, err = pools[bridgePool].Get(); err != nil {
			return err
		}
		if err := tx.SavePools(pools); err != nil {
			return err
		}

		if err := tx.Create(network); err != nil {
			return err
		}

		err = tx.CreatePool(store.PoolSpec{
			Key:      models.PoolKey{Kind: models.PoolIP, OwnerID: network.ID},
			Size:     8,
			Base:     network.Subnet,
			Withheld: []int{0, 1, 7},
		})
		if err != nil {
			return err
		}

		for _, backend := range backends {
			bn := &models.BackendNetwork{
				NetworkID: network.ID,
				BackendID: backend.ID,
				MacPrefix: fmt.Sprintf("%s%x", network.MacPrefix, backend.Index),
				OperState: state,
			}
			if err := tx.Create(bn); err != nil {
				return err
			}

			err := tx.CreatePool(store.PoolSpec{
				Key:  models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID},
				Size: 256,
				Base: bn.MacPrefix,
			})
			if err != nil {
				return err
			}

			bns = append(bns, bn)
		}

		return nil
	})

	return network, bns
}

// vm creates a machine in state with one port on bn holding an address and
// a MAC from the network's pools.
func (f *fixture) vm(t *testing.T, state models.State, bn *models.BackendNetwork) (*models.VirtualMachine, *models.Port) {
	t.Helper()

	vm := &models.VirtualMachine{Name: "web", UserID: "harry", BackendID: bn.BackendID, OperState: state}
	port := &models.Port{NetworkID: bn.NetworkID, BackendNetworkID: bn.ID, State: models.StateBuild}

	f.tx(t, func(tx *store.Tx) error {
		ipKey := models.PoolKey{Kind: models.PoolIP, OwnerID: bn.NetworkID}
		macKey := models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID}

		pools, err := tx.LockPools(ipKey, macKey)
		if err != nil {
			return err
		}

		if port.IPv4, err = pools[ipKey].Get(); err != nil {
			return err
		}
		if port.MAC, err = pools[macKey].Get(); err != nil {
			return err
		}
		if err := tx.SavePools(pools); err != nil {
			return err
		}

		if err := tx.Create(vm); err != nil {
			return err
		}

		port.MachineID = vm.ID
		return tx.Create(port)
	})

	return vm, port
}

func (f *fixture) loadVM(t *testing.T, id uint64) *models.VirtualMachine {
	t.Helper()

	var vm *models.VirtualMachine
	f.tx(t, func(tx *store.Tx) (err error) {
		vm, err = tx.VirtualMachine(id)
		return err
	})

	return vm
}

func (f *fixture) loadNetwork(t *testing.T, id uint64) *models.Network {
	t.Helper()

	var network *models.Network
	f.tx(t, func(tx *store.Tx) (err error) {
		network, err = tx.Network(id)
		return err
	})

	return network
}

func (f *fixture) loadPort(t *testing.T, id uint64) *models.Port {
	t.Helper()

	var port *models.Port
	f.tx(t, func(tx *store.Tx) error {
		record, err := tx.Load(models.KindPort, id)
		if err != nil {
			return err
		}
		port = record.(*models.Port)
		return nil
	})

	return port
}

// pool returns a snapshot of a pool, or nil if it does not exist.
func (f *fixture) pool(t *testing.T, key models.PoolKey) *store.PoolHandle {
	t.Helper()

	var handle *store.PoolHandle
	f.tx(t, func(tx *store.Tx) error {
		pools, err := tx.LockExistingPools(key)
		if err != nil {
			return err
		}
		handle = pools[key]
		return nil
	})

	return handle
}

func vmMessage(id uint64, opcode models.Opcode, status models.JobStatus, ts int64) models.Message {
	return models.Message{
		Kind:      models.KindVirtualMachine,
		EntityID:  id,
		Opcode:    opcode,
		JobID:     fmt.Sprintf("job-%d", ts),
		Status:    status,
		Timestamp: time.Unix(ts, 0),
	}
}

func networkMessage(id uint64, backend string, opcode models.Opcode, status models.JobStatus, ts int64) models.Message {
	return models.Message{
		Kind:      models.KindNetwork,
		EntityID:  id,
		Backend:   backend,
		Opcode:    opcode,
		JobID:     fmt.Sprintf("job-%d", ts),
		Status:    status,
		Timestamp: time.Unix(ts, 0),
	}
}
