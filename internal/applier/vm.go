package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/statemachine"
	"github.com/hogwarts-cloud/hogd/internal/store"
)

type CreateVMRequest struct {
	Name     string
	UserID   string
	ImageID  string
	Flavor   models.Flavor
	Networks []uint64
}

// CreateVM places a new machine on the least loaded eligible backend and
// reserves an address and a MAC for each of its ports before the creation
// job is submitted. If the submission fails the reservations are released
// and the machine is left in ERROR.
func (a *Applier) CreateVM(ctx context.Context, req CreateVMRequest) (*models.VirtualMachine, error) {
	vm := &models.VirtualMachine{
		Name:      req.Name,
		UserID:    req.UserID,
		ImageID:   req.ImageID,
		Flavor:    req.Flavor,
		Action:    models.ActionCreate,
		OperState: models.StateBuild,
	}

	var (
		client Backend
		nics   []models.NIC
	)

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		backend, err := a.placement(tx)
		if err != nil {
			return err
		}
		vm.BackendID = backend.ID

		if client, err = a.backends.Client(*backend); err != nil {
			return fmt.Errorf("failed to connect to backend %q: %w", backend.ClusterName, err)
		}

		if err := tx.Create(vm); err != nil {
			return err
		}

		ports, err := a.reservePorts(tx, vm, req.Networks)
		if err != nil {
			return err
		}

		nics = lo.Map(ports, func(port portLink, i int) models.NIC {
			return models.NIC{
				Name: fmt.Sprintf("eth%d", i),
				MAC:  port.MAC,
				IPv4: port.IPv4,
				Link: port.link,
			}
		})

		return a.requested(tx, models.KindVirtualMachine, vm.ID, vm.OperState, models.ActionCreate)
	})
	if err != nil {
		return nil, err
	}

	err = a.submit("create instance", func() (string, error) {
		return client.CreateInstance(ctx, *vm, nics)
	})
	if err != nil {
		if rollbackErr := a.abandon(ctx, vm.ID); rollbackErr != nil {
			a.logger.Error("failed to release reservations", zap.Uint64("vm", vm.ID), zap.Error(rollbackErr))
		}
		return nil, err
	}

	return vm, nil
}

type portLink struct {
	models.Port
	link string
}

func (a *Applier) reservePorts(tx *store.Tx, vm *models.VirtualMachine, networkIDs []uint64) ([]portLink, error) {
	ports := make([]portLink, 0, len(networkIDs))
	var keys []models.PoolKey

	for i, networkID := range networkIDs {
		net, err := tx.Network(networkID)
		if err != nil {
			return nil, err
		}

		if net.Deleted {
			return nil, fmt.Errorf("%w: network %d", ErrDeleted, networkID)
		}

		if net.State != models.StateActive {
			return nil, fmt.Errorf("%w: network %d is %s", ErrNetworkNotActive, networkID, net.State)
		}

		bn, err := tx.BackendNetworkFor(networkID, vm.BackendID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && bn.Deleted) {
			return nil, fmt.Errorf("%w: network %d is not on backend %d", ErrNetworkNotActive, networkID, vm.BackendID)
		}
		if err != nil {
			return nil, err
		}

		ports = append(ports, portLink{
			Port: models.Port{
				MachineID:        vm.ID,
				NetworkID:        networkID,
				BackendNetworkID: bn.ID,
				Index:            i,
				State:            models.StateBuild,
			},
			link: net.Link,
		})

		keys = append(keys,
			models.PoolKey{Kind: models.PoolIP, OwnerID: networkID},
			models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID},
		)
	}

	pools, err := tx.LockPools(keys...)
	if err != nil {
		return nil, err
	}

	for i := range ports {
		port := &ports[i]

		if port.IPv4, err = pools[models.PoolKey{Kind: models.PoolIP, OwnerID: port.NetworkID}].Get(); err != nil {
			return nil, fmt.Errorf("failed to reserve address in network %d: %w", port.NetworkID, err)
		}

		if port.MAC, err = pools[models.PoolKey{Kind: models.PoolMAC, OwnerID: port.BackendNetworkID}].Get(); err != nil {
			return nil, fmt.Errorf("failed to reserve mac in network %d: %w", port.NetworkID, err)
		}

		if err := tx.Create(&port.Port); err != nil {
			return nil, err
		}
	}

	if err := tx.SavePools(pools); err != nil {
		return nil, err
	}

	return ports, nil
}

// placement picks the eligible backend hosting the fewest machines.
func (a *Applier) placement(tx *store.Tx) (*models.Backend, error) {
	backends, err := tx.Backends()
	if err != nil {
		return nil, err
	}

	var (
		best  *models.Backend
		count int64
	)

	for i := range backends {
		if !backends[i].Eligible() {
			continue
		}

		machines, err := tx.CountMachines(backends[i].ID)
		if err != nil {
			return nil, err
		}

		if best == nil || machines < count {
			best, count = &backends[i], machines
		}
	}

	if best == nil {
		return nil, ErrNoBackend
	}

	return best, nil
}

// abandon releases the identifiers of a machine whose creation job was
// never submitted.
func (a *Applier) abandon(ctx context.Context, id uint64) error {
	return a.store.Transaction(ctx, func(tx *store.Tx) error {
		vm, err := tx.VirtualMachine(id)
		if err != nil {
			return err
		}

		ports, err := tx.Ports(id)
		if err != nil {
			return err
		}

		var keys []models.PoolKey
		for _, port := range ports {
			keys = append(keys,
				models.PoolKey{Kind: models.PoolIP, OwnerID: port.NetworkID},
				models.PoolKey{Kind: models.PoolMAC, OwnerID: port.BackendNetworkID},
			)
		}

		pools, err := tx.LockExistingPools(keys...)
		if err != nil {
			return err
		}

		for i := range ports {
			port := &ports[i]
			if ips, ok := pools[models.PoolKey{Kind: models.PoolIP, OwnerID: port.NetworkID}]; ok {
				if err := ips.Put(port.IPv4); err != nil {
					return err
				}
			}
			if macs, ok := pools[models.PoolKey{Kind: models.PoolMAC, OwnerID: port.BackendNetworkID}]; ok {
				if err := macs.Put(port.MAC); err != nil {
					return err
				}
			}

			port.State = models.StateError
			port.Deleted = true
			if err := tx.Save(port, port.Version); err != nil {
				return err
			}
		}

		if err := tx.SavePools(pools); err != nil {
			return err
		}

		vm.OperState = models.StateError
		vm.Action = models.ActionNone
		vm.Deleted = true

		return tx.Save(vm, vm.Version)
	})
}

func (a *Applier) StartVM(ctx context.Context, id uint64) error {
	return a.vmAction(ctx, id, models.ActionStart)
}

func (a *Applier) StopVM(ctx context.Context, id uint64) error {
	return a.vmAction(ctx, id, models.ActionStop)
}

func (a *Applier) RebootVM(ctx context.Context, id uint64) error {
	return a.vmAction(ctx, id, models.ActionReboot)
}

// SuspendVM freezes a machine administratively.
func (a *Applier) SuspendVM(ctx context.Context, id uint64) error {
	return a.vmAction(ctx, id, models.ActionSuspend)
}

// DestroyVM submits the removal of a machine. Its identifiers are released
// when the removal is reported.
func (a *Applier) DestroyVM(ctx context.Context, id uint64) error {
	return a.vmAction(ctx, id, models.ActionDestroy)
}

func (a *Applier) vmAction(ctx context.Context, id uint64, action models.Action) error {
	var (
		vm     *models.VirtualMachine
		client Backend
	)

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		if vm, err = tx.VirtualMachine(id); err != nil {
			return err
		}

		if vm.Deleted {
			return fmt.Errorf("%w: vm %d", ErrDeleted, id)
		}

		if !statemachine.ActionAllowed(models.KindVirtualMachine, vm.OperState, action) {
			return fmt.Errorf("%w: %s vm in state %s", ErrIllegalAction, action, vm.OperState)
		}

		if client, _, err = a.client(tx, vm.BackendID); err != nil {
			return err
		}

		vm.Action = action
		if action == models.ActionSuspend {
			vm.Suspended = true
		}

		if err := tx.Save(vm, vm.Version); err != nil {
			return err
		}

		return a.requested(tx, models.KindVirtualMachine, vm.ID, vm.OperState, action)
	})
	if err != nil {
		return err
	}

	if action == models.ActionDestroy {
		return a.submit("delete instance", func() (string, error) {
			return client.DeleteInstance(ctx, *vm)
		})
	}

	return a.submit(fmt.Sprintf("%s instance", action), func() (string, error) {
		return client.UpdateInstanceState(ctx, *vm, action)
	})
}
