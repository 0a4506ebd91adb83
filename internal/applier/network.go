package applier

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/network"
	"github.com/hogwarts-cloud/hogd/internal/statemachine"
	"github.com/hogwarts-cloud/hogd/internal/store"
)

type CreateNetworkRequest struct {
	Name    string
	UserID  string
	Subnet  string
	Gateway string
	DHCP    bool
	Type    models.NetworkType
	Public  bool
	// Link is the host link of networks that do not use the bridge pool.
	Link string
}

// CreateNetwork reserves the MAC prefix and, for bridged private networks,
// the bridge of a new network, creates its address pool and one backend
// network per cluster, then submits the creation jobs.
func (a *Applier) CreateNetwork(ctx context.Context, req CreateNetworkRequest) (*models.Network, error) {
	mapper, err := network.NewIPMapper(req.Subnet)
	if err != nil {
		return nil, err
	}

	withheld, err := mapper.Withheld(req.Gateway)
	if err != nil {
		return nil, err
	}

	net := &models.Network{
		Name:    req.Name,
		UserID:  req.UserID,
		Subnet:  req.Subnet,
		Gateway: req.Gateway,
		DHCP:    req.DHCP,
		Type:    req.Type,
		Link:    req.Link,
		Public:  req.Public,
		State:   models.StatePending,
		Action:  models.ActionCreate,
	}

	var (
		backends []models.Backend
		bns      []models.BackendNetwork
	)

	err = a.store.Transaction(ctx, func(tx *store.Tx) error {
		keys := []models.PoolKey{macPrefixPool}
		if req.Type.UsesBridgePool() {
			keys = append(keys, bridgePool)
		}

		pools, err := tx.LockPools(keys...)
		if err != nil {
			return err
		}

		if req.Public {
			net.MacPrefix = a.pools.MACPrefixBase
		} else if net.MacPrefix, err = pools[macPrefixPool].Get(); err != nil {
			return fmt.Errorf("failed to reserve mac prefix: %w", err)
		}

		if req.Type.UsesBridgePool() {
			if net.Link, err = pools[bridgePool].Get(); err != nil {
				return fmt.Errorf("failed to reserve bridge: %w", err)
			}
		}

		if err := tx.SavePools(pools); err != nil {
			return err
		}

		if err := tx.Create(net); err != nil {
			return err
		}

		err = tx.CreatePool(store.PoolSpec{
			Key:      models.PoolKey{Kind: models.PoolIP, OwnerID: net.ID},
			Size:     mapper.Size(),
			Base:     req.Subnet,
			Withheld: withheld,
		})
		if err != nil {
			return err
		}

		if backends, err = tx.Backends(); err != nil {
			return err
		}

		for _, backend := range backends {
			bn, err := a.createBackendNetwork(tx, *net, backend)
			if err != nil {
				return err
			}
			bns = append(bns, *bn)
		}

		return a.requested(tx, models.KindNetwork, net.ID, net.State, models.ActionCreate)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("created network",
		zap.Uint64("network", net.ID),
		zap.String("mac_prefix", net.MacPrefix),
		zap.String("link", net.Link),
	)

	failed, err := a.fanOut(ctx, backends, bns, "create network", func(ctx context.Context, client Backend, bn models.BackendNetwork) (string, error) {
		return client.CreateNetwork(ctx, *net, bn)
	})
	if err != nil {
		if rollbackErr := a.abandonNetwork(ctx, net.ID, failed); rollbackErr != nil {
			a.logger.Error("failed to release reservations", zap.Uint64("network", net.ID), zap.Error(rollbackErr))
		}
		return net, err
	}

	return net, nil
}

// abandonNetwork drops the backend networks whose creation job was never
// submitted. A network left without live backend networks gives its MAC
// prefix and bridge back and loses its address pool.
func (a *Applier) abandonNetwork(ctx context.Context, id uint64, failed []uint64) error {
	return a.store.Transaction(ctx, func(tx *store.Tx) error {
		net, err := tx.Network(id)
		if err != nil {
			return err
		}

		bns, err := tx.BackendNetworks(id)
		if err != nil {
			return err
		}

		live := 0
		for i := range bns {
			bn := &bns[i]
			if bn.Deleted {
				continue
			}
			if !lo.Contains(failed, bn.ID) {
				live++
				continue
			}

			bn.OperState = models.StateError
			bn.Deleted = true
			if err := tx.DeletePools(models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID}); err != nil {
				return err
			}
			if err := tx.Save(bn, bn.Version); err != nil {
				return err
			}
		}

		if live > 0 {
			return nil
		}

		keys := []models.PoolKey{macPrefixPool}
		if net.Type.UsesBridgePool() {
			keys = append(keys, bridgePool)
		}

		pools, err := tx.LockExistingPools(keys...)
		if err != nil {
			return err
		}

		if prefixes, ok := pools[macPrefixPool]; ok && !net.Public {
			if err := prefixes.Put(net.MacPrefix); err != nil {
				return err
			}
		}
		if bridges, ok := pools[bridgePool]; ok && net.Type.UsesBridgePool() {
			if err := bridges.Put(net.Link); err != nil {
				return err
			}
		}

		if err := tx.SavePools(pools); err != nil {
			return err
		}

		if err := tx.DeletePools(models.PoolKey{Kind: models.PoolIP, OwnerID: net.ID}); err != nil {
			return err
		}

		net.State = models.StateError
		net.Action = models.ActionNone
		net.Deleted = true

		return tx.Save(net, net.Version)
	})
}

// ActivateNetwork submits the jobs connecting a network on every cluster.
func (a *Applier) ActivateNetwork(ctx context.Context, id uint64) error {
	net, backends, bns, err := a.liveBackendNetworks(ctx, id, models.ActionNone)
	if err != nil {
		return err
	}

	_, err = a.fanOut(ctx, backends, bns, "connect network", func(ctx context.Context, client Backend, bn models.BackendNetwork) (string, error) {
		return client.ConnectNetwork(ctx, *net, bn)
	})

	return err
}

// DestroyNetwork submits the removal jobs of a network without ports. The
// network turns DELETED once every cluster reported the removal.
func (a *Applier) DestroyNetwork(ctx context.Context, id uint64) error {
	net, backends, bns, err := a.liveBackendNetworks(ctx, id, models.ActionDestroy)
	if err != nil {
		return err
	}

	_, err = a.fanOut(ctx, backends, bns, "delete network", func(ctx context.Context, client Backend, bn models.BackendNetwork) (string, error) {
		return client.DeleteNetwork(ctx, *net, bn)
	})

	return err
}

// liveBackendNetworks loads a network with its live backend networks. A
// non-empty action is checked against the network state and recorded.
func (a *Applier) liveBackendNetworks(ctx context.Context, id uint64, action models.Action) (*models.Network, []models.Backend, []models.BackendNetwork, error) {
	var (
		net      *models.Network
		backends []models.Backend
		bns      []models.BackendNetwork
	)

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		if net, err = tx.Network(id); err != nil {
			return err
		}

		if net.Deleted {
			return fmt.Errorf("%w: network %d", ErrDeleted, id)
		}

		all, err := tx.BackendNetworks(id)
		if err != nil {
			return err
		}

		for _, bn := range all {
			if bn.Deleted {
				continue
			}

			backend, err := tx.Backend(bn.BackendID)
			if err != nil {
				return err
			}

			backends = append(backends, *backend)
			bns = append(bns, bn)
		}

		if action == models.ActionNone {
			return nil
		}

		if !statemachine.ActionAllowed(models.KindNetwork, net.State, action) {
			return fmt.Errorf("%w: %s network in state %s", ErrIllegalAction, action, net.State)
		}

		ports, err := tx.CountNetworkPorts(id)
		if err != nil {
			return err
		}

		if ports > 0 {
			return fmt.Errorf("%w: network %d has %d", ErrNetworkInUse, id, ports)
		}

		net.Action = action
		if err := tx.Save(net, net.Version); err != nil {
			return err
		}

		return a.requested(tx, models.KindNetwork, net.ID, net.State, action)
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return net, backends, bns, nil
}

// fanOut submits one job per backend network, at most MaxConcurrentRequests
// at a time. It returns the ids of the backend networks whose job was not
// submitted.
func (a *Applier) fanOut(
	ctx context.Context,
	backends []models.Backend,
	bns []models.BackendNetwork,
	what string,
	fn func(ctx context.Context, client Backend, bn models.BackendNetwork) (string, error),
) ([]uint64, error) {
	var (
		mu     sync.Mutex
		failed []uint64
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxConcurrentRequests)

	for i := range bns {
		backend, bn := backends[i], bns[i]

		eg.Go(func() error {
			err := a.submitTo(ctx, backend, bn, what, fn)
			if err != nil {
				mu.Lock()
				failed = append(failed, bn.ID)
				mu.Unlock()
			}

			return err
		})
	}

	err := eg.Wait()

	return failed, err
}

func (a *Applier) submitTo(
	ctx context.Context,
	backend models.Backend,
	bn models.BackendNetwork,
	what string,
	fn func(ctx context.Context, client Backend, bn models.BackendNetwork) (string, error),
) error {
	client, err := a.backends.Client(backend)
	if err != nil {
		return fmt.Errorf("failed to connect to backend %q: %w", backend.ClusterName, err)
	}

	return a.submit(what, func() (string, error) { return fn(ctx, client, bn) })
}

// createBackendNetwork creates the part of a network living on a backend
// together with its MAC pool. The MAC prefix is the network prefix followed
// by the backend index.
func (a *Applier) createBackendNetwork(tx *store.Tx, net models.Network, backend models.Backend) (*models.BackendNetwork, error) {
	bn := &models.BackendNetwork{
		NetworkID: net.ID,
		BackendID: backend.ID,
		MacPrefix: fmt.Sprintf("%s%x", net.MacPrefix, backend.Index),
		OperState: models.StatePending,
	}

	if err := tx.Create(bn); err != nil {
		return nil, err
	}

	err := tx.CreatePool(store.PoolSpec{
		Key:  models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID},
		Size: a.pools.MACPoolSize,
		Base: bn.MacPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mac pool of network %d on %q: %w", net.ID, backend.ClusterName, err)
	}

	return bn, nil
}
