// Package applier turns client requests into cluster manager jobs. Scarce
// identifiers are reserved before a job is submitted; the outcome of the job
// is applied later by the reconciler.
package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/pool"
	"github.com/hogwarts-cloud/hogd/internal/store"
)

const MaxConcurrentRequests = 3

var (
	ErrIllegalAction    = errors.New("action not allowed in current state")
	ErrDeleted          = errors.New("record is deleted")
	ErrNetworkInUse     = errors.New("network has ports")
	ErrBackendInUse     = errors.New("backend has machines")
	ErrNoBackend        = errors.New("no eligible backend")
	ErrNetworkNotActive = errors.New("network not active")
)

// Backend submits jobs to one cluster. Every call returns the id of the
// submitted job.
type Backend interface {
	CreateInstance(ctx context.Context, vm models.VirtualMachine, nics []models.NIC) (string, error)
	UpdateInstanceState(ctx context.Context, vm models.VirtualMachine, action models.Action) (string, error)
	DeleteInstance(ctx context.Context, vm models.VirtualMachine) (string, error)
	CreateNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error)
	ConnectNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error)
	DeleteNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error)
}

// Backends hands out the job submitter of a cluster.
type Backends interface {
	Client(backend models.Backend) (Backend, error)
}

// NetworkRefresher recomputes the aggregate state of a network.
type NetworkRefresher interface {
	RefreshNetwork(ctx context.Context, networkID uint64) error
}

type PoolsConfig struct {
	MACPrefixBase    string
	MACPrefixSize    int
	BridgeBase       string
	BridgeSize       int
	BridgeOffset     int
	MACPoolSize      int
	BackendIndexSize int
}

type Config struct {
	Store     *store.Store
	Backends  Backends
	Refresher NetworkRefresher
	Pools     PoolsConfig
	Logger    *zap.Logger
	Clock     clock.Clock
}

type Applier struct {
	store     *store.Store
	backends  Backends
	refresher NetworkRefresher
	pools     PoolsConfig
	logger    *zap.Logger
	clock     clock.Clock
}

var (
	macPrefixPool    = models.PoolKey{Kind: models.PoolMACPrefix}
	bridgePool       = models.PoolKey{Kind: models.PoolBridge}
	backendIndexPool = models.PoolKey{Kind: models.PoolBackendIndex}
)

func New(cfg Config) *Applier {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Applier{
		store:     cfg.Store,
		backends:  cfg.Backends,
		refresher: cfg.Refresher,
		pools:     cfg.Pools,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
}

// Bootstrap creates the singleton pools that do not exist yet.
func (a *Applier) Bootstrap(ctx context.Context) error {
	return a.store.Transaction(ctx, func(tx *store.Tx) error {
		created, err := tx.EnsurePool(macPrefixPool, func() (store.PoolSpec, error) {
			mapper, err := pool.NewMACPrefixMapper(a.pools.MACPrefixBase)
			if err != nil {
				return store.PoolSpec{}, err
			}

			return store.PoolSpec{
				Size:     a.pools.MACPrefixSize,
				Base:     a.pools.MACPrefixBase,
				Withheld: mapper.Withheld(a.pools.MACPrefixSize),
			}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to create mac prefix pool: %w", err)
		}
		a.logCreated(created, macPrefixPool)

		created, err = tx.EnsurePool(bridgePool, func() (store.PoolSpec, error) {
			return store.PoolSpec{Size: a.pools.BridgeSize, Base: a.pools.BridgeBase, Offset: a.pools.BridgeOffset}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to create bridge pool: %w", err)
		}
		a.logCreated(created, bridgePool)

		created, err = tx.EnsurePool(backendIndexPool, func() (store.PoolSpec, error) {
			return store.PoolSpec{Size: a.pools.BackendIndexSize}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to create backend index pool: %w", err)
		}
		a.logCreated(created, backendIndexPool)

		return nil
	})
}

func (a *Applier) logCreated(created bool, key models.PoolKey) {
	if created {
		a.logger.Info("created pool", zap.String("pool", string(key.Kind)))
	}
}

// AddBackend registers a cluster under the lowest free backend index and
// extends every live network onto it.
func (a *Applier) AddBackend(ctx context.Context, clusterName, address string) (*models.Backend, error) {
	backend := &models.Backend{ClusterName: clusterName, Address: address}
	var networks []models.Network
	var bns []models.BackendNetwork

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		pools, err := tx.LockPools(backendIndexPool)
		if err != nil {
			return err
		}

		if backend.Index, err = pools[backendIndexPool].Reserve(); err != nil {
			return fmt.Errorf("failed to reserve backend index: %w", err)
		}

		if err := tx.SavePools(pools); err != nil {
			return err
		}

		if err := tx.Create(backend); err != nil {
			return err
		}

		if networks, err = tx.LiveNetworks(); err != nil {
			return err
		}

		for _, network := range networks {
			bn, err := a.createBackendNetwork(tx, network, *backend)
			if err != nil {
				return err
			}
			bns = append(bns, *bn)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("added backend", zap.String("cluster", clusterName), zap.Int("index", backend.Index))

	if len(bns) == 0 {
		return backend, nil
	}

	client, err := a.backends.Client(*backend)
	if err != nil {
		return backend, fmt.Errorf("failed to connect to backend %q: %w", clusterName, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxConcurrentRequests)

	for i := range bns {
		network, bn := networks[i], bns[i]
		eg.Go(func() error {
			return a.submit("create network", func() (string, error) {
				return client.CreateNetwork(egCtx, network, bn)
			})
		})
	}

	return backend, eg.Wait()
}

// RemoveBackend unregisters a cluster that no longer hosts machines. Its
// backend networks are dropped and their networks refreshed.
func (a *Applier) RemoveBackend(ctx context.Context, id uint64) error {
	var affected []uint64

	err := a.store.Transaction(ctx, func(tx *store.Tx) error {
		backend, err := tx.Backend(id)
		if err != nil {
			return err
		}

		machines, err := tx.CountMachines(id)
		if err != nil {
			return err
		}

		if machines > 0 {
			return fmt.Errorf("%w: %q hosts %d", ErrBackendInUse, backend.ClusterName, machines)
		}

		bns, err := tx.BackendNetworksOn(id)
		if err != nil {
			return err
		}

		for i := range bns {
			if err := tx.DeletePools(models.PoolKey{Kind: models.PoolMAC, OwnerID: bns[i].ID}); err != nil {
				return err
			}

			if err := tx.Delete(&bns[i]); err != nil {
				return err
			}

			affected = append(affected, bns[i].NetworkID)
		}

		pools, err := tx.LockPools(backendIndexPool)
		if err != nil {
			return err
		}

		if err := pools[backendIndexPool].Release(backend.Index); err != nil {
			return fmt.Errorf("failed to release backend index: %w", err)
		}

		if err := tx.SavePools(pools); err != nil {
			return err
		}

		return tx.DeleteBackend(id)
	})
	if err != nil {
		return err
	}

	for _, networkID := range affected {
		if err := a.refresher.RefreshNetwork(ctx, networkID); err != nil {
			return fmt.Errorf("failed to refresh network %d: %w", networkID, err)
		}
	}

	a.logger.Info("removed backend", zap.Uint64("backend", id))

	return nil
}

// submit runs a job submission and logs the job id.
func (a *Applier) submit(what string, fn func() (string, error)) error {
	jobID, err := fn()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}

	a.logger.Info("submitted job", zap.String("job", jobID), zap.String("request", what))

	return nil
}

// requested appends a request to the audit log of a record.
func (a *Applier) requested(tx *store.Tx, kind models.Kind, id uint64, state models.State, action models.Action) error {
	return tx.AppendAudit(&models.AuditEntry{
		Kind:      kind,
		EntityID:  id,
		FromState: state,
		ToState:   state,
		Log:       fmt.Sprintf("%s requested", action),
		CreatedAt: a.clock.Now(),
	})
}

func (a *Applier) client(tx *store.Tx, backendID uint64) (Backend, models.Backend, error) {
	backend, err := tx.Backend(backendID)
	if err != nil {
		return nil, models.Backend{}, err
	}

	client, err := a.backends.Client(*backend)
	if err != nil {
		return nil, models.Backend{}, fmt.Errorf("failed to connect to backend %q: %w", backend.ClusterName, err)
	}

	return client, *backend, nil
}
