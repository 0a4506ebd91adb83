// Package reconciler applies job-completion notifications of the cluster
// manager to the persisted records.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/statemachine"
	"github.com/hogwarts-cloud/hogd/internal/store"
)

var (
	ErrUnknownEntity = errors.New("unknown entity")
	ErrInvariant     = errors.New("invariant violation")
)

// Outcome tells what Apply did with a message.
type Outcome int

const (
	// Applied means the message was persisted.
	Applied Outcome = iota
	// Stale means the message is not newer than the last applied one.
	Stale
	// Discarded means the record is deleted or no longer accepts the message.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Config struct {
	Store  *store.Store
	Logger *zap.Logger
	Clock  clock.Clock
}

type Engine struct {
	store  *store.Store
	logger *zap.Logger
	clock  clock.Clock
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Engine{
		store:  cfg.Store,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
}

// Apply applies a job-completion message to the record it targets. The
// record, its pools and the audit entry are written in one transaction.
// Network messages also refresh the aggregate state of the network once the
// backend network is persisted.
func (e *Engine) Apply(ctx context.Context, msg models.Message) (Outcome, error) {
	logger := e.logger.With(
		zap.String("kind", string(msg.Kind)),
		zap.Uint64("id", msg.EntityID),
		zap.String("opcode", string(msg.Opcode)),
		zap.String("job", msg.JobID),
		zap.String("status", string(msg.Status)),
	)

	if _, err := statemachine.Lookup(msg.Kind, msg.Opcode); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvariant, err)
	}

	var (
		outcome Outcome
		err     error
	)

	switch msg.Kind {
	case models.KindVirtualMachine:
		outcome, err = e.applyVM(ctx, logger, msg)
	case models.KindNetwork, models.KindBackendNetwork:
		outcome, err = e.applyBackendNetwork(ctx, logger, msg)
		if err == nil {
			err = e.RefreshNetwork(ctx, msg.EntityID)
		}
	default:
		return 0, fmt.Errorf("%w: messages for %q are not handled", ErrInvariant, msg.Kind)
	}

	if err != nil {
		return 0, err
	}

	switch outcome {
	case Applied:
		logger.Info("applied job status")
	default:
		logger.Debug("ignored job status", zap.Stringer("outcome", outcome))
	}

	return outcome, nil
}

func (e *Engine) applyVM(ctx context.Context, logger *zap.Logger, msg models.Message) (Outcome, error) {
	var outcome Outcome

	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		vm, err := tx.VirtualMachine(msg.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: vm %d", ErrUnknownEntity, msg.EntityID)
		}
		if err != nil {
			return err
		}

		if !vm.Precedes(msg.Timestamp) {
			outcome = Stale
			return nil
		}

		if vm.Deleted {
			outcome = Discarded
			return nil
		}

		target, changed, err := statemachine.TargetState(models.KindVirtualMachine, msg.Opcode, msg.Status)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}

		from := vm.OperState
		vm.BackendJob = msg.Job()
		if msg.Status.Finished() {
			vm.Action = models.ActionNone
		}

		ports, err := tx.Ports(vm.ID)
		if err != nil {
			return err
		}

		if changed {
			vm.OperState = target
			if err := e.onVMTransition(tx, logger, vm, msg, ports); err != nil {
				return err
			}
		}

		if err := tx.Save(vm, vm.Version); err != nil {
			return err
		}

		outcome = Applied

		return tx.AppendAudit(e.audit(models.KindVirtualMachine, vm.ID, msg, from, vm.OperState))
	})

	return outcome, err
}

// onVMTransition applies the side effects of a state change to the ports of
// the machine: a destroyed or never created machine gives its addresses and
// MACs back to their pools.
func (e *Engine) onVMTransition(tx *store.Tx, logger *zap.Logger, vm *models.VirtualMachine, msg models.Message, ports []models.Port) error {
	var portState models.State

	switch {
	case vm.OperState == models.StateDestroyed:
		vm.Deleted = true
		portState = models.StateDeleted
	case msg.Opcode == models.OpInstanceCreate && vm.OperState == models.StateError:
		portState = models.StateError
	case vm.OperState == models.StateStarted:
		if msg.Opcode == models.OpInstanceCreate {
			vm.BuildPercentage = 100
		}
		return savePorts(tx, ports, models.StateActive, false)
	case vm.OperState == models.StateStopped:
		return savePorts(tx, ports, models.StateDown, false)
	default:
		return nil
	}

	if err := e.releasePorts(tx, logger, ports); err != nil {
		return err
	}

	return savePorts(tx, ports, portState, true)
}

func (e *Engine) releasePorts(tx *store.Tx, logger *zap.Logger, ports []models.Port) error {
	if len(ports) == 0 {
		return nil
	}

	var keys []models.PoolKey
	for _, port := range ports {
		if port.IPv4 != "" {
			keys = append(keys, models.PoolKey{Kind: models.PoolIP, OwnerID: port.NetworkID})
		}
		if port.MAC != "" {
			keys = append(keys, models.PoolKey{Kind: models.PoolMAC, OwnerID: port.BackendNetworkID})
		}
	}

	pools, err := tx.LockExistingPools(lo.Uniq(keys)...)
	if err != nil {
		return err
	}

	for _, port := range ports {
		if port.IPv4 != "" {
			e.put(logger, pools, models.PoolKey{Kind: models.PoolIP, OwnerID: port.NetworkID}, port.IPv4)
		}
		if port.MAC != "" {
			e.put(logger, pools, models.PoolKey{Kind: models.PoolMAC, OwnerID: port.BackendNetworkID}, port.MAC)
		}
	}

	return tx.SavePools(pools)
}

// put releases value into the pool under key. A value the pool cannot map
// is logged and skipped: it was never handed out by that pool.
func (e *Engine) put(logger *zap.Logger, pools store.Pools, key models.PoolKey, value string) {
	handle, ok := pools[key]
	if !ok {
		logger.Warn("pool is gone, not releasing", zap.String("pool", string(key.Kind)), zap.Uint64("owner", key.OwnerID), zap.String("value", value))
		return
	}

	if err := handle.Put(value); err != nil {
		logger.Warn("failed to release identifier", zap.String("pool", string(key.Kind)), zap.String("value", value), zap.Error(err))
	}
}

func savePorts(tx *store.Tx, ports []models.Port, state models.State, deleted bool) error {
	for i := range ports {
		port := &ports[i]
		if port.State == state && port.Deleted == deleted {
			continue
		}

		port.State = state
		port.Deleted = deleted
		if err := tx.Save(port, port.Version); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) applyBackendNetwork(ctx context.Context, logger *zap.Logger, msg models.Message) (Outcome, error) {
	var outcome Outcome

	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		backend, err := tx.BackendByName(msg.Backend)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: backend %q", ErrUnknownEntity, msg.Backend)
		}
		if err != nil {
			return err
		}

		bn, err := tx.BackendNetworkFor(msg.EntityID, backend.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: network %d on %q", ErrUnknownEntity, msg.EntityID, msg.Backend)
		}
		if err != nil {
			return err
		}

		if !bn.Precedes(msg.Timestamp) {
			outcome = Stale
			return nil
		}

		if bn.Deleted {
			outcome = Discarded
			return nil
		}

		target, changed, err := statemachine.TargetState(models.KindBackendNetwork, msg.Opcode, msg.Status)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}

		from := bn.OperState
		bn.BackendJob = msg.Job()

		if changed {
			bn.OperState = target
			if target == models.StateDeleted {
				bn.Deleted = true
				if err := tx.DeletePools(models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID}); err != nil {
					return err
				}
			}
		}

		if err := tx.Save(bn, bn.Version); err != nil {
			return err
		}

		outcome = Applied

		return tx.AppendAudit(e.audit(models.KindBackendNetwork, bn.ID, msg, from, bn.OperState))
	})

	return outcome, err
}

// RefreshNetwork recomputes the state of a network from its backend
// networks. The first time the network turns DELETED, or its add job failed
// on every backend, its MAC prefix and bridge go back to their pools and its
// address pool is dropped.
func (e *Engine) RefreshNetwork(ctx context.Context, networkID uint64) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		network, err := tx.Network(networkID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: network %d", ErrUnknownEntity, networkID)
		}
		if err != nil {
			return err
		}

		if network.Deleted {
			return nil
		}

		bns, err := tx.BackendNetworks(networkID)
		if err != nil {
			return err
		}

		state := models.AggregateState(lo.Map(bns, func(bn models.BackendNetwork, _ int) models.State {
			return bn.OperState
		}))
		failed := creationFailed(bns)
		if state == network.State && !failed {
			return nil
		}

		from := network.State
		network.State = state

		if failed {
			if err := abandonBackendNetworks(tx, bns); err != nil {
				return err
			}
		}

		if state == models.StateDeleted || failed {
			network.Deleted = true
			network.Action = models.ActionNone
			if err := e.releaseNetwork(tx, network); err != nil {
				return err
			}
		}

		if err := tx.Save(network, network.Version); err != nil {
			return err
		}

		e.logger.Info("network state changed",
			zap.Uint64("network", network.ID),
			zap.String("from", string(from)),
			zap.String("to", string(state)),
		)

		return tx.AppendAudit(&models.AuditEntry{
			Kind:      models.KindNetwork,
			EntityID:  network.ID,
			FromState: from,
			ToState:   state,
			CreatedAt: e.clock.Now(),
		})
	})
}

// creationFailed reports whether the network was never created on any
// backend: every backend network still tracked is in ERROR after a failed add
// job. Backend networks abandoned before their job was submitted are skipped.
func creationFailed(bns []models.BackendNetwork) bool {
	tracked := lo.Filter(bns, func(bn models.BackendNetwork, _ int) bool {
		return !bn.Deleted || bn.OperState != models.StateError
	})

	return len(tracked) > 0 && lo.EveryBy(tracked, func(bn models.BackendNetwork) bool {
		return bn.OperState == models.StateError && bn.BackendOpcode == models.OpNetworkAdd
	})
}

func abandonBackendNetworks(tx *store.Tx, bns []models.BackendNetwork) error {
	for i := range bns {
		bn := &bns[i]
		if bn.Deleted {
			continue
		}

		bn.Deleted = true
		if err := tx.DeletePools(models.PoolKey{Kind: models.PoolMAC, OwnerID: bn.ID}); err != nil {
			return err
		}
		if err := tx.Save(bn, bn.Version); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) releaseNetwork(tx *store.Tx, network *models.Network) error {
	logger := e.logger.With(zap.Uint64("network", network.ID))

	prefixes := models.PoolKey{Kind: models.PoolMACPrefix}
	bridges := models.PoolKey{Kind: models.PoolBridge}

	keys := []models.PoolKey{prefixes}
	if network.Type.UsesBridgePool() {
		keys = append(keys, bridges)
	}

	pools, err := tx.LockExistingPools(keys...)
	if err != nil {
		return err
	}

	if network.MacPrefix != "" {
		e.put(logger, pools, prefixes, network.MacPrefix)
	}

	if network.Type.UsesBridgePool() && network.Link != "" {
		e.put(logger, pools, bridges, network.Link)
	}

	if err := tx.SavePools(pools); err != nil {
		return err
	}

	return tx.DeletePools(models.PoolKey{Kind: models.PoolIP, OwnerID: network.ID})
}

// ApplyProgress raises the build percentage of a machine still in BUILD.
// Progress never goes backwards.
func (e *Engine) ApplyProgress(ctx context.Context, msg models.ProgressMessage) (Outcome, error) {
	var outcome Outcome

	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		vm, err := tx.VirtualMachine(msg.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: vm %d", ErrUnknownEntity, msg.EntityID)
		}
		if err != nil {
			return err
		}

		if vm.Deleted || vm.OperState != models.StateBuild {
			outcome = Discarded
			return nil
		}

		percentage := min(max(int(msg.Progress), 0), 100)
		if percentage <= vm.BuildPercentage {
			outcome = Stale
			return nil
		}

		vm.BuildPercentage = percentage
		outcome = Applied

		return tx.Save(vm, vm.Version)
	})
	if err != nil {
		return 0, err
	}

	e.logger.Debug("build progress",
		zap.Uint64("id", msg.EntityID),
		zap.Float64("progress", msg.Progress),
		zap.Stringer("outcome", outcome),
	)

	return outcome, nil
}

func (e *Engine) audit(kind models.Kind, id uint64, msg models.Message, from, to models.State) *models.AuditEntry {
	return &models.AuditEntry{
		Kind:      kind,
		EntityID:  id,
		JobID:     msg.JobID,
		Opcode:    msg.Opcode,
		JobStatus: msg.Status,
		FromState: from,
		ToState:   to,
		Log:       msg.Log,
		CreatedAt: e.clock.Now(),
	}
}
