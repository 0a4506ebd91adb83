package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

// Tx is a database transaction. It is only valid inside the function given
// to Store.Transaction.
type Tx struct {
	db      *gorm.DB
	locking bool
}

func (t *Tx) forUpdate() *gorm.DB {
	if !t.locking {
		return t.db
	}

	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func newRecord(kind models.Kind) (models.Record, error) {
	switch kind {
	case models.KindVirtualMachine:
		return &models.VirtualMachine{}, nil
	case models.KindNetwork:
		return &models.Network{}, nil
	case models.KindBackendNetwork:
		return &models.BackendNetwork{}, nil
	case models.KindPort:
		return &models.Port{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// Load locks and returns the record of the given kind and id.
func (t *Tx) Load(kind models.Kind, id uint64) (models.Record, error) {
	record, err := newRecord(kind)
	if err != nil {
		return nil, err
	}

	if err := t.first(record, "id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to load %s %d: %w", kind, id, err)
	}

	return record, nil
}

func (t *Tx) VirtualMachine(id uint64) (*models.VirtualMachine, error) {
	vm := &models.VirtualMachine{}
	if err := t.first(vm, "id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to load vm %d: %w", id, err)
	}

	return vm, nil
}

func (t *Tx) Network(id uint64) (*models.Network, error) {
	network := &models.Network{}
	if err := t.first(network, "id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to load network %d: %w", id, err)
	}

	return network, nil
}

func (t *Tx) BackendNetwork(id uint64) (*models.BackendNetwork, error) {
	bn := &models.BackendNetwork{}
	if err := t.first(bn, "id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to load backend network %d: %w", id, err)
	}

	return bn, nil
}

// BackendNetworkFor returns the part of a network living on a backend.
func (t *Tx) BackendNetworkFor(networkID, backendID uint64) (*models.BackendNetwork, error) {
	bn := &models.BackendNetwork{}
	if err := t.first(bn, "network_id = ? AND backend_id = ?", networkID, backendID); err != nil {
		return nil, fmt.Errorf("failed to load network %d on backend %d: %w", networkID, backendID, err)
	}

	return bn, nil
}

// BackendNetworks returns every part of a network, deleted ones included.
func (t *Tx) BackendNetworks(networkID uint64) ([]models.BackendNetwork, error) {
	var bns []models.BackendNetwork
	if err := t.forUpdate().Where("network_id = ?", networkID).Order("id").Find(&bns).Error; err != nil {
		return nil, fmt.Errorf("failed to list backend networks of %d: %w", networkID, err)
	}

	return bns, nil
}

// BackendNetworksOn returns the backend networks living on a backend.
func (t *Tx) BackendNetworksOn(backendID uint64) ([]models.BackendNetwork, error) {
	var bns []models.BackendNetwork
	if err := t.forUpdate().Where("backend_id = ?", backendID).Order("id").Find(&bns).Error; err != nil {
		return nil, fmt.Errorf("failed to list backend networks on %d: %w", backendID, err)
	}

	return bns, nil
}

func (t *Tx) Backend(id uint64) (*models.Backend, error) {
	backend := &models.Backend{}
	if err := t.first(backend, "id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to load backend %d: %w", id, err)
	}

	return backend, nil
}

func (t *Tx) BackendByName(clusterName string) (*models.Backend, error) {
	backend := &models.Backend{}
	if err := t.first(backend, "cluster_name = ?", clusterName); err != nil {
		return nil, fmt.Errorf("failed to load backend %q: %w", clusterName, err)
	}

	return backend, nil
}

func (t *Tx) Backends() ([]models.Backend, error) {
	var backends []models.Backend
	if err := t.db.Order("id").Find(&backends).Error; err != nil {
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}

	return backends, nil
}

// Ports returns the live ports of a virtual machine ordered by index.
func (t *Tx) Ports(machineID uint64) ([]models.Port, error) {
	var ports []models.Port
	if err := t.forUpdate().Where("machine_id = ? AND deleted = ?", machineID, false).Order("`index`").Find(&ports).Error; err != nil {
		return nil, fmt.Errorf("failed to list ports of vm %d: %w", machineID, err)
	}

	return ports, nil
}

// CountNetworkPorts counts the live ports attached to a network.
func (t *Tx) CountNetworkPorts(networkID uint64) (int64, error) {
	var count int64
	if err := t.db.Model(&models.Port{}).Where("network_id = ? AND deleted = ?", networkID, false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count ports of network %d: %w", networkID, err)
	}

	return count, nil
}

// CountMachines counts the live virtual machines placed on a backend.
func (t *Tx) CountMachines(backendID uint64) (int64, error) {
	var count int64
	if err := t.db.Model(&models.VirtualMachine{}).Where("backend_id = ? AND deleted = ?", backendID, false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count machines of backend %d: %w", backendID, err)
	}

	return count, nil
}

// LiveNetworks returns every network that is not deleted.
func (t *Tx) LiveNetworks() ([]models.Network, error) {
	var networks []models.Network
	if err := t.db.Where("deleted = ?", false).Order("id").Find(&networks).Error; err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	return networks, nil
}

// Create inserts a new record with version 1.
func (t *Tx) Create(record any) error {
	if r, ok := record.(interface{ SetVersion(uint64) }); ok {
		r.SetVersion(1)
	}

	if err := t.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to create %T: %w", record, err)
	}

	return nil
}

// Save writes every field of record if its stored version still equals
// expected, and bumps the version. It fails with ErrVersionConflict when
// another writer got there first.
func (t *Tx) Save(record models.Record, expected uint64) error {
	record.SetVersion(expected + 1)

	res := t.db.Model(record).Where("version = ?", expected).Select("*").Updates(record)
	if res.Error != nil {
		record.SetVersion(expected)
		return fmt.Errorf("failed to save %s %d: %w", record.EntityKind(), record.GetID(), res.Error)
	}

	if res.RowsAffected == 1 {
		return nil
	}

	record.SetVersion(expected)

	var count int64
	if err := t.db.Model(record).Where("id = ?", record.GetID()).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check %s %d: %w", record.EntityKind(), record.GetID(), err)
	}

	if count == 0 {
		return fmt.Errorf("%s %d: %w", record.EntityKind(), record.GetID(), ErrNotFound)
	}

	return fmt.Errorf("%s %d at version %d: %w", record.EntityKind(), record.GetID(), expected, ErrVersionConflict)
}

// AppendAudit records an applied transition.
func (t *Tx) AppendAudit(entry *models.AuditEntry) error {
	if err := t.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// AuditLog returns the transitions applied to a record, oldest first.
func (t *Tx) AuditLog(kind models.Kind, id uint64) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := t.db.Where("kind = ? AND entity_id = ?", kind, id).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	return entries, nil
}

func (t *Tx) first(dest any, query string, args ...any) error {
	err := t.forUpdate().Where(query, args...).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

func (t *Tx) DeleteBackend(id uint64) error {
	if err := t.db.Delete(&models.Backend{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete backend %d: %w", id, err)
	}

	return nil
}

// Delete removes a record row. Records that took part in jobs are marked
// deleted instead; Delete is for rows whose owner is gone.
func (t *Tx) Delete(record models.Record) error {
	if err := t.db.Delete(record).Error; err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", record.EntityKind(), record.GetID(), err)
	}

	return nil
}
