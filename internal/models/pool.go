package models

type PoolKind string

const (
	PoolIP           PoolKind = "ip"
	PoolMAC          PoolKind = "mac"
	PoolMACPrefix    PoolKind = "mac_prefix"
	PoolBridge       PoolKind = "bridge"
	PoolBackendIndex PoolKind = "backend_index"
)

// PoolRecord is the persisted form of a pool: the compact bitmaps plus the
// mapping from bit index to identifier. Singleton pools have OwnerID 0.
type PoolRecord struct {
	Model
	Kind      PoolKind `gorm:"size:32;uniqueIndex:idx_pool_owner"`
	OwnerID   uint64   `gorm:"uniqueIndex:idx_pool_owner"`
	Size      int
	Available []byte
	Reserved  []byte
	Base      string `gorm:"size:64"`
	Offset    int
}

// PoolKey identifies a pool row.
type PoolKey struct {
	Kind    PoolKind
	OwnerID uint64
}
