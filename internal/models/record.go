package models

import "time"

// Model is embedded by every persisted record. Version is bumped on each
// successful save and is used to detect lost updates.
type Model struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   uint64 `gorm:"not null;default:0"`
}

func (m *Model) GetID() uint64 {
	return m.ID
}

func (m *Model) GetVersion() uint64 {
	return m.Version
}

func (m *Model) SetVersion(version uint64) {
	m.Version = version
}

type Record interface {
	EntityKind() Kind
	GetID() uint64
	GetVersion() uint64
	SetVersion(version uint64)
}

// BackendJob holds the last cluster manager job applied to a record.
// BackendTime is the event time of that job in microseconds since the Unix
// epoch, zero until a job is applied.
type BackendJob struct {
	BackendJobID     string    `gorm:"size:64"`
	BackendOpcode    Opcode    `gorm:"size:64"`
	BackendJobStatus JobStatus `gorm:"size:32"`
	BackendLogMsg    string    `gorm:"type:text"`
	BackendTime      int64     `gorm:"not null;default:0"`
}

// Time returns the event time of the last applied job.
func (j BackendJob) Time() time.Time {
	return time.UnixMicro(j.BackendTime).UTC()
}

// Precedes reports whether the last applied job happened strictly before t.
func (j BackendJob) Precedes(t time.Time) bool {
	return t.UnixMicro() > j.BackendTime
}

type AuditEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Kind      Kind      `gorm:"size:32;index:idx_audit_entity"`
	EntityID  uint64    `gorm:"index:idx_audit_entity"`
	JobID     string    `gorm:"size:64"`
	Opcode    Opcode    `gorm:"size:64"`
	JobStatus JobStatus `gorm:"size:32"`
	FromState State     `gorm:"size:32"`
	ToState   State     `gorm:"size:32"`
	Log       string    `gorm:"type:text"`
	CreatedAt time.Time
}
