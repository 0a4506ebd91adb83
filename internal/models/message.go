package models

import "time"

// Message is a job-completion notification of the cluster manager.
type Message struct {
	Kind      Kind
	EntityID  uint64
	Backend   string
	Opcode    Opcode
	JobID     string
	Status    JobStatus
	Timestamp time.Time
	Log       string
}

func (m Message) Job() BackendJob {
	return BackendJob{
		BackendJobID:     m.JobID,
		BackendOpcode:    m.Opcode,
		BackendJobStatus: m.Status,
		BackendLogMsg:    m.Log,
		BackendTime:      m.Timestamp.UnixMicro(),
	}
}

// ProgressMessage reports the build progress of a virtual machine.
type ProgressMessage struct {
	EntityID  uint64
	Progress  float64
	Timestamp time.Time
}
