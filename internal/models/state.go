package models

type Kind string

const (
	KindVirtualMachine Kind = "vm"
	KindNetwork        Kind = "network"
	KindBackendNetwork Kind = "backend_network"
	KindPort           Kind = "port"
)

type State string

const (
	// VirtualMachine states.
	StateBuild     State = "BUILD"
	StateStarted   State = "STARTED"
	StateStopped   State = "STOPPED"
	StateError     State = "ERROR"
	StateDestroyed State = "DESTROYED"

	// Network and BackendNetwork states. ERROR is shared with VMs.
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateDeleted State = "DELETED"

	// Port states. BUILD, ACTIVE, ERROR and DELETED are shared.
	StateDown State = "DOWN"
)

type Action string

const (
	ActionNone    Action = ""
	ActionCreate  Action = "CREATE"
	ActionStart   Action = "START"
	ActionStop    Action = "STOP"
	ActionSuspend Action = "SUSPEND"
	ActionReboot  Action = "REBOOT"
	ActionDestroy Action = "DESTROY"
)

type Opcode string

const (
	OpInstanceCreate          Opcode = "OP_INSTANCE_CREATE"
	OpInstanceRemove          Opcode = "OP_INSTANCE_REMOVE"
	OpInstanceStartup         Opcode = "OP_INSTANCE_STARTUP"
	OpInstanceShutdown        Opcode = "OP_INSTANCE_SHUTDOWN"
	OpInstanceReboot          Opcode = "OP_INSTANCE_REBOOT"
	OpInstanceSetParams       Opcode = "OP_INSTANCE_SET_PARAMS"
	OpInstanceQueryData       Opcode = "OP_INSTANCE_QUERY_DATA"
	OpInstanceReinstall       Opcode = "OP_INSTANCE_REINSTALL"
	OpInstanceActivateDisks   Opcode = "OP_INSTANCE_ACTIVATE_DISKS"
	OpInstanceDeactivateDisks Opcode = "OP_INSTANCE_DEACTIVATE_DISKS"
	OpInstanceReplaceDisks    Opcode = "OP_INSTANCE_REPLACE_DISKS"
	OpInstanceMigrate         Opcode = "OP_INSTANCE_MIGRATE"
	OpInstanceConsole         Opcode = "OP_INSTANCE_CONSOLE"
	OpInstanceRecreateDisks   Opcode = "OP_INSTANCE_RECREATE_DISKS"
	OpInstanceFailover        Opcode = "OP_INSTANCE_FAILOVER"
	OpNetworkAdd              Opcode = "OP_NETWORK_ADD"
	OpNetworkConnect          Opcode = "OP_NETWORK_CONNECT"
	OpNetworkDisconnect       Opcode = "OP_NETWORK_DISCONNECT"
	OpNetworkRemove           Opcode = "OP_NETWORK_REMOVE"
	OpNetworkSetParams        Opcode = "OP_NETWORK_SET_PARAMS"
	OpNetworkQueryData        Opcode = "OP_NETWORK_QUERY_DATA"
)

// InstanceOpcodes lists every opcode the cluster manager may report for an instance.
var InstanceOpcodes = []Opcode{
	OpInstanceCreate,
	OpInstanceRemove,
	OpInstanceStartup,
	OpInstanceShutdown,
	OpInstanceReboot,
	OpInstanceSetParams,
	OpInstanceQueryData,
	OpInstanceReinstall,
	OpInstanceActivateDisks,
	OpInstanceDeactivateDisks,
	OpInstanceReplaceDisks,
	OpInstanceMigrate,
	OpInstanceConsole,
	OpInstanceRecreateDisks,
	OpInstanceFailover,
}

// NetworkOpcodes lists every opcode the cluster manager may report for a network.
var NetworkOpcodes = []Opcode{
	OpNetworkAdd,
	OpNetworkConnect,
	OpNetworkDisconnect,
	OpNetworkRemove,
	OpNetworkSetParams,
	OpNetworkQueryData,
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobWaiting   JobStatus = "waiting"
	JobCanceling JobStatus = "canceling"
	JobRunning   JobStatus = "running"
	JobCanceled  JobStatus = "canceled"
	JobSuccess   JobStatus = "success"
	JobError     JobStatus = "error"
)

var JobStatuses = []JobStatus{
	JobQueued,
	JobWaiting,
	JobCanceling,
	JobRunning,
	JobCanceled,
	JobSuccess,
	JobError,
}

func (s JobStatus) Valid() bool {
	for _, status := range JobStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Finished reports whether the job will not change status anymore.
func (s JobStatus) Finished() bool {
	return s == JobSuccess || s == JobError || s == JobCanceled
}
