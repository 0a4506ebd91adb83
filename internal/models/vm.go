package models

type Flavor struct {
	CPU  int
	RAM  int
	Disk int
}

type VirtualMachine struct {
	Model
	Name            string `gorm:"size:255"`
	UserID          string `gorm:"size:100;index"`
	BackendID       uint64 `gorm:"index"`
	ImageID         string `gorm:"size:100"`
	Flavor          Flavor `gorm:"embedded;embeddedPrefix:flavor_"`
	Action          Action `gorm:"size:30"`
	OperState       State  `gorm:"size:30"`
	BuildPercentage int
	Suspended       bool
	Deleted         bool
	BackendJob      `gorm:"embedded"`
}

func (*VirtualMachine) EntityKind() Kind {
	return KindVirtualMachine
}

// Port is a network interface of a virtual machine. The address and the
// MAC are held from the network's IP pool and the backend network's MAC
// pool respectively.
type Port struct {
	Model
	MachineID        uint64 `gorm:"index"`
	NetworkID        uint64 `gorm:"index"`
	BackendNetworkID uint64
	Index            int
	MAC              string `gorm:"size:32"`
	IPv4             string `gorm:"size:15"`
	FirewallProfile  string `gorm:"size:30"`
	State            State  `gorm:"size:30"`
	Deleted          bool
}

func (*Port) EntityKind() Kind {
	return KindPort
}

// NIC describes a port together with the host link it attaches to.
type NIC struct {
	Name string
	MAC  string
	IPv4 string
	Link string
}
