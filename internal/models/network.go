package models

type NetworkType string

const (
	NetworkPublicRouted        NetworkType = "PUBLIC_ROUTED"
	NetworkPrivatePhysicalVLAN NetworkType = "PRIVATE_PHYSICAL_VLAN"
	NetworkPrivateMACFiltered  NetworkType = "PRIVATE_MAC_FILTERED"
	NetworkCustomRouted        NetworkType = "CUSTOM_ROUTED"
	NetworkCustomBridged       NetworkType = "CUSTOM_BRIDGED"
)

// UsesBridgePool reports whether the link of the network is allocated from
// the bridge pool.
func (t NetworkType) UsesBridgePool() bool {
	return t == NetworkPrivatePhysicalVLAN
}

type Network struct {
	Model
	Name      string `gorm:"size:128"`
	UserID    string `gorm:"size:128;index"`
	Subnet    string `gorm:"size:32"`
	Gateway   string `gorm:"size:32"`
	DHCP      bool
	Type      NetworkType `gorm:"size:50"`
	Link      string      `gorm:"size:128"`
	MacPrefix string      `gorm:"size:32"`
	Public    bool
	State     State  `gorm:"size:32"`
	Action    Action `gorm:"size:32"`
	Deleted   bool
}

func (*Network) EntityKind() Kind {
	return KindNetwork
}

// BackendNetwork is the per-backend part of a network.
type BackendNetwork struct {
	Model
	NetworkID  uint64 `gorm:"uniqueIndex:idx_network_backend"`
	BackendID  uint64 `gorm:"uniqueIndex:idx_network_backend"`
	MacPrefix  string `gorm:"size:32"`
	OperState  State  `gorm:"size:30"`
	Deleted    bool
	BackendJob `gorm:"embedded"`
}

func (*BackendNetwork) EntityKind() Kind {
	return KindBackendNetwork
}

// AggregateState derives the state of a network from the states of its
// backend networks: the common state if they agree, PENDING otherwise.
func AggregateState(states []State) State {
	if len(states) == 0 {
		return StatePending
	}

	for _, state := range states[1:] {
		if state != states[0] {
			return StatePending
		}
	}

	return states[0]
}
