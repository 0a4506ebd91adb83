package incus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	incus "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

const (
	UserIDKey        = "user.hogd.user_id"
	UserMacPrefixKey = "user.hogd.mac_prefix"
	UserLinkKey      = "user.hogd.link"
	UserConnectedKey = "user.hogd.connected"
	RootDevice       = "root"
	NetworkType      = "bridge"
)

var (
	ErrUnsupportedAction = errors.New("unsupported instance action")
)

// IncusServerProvider is the part of the Incus API used to submit jobs.
type IncusServerProvider interface {
	CreateInstance(instance api.InstancesPost) (incus.Operation, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (incus.Operation, error)
	DeleteInstance(name string) (incus.Operation, error)
	CreateNetwork(network api.NetworksPost) error
	GetNetwork(name string) (*api.Network, string, error)
	UpdateNetwork(name string, network api.NetworkPut, ETag string) error
	DeleteNetwork(name string) error
}

type Config struct {
	Server      IncusServerProvider
	Prefix      string
	Image       string
	StoragePool string
}

// Incus submits jobs to one Incus cluster. Instance calls return the id of
// the background operation; network calls are synchronous on the Incus side
// and get a generated job id.
type Incus struct {
	server      IncusServerProvider
	prefix      string
	image       string
	storagePool string
}

func New(config Config) *Incus {
	return &Incus{
		server:      config.Server,
		prefix:      config.Prefix,
		image:       config.Image,
		storagePool: config.StoragePool,
	}
}

func (i *Incus) CreateInstance(ctx context.Context, vm models.VirtualMachine, nics []models.NIC) (string, error) {
	image := vm.ImageID
	if image == "" {
		image = i.image
	}

	devices := map[string]map[string]string{
		RootDevice: {
			"type": "disk",
			"path": "/",
			"pool": i.storagePool,
			"size": fmt.Sprintf("%dGB", vm.Flavor.Disk),
		},
	}

	for _, nic := range nics {
		device := map[string]string{
			"type":    "nic",
			"nictype": "bridged",
			"name":    nic.Name,
			"parent":  nic.Link,
			"hwaddr":  nic.MAC,
		}
		if nic.IPv4 != "" {
			device["ipv4.address"] = nic.IPv4
		}
		devices[nic.Name] = device
	}

	op, err := i.server.CreateInstance(api.InstancesPost{
		InstancePut: api.InstancePut{
			Config: map[string]string{
				UserIDKey:       vm.UserID,
				"limits.cpu":    strconv.Itoa(vm.Flavor.CPU),
				"limits.memory": fmt.Sprintf("%dMB", vm.Flavor.RAM),
			},
			Devices: devices,
		},
		Name:   models.InstanceName(i.prefix, vm.ID),
		Source: api.InstanceSource{Type: "image", Alias: image},
		Type:   api.InstanceTypeContainer,
		Start:  true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create instance: %w", err)
	}

	return op.Get().ID, nil
}

func (i *Incus) UpdateInstanceState(ctx context.Context, vm models.VirtualMachine, action models.Action) (string, error) {
	state, err := instanceAction(action)
	if err != nil {
		return "", err
	}

	op, err := i.server.UpdateInstanceState(models.InstanceName(i.prefix, vm.ID), api.InstanceStatePut{Action: state}, "")
	if err != nil {
		return "", fmt.Errorf("failed to %s instance: %w", state, err)
	}

	return op.Get().ID, nil
}

// DeleteInstance stops the instance, waits for it to halt, and submits its
// removal.
func (i *Incus) DeleteInstance(ctx context.Context, vm models.VirtualMachine) (string, error) {
	name := models.InstanceName(i.prefix, vm.ID)

	op, err := i.server.UpdateInstanceState(name, api.InstanceStatePut{Action: "stop", Force: true}, "")
	if err != nil {
		return "", fmt.Errorf("failed to stop instance: %w", err)
	}

	if err := op.WaitContext(ctx); err != nil && !strings.Contains(err.Error(), "not running") {
		return "", fmt.Errorf("failed to wait stop instance operation: %w", err)
	}

	op, err = i.server.DeleteInstance(name)
	if err != nil {
		return "", fmt.Errorf("failed to delete instance: %w", err)
	}

	return op.Get().ID, nil
}

func (i *Incus) CreateNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error) {
	config := map[string]string{
		"ipv4.dhcp":      strconv.FormatBool(network.DHCP),
		"ipv4.nat":       strconv.FormatBool(network.Public),
		"ipv6.address":   "none",
		UserMacPrefixKey: bn.MacPrefix,
		UserLinkKey:      network.Link,
	}

	if network.Gateway != "" {
		address, err := gatewayAddress(network.Subnet, network.Gateway)
		if err != nil {
			return "", err
		}
		config["ipv4.address"] = address
	} else {
		config["ipv4.address"] = "none"
	}

	err := i.server.CreateNetwork(api.NetworksPost{
		NetworkPut: api.NetworkPut{
			Config:      config,
			Description: network.Name,
		},
		Name: models.NetworkName(i.prefix, network.ID),
		Type: NetworkType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network: %w", err)
	}

	return uuid.NewString(), nil
}

// ConnectNetwork marks the network usable by instances.
func (i *Incus) ConnectNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error) {
	name := models.NetworkName(i.prefix, network.ID)

	current, etag, err := i.server.GetNetwork(name)
	if err != nil {
		return "", fmt.Errorf("failed to get network: %w", err)
	}

	put := current.Writable()
	if put.Config == nil {
		put.Config = map[string]string{}
	}
	put.Config[UserConnectedKey] = "true"

	if err := i.server.UpdateNetwork(name, put, etag); err != nil {
		return "", fmt.Errorf("failed to connect network: %w", err)
	}

	return uuid.NewString(), nil
}

func (i *Incus) DeleteNetwork(ctx context.Context, network models.Network, bn models.BackendNetwork) (string, error) {
	if err := i.server.DeleteNetwork(models.NetworkName(i.prefix, network.ID)); err != nil {
		return "", fmt.Errorf("failed to delete network: %w", err)
	}

	return uuid.NewString(), nil
}

func instanceAction(action models.Action) (string, error) {
	switch action {
	case models.ActionStart:
		return "start", nil
	case models.ActionStop:
		return "stop", nil
	case models.ActionReboot:
		return "restart", nil
	case models.ActionSuspend:
		return "freeze", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
	}
}

// gatewayAddress returns the gateway in CIDR notation of its subnet, the
// form Incus expects for ipv4.address.
func gatewayAddress(subnet, gateway string) (string, error) {
	_, prefix, ok := strings.Cut(subnet, "/")
	if !ok {
		return "", fmt.Errorf("subnet %q has no prefix length", subnet)
	}

	return gateway + "/" + prefix, nil
}
