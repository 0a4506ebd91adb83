package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidBackendName = errors.New("invalid backend name")

type Backend struct {
	Model
	ClusterName string `gorm:"size:128;uniqueIndex"`
	Address     string `gorm:"size:255"`
	Index       int
	Drained     bool
	Offline     bool
}

// Eligible reports whether new machines may be placed on the backend.
func (b Backend) Eligible() bool {
	return !b.Drained && !b.Offline
}

// InstanceName returns the name of a virtual machine on the cluster manager.
func InstanceName(prefix string, id uint64) string {
	return fmt.Sprintf("%s%d", prefix, id)
}

// NetworkName returns the name of a network on the cluster manager.
func NetworkName(prefix string, id uint64) string {
	return fmt.Sprintf("%snet-%d", prefix, id)
}

func ParseInstanceName(prefix, name string) (uint64, error) {
	return parseName(prefix, name)
}

func ParseNetworkName(prefix, name string) (uint64, error) {
	return parseName(prefix+"net-", name)
}

func parseName(prefix, name string) (uint64, error) {
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("%w: %q has no prefix %q", ErrInvalidBackendName, name, prefix)
	}

	id, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidBackendName, name, err)
	}

	return id, nil
}
