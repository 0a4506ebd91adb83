package incus

import (
	"fmt"
	"os"
	"sync"

	incus "github.com/lxc/incus/client"

	"github.com/hogwarts-cloud/hogd/internal/applier"
	"github.com/hogwarts-cloud/hogd/internal/models"
)

type ConnectorConfig struct {
	Prefix        string
	Image         string
	StoragePool   string
	ClientCert    string
	ClientKey     string
	SkipTLSVerify bool
	// Connect dials a cluster. It defaults to incus.ConnectIncus.
	Connect func(url string, args *incus.ConnectionArgs) (IncusServerProvider, error)
}

// Connector hands out one Incus client per backend, dialing each cluster
// once.
type Connector struct {
	config  ConnectorConfig
	mu      sync.Mutex
	clients map[uint64]*Incus
}

func NewConnector(config ConnectorConfig) *Connector {
	if config.Connect == nil {
		config.Connect = func(url string, args *incus.ConnectionArgs) (IncusServerProvider, error) {
			return incus.ConnectIncus(url, args)
		}
	}

	return &Connector{
		config:  config,
		clients: make(map[uint64]*Incus),
	}
}

func (c *Connector) Client(backend models.Backend) (applier.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[backend.ID]; ok {
		return client, nil
	}

	args, err := c.connectionArgs()
	if err != nil {
		return nil, err
	}

	server, err := c.config.Connect(backend.Address, args)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", backend.Address, err)
	}

	client := New(Config{
		Server:      server,
		Prefix:      c.config.Prefix,
		Image:       c.config.Image,
		StoragePool: c.config.StoragePool,
	})
	c.clients[backend.ID] = client

	return client, nil
}

func (c *Connector) connectionArgs() (*incus.ConnectionArgs, error) {
	args := &incus.ConnectionArgs{InsecureSkipVerify: c.config.SkipTLSVerify}

	if c.config.ClientCert != "" {
		cert, err := os.ReadFile(c.config.ClientCert)
		if err != nil {
			return nil, fmt.Errorf("failed to read client certificate: %w", err)
		}
		args.TLSClientCert = string(cert)
	}

	if c.config.ClientKey != "" {
		key, err := os.ReadFile(c.config.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read client key: %w", err)
		}
		args.TLSClientKey = string(key)
	}

	return args, nil
}
