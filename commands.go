package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hogwarts-cloud/hogd/config"
	"github.com/hogwarts-cloud/hogd/internal/applier"
	"github.com/hogwarts-cloud/hogd/internal/incus"
	"github.com/hogwarts-cloud/hogd/internal/models"
	"github.com/hogwarts-cloud/hogd/internal/rabbitmq"
	"github.com/hogwarts-cloud/hogd/internal/reconciler"
	"github.com/hogwarts-cloud/hogd/internal/store"
	"github.com/hogwarts-cloud/hogd/internal/transport"
)

// environment holds what every command needs: configuration, logger and
// database.
type environment struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
}

func setup() (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}

	s, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          logger.Named("store"),
	})
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &environment{cfg: cfg, logger: logger, store: s}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	e.logger.Sync()
}

func (e *environment) dialer() transport.Dialer {
	return rabbitmq.NewDialer(rabbitmq.Config{
		URL:       e.cfg.Broker.URL,
		Vhost:     e.cfg.Broker.Vhost,
		Heartbeat: e.cfg.Broker.Heartbeat,
	})
}

func (e *environment) applier() *applier.Applier {
	return applier.New(applier.Config{
		Store: e.store,
		Backends: incus.NewConnector(incus.ConnectorConfig{
			Prefix:        e.cfg.Backend.PrefixID,
			Image:         e.cfg.Incus.Image,
			StoragePool:   e.cfg.Incus.StoragePool,
			ClientCert:    e.cfg.Incus.ClientCert,
			ClientKey:     e.cfg.Incus.ClientKey,
			SkipTLSVerify: e.cfg.Incus.SkipTLSVerify,
		}),
		Refresher: reconciler.New(reconciler.Config{Store: e.store, Logger: e.logger.Named("reconciler")}),
		Pools: applier.PoolsConfig{
			MACPrefixBase:    e.cfg.Pools.MACPrefixBase,
			MACPrefixSize:    e.cfg.Pools.MACPrefixSize,
			BridgeBase:       e.cfg.Pools.BridgeBase,
			BridgeSize:       e.cfg.Pools.BridgeSize,
			BridgeOffset:     e.cfg.Pools.BridgeOffset,
			MACPoolSize:      e.cfg.Pools.MACPoolSize,
			BackendIndexSize: e.cfg.Pools.BackendIndexSize,
		},
		Logger: e.logger.Named("applier"),
	})
}

// withApplier runs fn against a bootstrapped applier.
func withApplier(cmd *cobra.Command, fn func(a *applier.Applier) error) error {
	cmd.SilenceUsage = true

	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()

	a := env.applier()
	if err := a.Bootstrap(cmd.Context()); err != nil {
		return fmt.Errorf("failed to create pools: %w", err)
	}

	return fn(a)
}

func printYAML(cmd *cobra.Command, v any) error {
	encoder := yaml.NewEncoder(cmd.OutOrStdout())
	defer encoder.Close()

	return encoder.Encode(v)
}

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", arg, err)
	}

	return id, nil
}

// idCommand builds a command acting on the record whose id is its only
// argument.
func idCommand(use, short string, fn func(cmd *cobra.Command, a *applier.Applier, id uint64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withApplier(cmd, func(a *applier.Applier) error {
				return fn(cmd, a, id)
			})
		},
	}
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Manage clusters",
}

var backendAdd = &cobra.Command{
	Use:   "add NAME ADDRESS",
	Short: "Register a cluster and create the live networks on it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplier(cmd, func(a *applier.Applier) error {
			backend, err := a.AddBackend(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to add backend: %w", err)
			}

			return printYAML(cmd, backend)
		})
	},
}

var backendRemove = idCommand("remove", "Unregister a cluster without machines", func(cmd *cobra.Command, a *applier.Applier, id uint64) error {
	if err := a.RemoveBackend(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to remove backend: %w", err)
	}
	return nil
})

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage networks",
}

var networkRequest applier.CreateNetworkRequest

var networkCreate = &cobra.Command{
	Use:   "create",
	Short: "Create a network on every cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplier(cmd, func(a *applier.Applier) error {
			network, err := a.CreateNetwork(cmd.Context(), networkRequest)
			if err != nil {
				return fmt.Errorf("failed to create network: %w", err)
			}

			return printYAML(cmd, network)
		})
	},
}

var networkActivate = idCommand("activate", "Connect a network on every cluster", func(cmd *cobra.Command, a *applier.Applier, id uint64) error {
	if err := a.ActivateNetwork(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to activate network: %w", err)
	}
	return nil
})

var networkDestroy = idCommand("destroy", "Remove a network without ports from every cluster", func(cmd *cobra.Command, a *applier.Applier, id uint64) error {
	if err := a.DestroyNetwork(cmd.Context(), id); err != nil {
		return fmt.Errorf("failed to destroy network: %w", err)
	}
	return nil
})

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
}

var (
	vmRequest  applier.CreateVMRequest
	vmNetworks []uint
)

var vmCreate = &cobra.Command{
	Use:   "create",
	Short: "Place and build a virtual machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		vmRequest.Networks = lo.Map(vmNetworks, func(id uint, _ int) uint64 { return uint64(id) })

		return withApplier(cmd, func(a *applier.Applier) error {
			vm, err := a.CreateVM(cmd.Context(), vmRequest)
			if err != nil {
				return fmt.Errorf("failed to create vm: %w", err)
			}

			return printYAML(cmd, vm)
		})
	},
}

func vmAction(use, short string, fn func(*applier.Applier, context.Context, uint64) error) *cobra.Command {
	return idCommand(use, short, func(cmd *cobra.Command, a *applier.Applier, id uint64) error {
		if err := fn(a, cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to %s vm: %w", use, err)
		}
		return nil
	})
}

func init() {
	backendCmd.AddCommand(backendAdd, backendRemove)

	flags := networkCreate.Flags()
	flags.StringVar(&networkRequest.Name, "name", "", "Network name")
	flags.StringVar(&networkRequest.UserID, "user", "", "Owner of the network")
	flags.StringVar(&networkRequest.Subnet, "subnet", "", "IPv4 subnet in CIDR notation")
	flags.StringVar(&networkRequest.Gateway, "gateway", "", "Gateway address inside the subnet")
	flags.BoolVar(&networkRequest.DHCP, "dhcp", false, "Serve addresses over DHCP")
	flags.StringVar((*string)(&networkRequest.Type), "type", string(models.NetworkPrivatePhysicalVLAN), "Network type")
	flags.BoolVar(&networkRequest.Public, "public", false, "Public network")
	flags.StringVar(&networkRequest.Link, "link", "", "Host link for types without a bridge pool")
	networkCreate.MarkFlagRequired("name")
	networkCreate.MarkFlagRequired("subnet")
	networkCmd.AddCommand(networkCreate, networkActivate, networkDestroy)

	flags = vmCreate.Flags()
	flags.StringVar(&vmRequest.Name, "name", "", "Machine name")
	flags.StringVar(&vmRequest.UserID, "user", "", "Owner of the machine")
	flags.StringVar(&vmRequest.ImageID, "image", "", "Image alias, defaults to incus.image")
	flags.IntVar(&vmRequest.Flavor.CPU, "cpu", 1, "Number of CPUs")
	flags.IntVar(&vmRequest.Flavor.RAM, "ram", 1024, "Memory in MB")
	flags.IntVar(&vmRequest.Flavor.Disk, "disk", 10, "Root disk in GB")
	flags.UintSliceVar(&vmNetworks, "network", nil, "Network to attach, repeatable")
	vmCreate.MarkFlagRequired("name")
	vmCmd.AddCommand(
		vmCreate,
		vmAction("start", "Start a stopped machine", (*applier.Applier).StartVM),
		vmAction("stop", "Stop a running machine", (*applier.Applier).StopVM),
		vmAction("reboot", "Reboot a running machine", (*applier.Applier).RebootVM),
		vmAction("suspend", "Suspend a machine", (*applier.Applier).SuspendVM),
		vmAction("destroy", "Destroy a machine and release its addresses", (*applier.Applier).DestroyVM),
	)
}
