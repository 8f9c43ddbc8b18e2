package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quarryhq/quarry/pkg/api"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/gateway"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/manager"
	"github.com/quarryhq/quarry/pkg/scheduler"
	"github.com/quarryhq/quarry/pkg/stream"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// defaultNamespace always exists so simple deployments can ingest without
// namespace setup.
const defaultNamespace = "default"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - distributed content extraction coordinator",
	Long: `Quarry coordinates content extraction pipelines: it replicates the
pipeline state across coordinator nodes, derives extraction tasks from
compute graphs, places them on executors and streams the extracted
content to subscribers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.AddCommand(serverInitCmd)
	serverCmd.AddCommand(serverJoinCmd)
	rootCmd.AddCommand(serverCmd)

	for _, cmd := range []*cobra.Command{serverInitCmd, serverJoinCmd} {
		cmd.Flags().String("config", "", "Path to YAML config file")
		cmd.Flags().String("node-id", "", "Unique coordinator node id")
		cmd.Flags().String("bind-addr", "", "Raft bind address")
		cmd.Flags().String("api-addr", "", "HTTP API listen address")
		cmd.Flags().String("data-dir", "", "Data directory")
	}
	serverJoinCmd.Flags().String("leader", "", "API address of the current leader")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a coordinator node",
}

var serverInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new coordinator cluster",
	Long: `Initialize a new cluster with this node as the first coordinator.

The node bootstraps a single-member replication group and starts the
scheduler, the executor gateway and the HTTP API. Additional nodes join
with "quarry server join".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServer(cfg, "")
	},
}

var serverJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing coordinator cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		leader, _ := cmd.Flags().GetString("leader")
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		return runServer(cfg, leader)
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required (--node-id or config)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cfg *config.Config, joinLeader string) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("creating manager: %v", err)
	}

	if joinLeader == "" {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrapping cluster: %v", err)
		}
	} else {
		if err := mgr.Join(joinLeader); err != nil {
			return fmt.Errorf("joining cluster: %v", err)
		}
	}

	sched, err := scheduler.NewScheduler(mgr, cfg)
	if err != nil {
		return fmt.Errorf("creating scheduler: %v", err)
	}
	sched.Start()

	gw := gateway.NewGateway(mgr, cfg)
	gw.Start()

	st := stream.NewServer(mgr, cfg.StreamKeepAlive)
	apiServer := api.NewServer(mgr, gw, st, cfg)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server: %v", err)
		}
	}()

	go ensureDefaultNamespace(mgr)

	log.Info("coordinator is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		log.Errorf("server error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Errorf("shutting down api", err)
	}
	gw.Stop()
	sched.Stop()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutting down manager: %v", err)
	}
	return nil
}

// ensureDefaultNamespace retries until this node can commit the default
// namespace, which only the leader can do. Followers give up quickly.
func ensureDefaultNamespace(mgr *manager.Manager) {
	for i := 0; i < 30; i++ {
		if mgr.IsLeader() {
			if err := mgr.CreateNamespace(&types.Namespace{
				Name:      defaultNamespace,
				CreatedAt: time.Now().UTC(),
			}); err == nil {
				return
			}
		} else if mgr.LeaderAddr() != "" {
			return
		}
		time.Sleep(time.Second)
	}
}
