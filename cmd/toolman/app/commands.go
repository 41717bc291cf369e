// Package app provides the entry point for the toolman command-line
// application: the serve, validate, and version subcommands.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/builtin"
	"github.com/5dlabs/toolman/pkg/catalog"
	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/dispatcher"
	"github.com/5dlabs/toolman/pkg/logger"
	"github.com/5dlabs/toolman/pkg/pool"
	"github.com/5dlabs/toolman/pkg/session"
)

var rootCmd = &cobra.Command{
	Use:               "toolman",
	DisableAutoGenTag: true,
	Short:             "Toolman - aggregate and proxy multiple MCP servers behind one endpoint",
	Long: `Toolman fronts many heterogeneous backend MCP servers (subprocess-based, HTTP,
server-sent-events) behind a single HTTP/JSON-RPC endpoint, exposing a unified
tool catalog whose composition is filtered per caller.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the toolman CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to toolman backend configuration file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregator's HTTP endpoint",
		Long: `Load the backend configuration file, start every backend concurrently, and
serve /mcp, /health, /ready, and /session/* until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().Int("port", 8080, "Port to listen on")
	cmd.Flags().Duration("call-timeout", dispatcher.DefaultCallTimeout, "Per tools/call deadline")
	cmd.Flags().Duration("session-ttl", time.Hour, "Idle session time-to-live")
	cmd.Flags().String("config-store", "", "Path to the per-caller builtin config store (defaults alongside --config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("toolman version: %s", version())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a backend configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			logger.Infof("configuration is valid: %d backend(s), %d local tool(s)", len(cfg.Backends), len(cfg.LocalTools))
			return nil
		},
	}
}

func version() string { return "dev" }

// loadConfig is the stand-in for the out-of-scope external configuration
// loader (spec.md §1, §6): it reads a YAML document into config.Config and
// validates it. The core (pkg/config, pkg/pool, ...) never does this
// itself.
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	flags := make(map[string]config.ToolFlags, len(cfg.Backends))
	for id, desc := range cfg.Backends {
		flags[id] = desc.ToolFlags
	}

	cat := catalog.New(flags)
	p := pool.New(ctx, pool.DefaultRestartPolicy)
	defer p.Close(context.Background())

	// Every successful discovery — the initial start and every later
	// restart's re-discovery alike — pushes that backend's fresh tool
	// slice into the catalog, so a crashed-and-recovered backend's tools
	// reappear under tools/list (spec.md Scenario D).
	p.OnReady(func(id string, tools []backend.Tool) {
		cat.ReplaceBackend(id, tools)
	})

	logger.Infof("starting %d backend(s)", len(cfg.Backends))
	startCtx, cancel := context.WithTimeout(ctx, pool.DefaultReadyGracePeriod)
	results := p.StartAll(startCtx, cfg.Backends)
	cancel()
	for id, startErr := range results {
		if startErr != nil {
			logger.Warnw("backend failed to start; it will be retried in the background", "backend_id", id, "error", startErr)
		}
	}

	sessionTTL, _ := cmd.Flags().GetDuration("session-ttl")
	sessions := session.New(cat, sessionTTL)
	go sessions.SweepIdle(ctx, sessionTTL/4+time.Second)

	storePath, _ := cmd.Flags().GetString("config-store")
	if storePath == "" {
		storePath = configPath + ".state.json"
	}
	builtins := builtin.NewRegistry(cat, builtin.NewConfigStore(storePath))

	callTimeout, _ := cmd.Flags().GetDuration("call-timeout")
	d := dispatcher.New(cat, p, sessions, builtins, cfg.Backends, callTimeout)
	server := dispatcher.NewServer(d, p, sessions)

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	addr := fmt.Sprintf("%s:%d", host, port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("toolman listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http listener failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
