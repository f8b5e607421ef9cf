package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/diaspora-project/octopus-mcp/internal/access"
	"github.com/diaspora-project/octopus-mcp/internal/auth"
	"github.com/diaspora-project/octopus-mcp/internal/config"
	"github.com/diaspora-project/octopus-mcp/internal/credstore"
	"github.com/diaspora-project/octopus-mcp/internal/octopus"
	"github.com/diaspora-project/octopus-mcp/internal/session"
	"github.com/diaspora-project/octopus-mcp/internal/tools"
	"github.com/diaspora-project/octopus-mcp/pkg/logging"
)

var (
	serveConfigPath string
	serveTransport  string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Diaspora MCP server",
	Long: `Starts the MCP server that bridges AI assistants to the Diaspora event
fabric. Two transports are supported:

  stdio  Speak MCP over stdin/stdout (default). Intended for local
         assistant integrations; logs go to stderr.
  http   Streamable HTTP on the configured host, port, and path.

Required environment:
  DIASPORA_AWS_ACCESS_KEY_ID, DIASPORA_AWS_SECRET_ACCESS_KEY,
  DIASPORA_AWS_DEFAULT_REGION

Optional overrides:
  GLOBUS_CLIENT_ID, AWS_ACCOUNT_ID, OCTOPUS_BOOTSTRAP_SERVERS`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if serveDebug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Stdout carries the protocol on the stdio transport, so logs
	// always go to stderr.
	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	storeCfg := credstore.Config{FileMode: cfg.TokenStorage.Persist}
	if storeCfg.FileMode {
		storeCfg.StorageDir = cfg.TokenStorage.Dir
		if storeCfg.StorageDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home directory for token storage: %w", err)
			}
			storeCfg.StorageDir = filepath.Join(home, ".octopus-mcp", "tokens")
		}
	}
	store, err := credstore.New(storeCfg)
	if err != nil {
		return fmt.Errorf("initialize credential store: %w", err)
	}

	authn := auth.New(auth.NewGlobusProvider(cfg.GlobusClientID), store)
	defer authn.Stop()

	exchanger, err := access.NewMSKExchanger(ctx, access.MSKConfig{
		Region:          cfg.AWS.Region,
		AccountID:       cfg.AWS.AccountID,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("initialize credential exchanger: %w", err)
	}

	accessProvider := access.NewProvider(authn, exchanger)
	builder := octopus.NewHandleBuilder(octopus.ClusterConfig{
		BootstrapServers: cfg.Cluster.BootstrapServers,
		AcksAll:          cfg.Cluster.AcksAll,
	})
	sessions := session.NewManager(accessProvider, builder)
	defer sessions.Close()
	authn.SetInvalidator(sessions)

	svc := octopus.NewService(sessions, cfg.ProduceTimeout, cfg.ConsumeWait)
	srv := tools.NewServer(authn, svc)

	switch cfg.Server.Transport {
	case "stdio":
		return srv.ServeStdio()
	case "http":
		return srv.ServeHTTP(cfg.Server.Host, cfg.Server.Port, cfg.Server.Path)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Server.Transport)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML configuration file")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "MCP transport: stdio or http (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
