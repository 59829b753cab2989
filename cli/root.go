// Package cli wires configuration, logging and the presence components into
// the peerpresence command.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerpresence/config"
	"peerpresence/logging"
)

type app struct {
	version string

	dataDir    string
	logLevel   string
	backendURL string

	cfg     *config.Config
	cfgPath string
	log     *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version, log: zap.NewNop()}

	root := &cobra.Command{
		Use:           "peerpresence",
		Short:         "Register, discover and watch peers through a presence backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `
  peerpresence serve
  peerpresence register --name "Front Desk" --device-type laptop
  peerpresence watch --backend-url http://10.0.0.5:8787`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.dataDir, "data-dir", "", "data directory (default: OS app dir or $"+config.DataDirEnv+")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&a.backendURL, "backend-url", "", "presence backend base URL override")

	root.AddCommand(
		a.serveCommand(),
		a.registerCommand(),
		a.discoverCommand(),
		a.disconnectCommand(),
		a.watchCommand(),
		a.historyCommand(),
		a.versionCommand(),
	)
	return root
}

// Execute runs the command tree and returns a process exit code.
func Execute(ctx context.Context, version string) int {
	root := NewRootCommand(version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	dataDir := strings.TrimSpace(a.dataDir)
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		dataDir = resolved
	}

	cfg, cfgPath, err := config.LoadOrCreateIn(dataDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.backendURL != "" {
		cfg.Backend.URL = a.backendURL
		cfg.Backend.MDNS = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggingOptions(cmd.Name(), a.version))
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.cfgPath = cfgPath
	a.dataDir = dataDir
	a.log = logger
	a.log.Debug("configuration loaded",
		zap.String("config_file", cfgPath),
		zap.String("peer_id", cfg.PeerID),
	)
	return nil
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "peerpresence "+a.version)
		},
	}
}
