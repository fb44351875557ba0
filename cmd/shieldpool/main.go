// shieldpool - client for a shielded note pool, plus a local devnet
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/colorfulnotion/shieldpool/config"
	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool"
	"github.com/colorfulnotion/shieldpool/telemetry"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	debug      string
	owner      string
}

var flags globalFlags

func defaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".shieldpool", "config.json")
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("datadir") {
		cfg.DataDir = flags.dataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if flags.debug != "" {
		cfg.Log.Modules = flags.debug
	}
	if flags.owner != "" {
		cfg.Owner = flags.owner
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is one opened engine plus the tracer provider behind its spans.
type session struct {
	cfg     *config.Config
	engine  *pool.Engine
	tracing *telemetry.Tracing
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	tracing, err := telemetry.NewTracing(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     Version,
	})
	if err != nil {
		return nil, err
	}
	tracing.InstallGlobal()

	engine, err := pool.Open(cfg, pool.Options{Tracer: tracing.Tracer("github.com/colorfulnotion/shieldpool")})
	if err != nil {
		tracing.Shutdown(ctx)
		return nil, err
	}
	return &session{cfg: cfg, engine: engine, tracing: tracing}, nil
}

func (s *session) Close(ctx context.Context) {
	if err := s.engine.Close(); err != nil {
		log.Warn(log.Node, "Engine close failed", "err", err)
	}
	s.tracing.Shutdown(context.WithoutCancel(ctx))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shieldpool",
		Short:         "Shielded note pool client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", defaultConfigPath(), "Config file (JSON)")
	pf.StringVarP(&flags.dataDir, "datadir", "d", filepath.Join(os.Getenv("HOME"), ".shieldpool"), "Data directory")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.debug, "debug", "", "Comma-separated modules to debug ("+strings.Join(log.Modules(), ",")+" or all)")
	pf.StringVarP(&flags.owner, "owner", "o", "", "Owner identity (defaults to the configured owner)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shieldpool %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(
		newDevnetCmd(),
		newDepositCmd(),
		newBalanceCmd(),
		newNotesCmd(),
		newPlanCmd(),
		newSpendCmd(),
		newSyncCmd(),
		newRelaysCmd(),
		versionCmd,
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
