package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/handovermail/internal/config"
	"github.com/teemow/handovermail/internal/logging"
)

// version will be set by main
var version = "dev"

// SetVersion sets the version reported by the CLI.
func SetVersion(v string) {
	version = v
}

// cli carries what the persistent flags resolve to.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

// load reads the configuration and builds the logger. Flags win over the
// config file.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	logger, err := logging.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "handovermail",
		Short: "Sends handover notices from a spreadsheet through Gmail",
		Long: `handovermail reads the flagged rows of a hub's handover spreadsheet,
sends one notice per row through Gmail, replying into an existing
conversation when one is found, and archives the outcome of every row.

It can run as:
  - An HTTP service that starts runs on request (serve)
  - A one-shot CLI run for a single target (run)`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load(cmd)
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "handovermail version %s\n" .Version}}`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", fmt.Sprintf("Config file (default: %s)", config.DefaultPath()))
	flags.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&c.logFormat, "log-format", "", "Log format: text, json (overrides config)")

	rootCmd.AddCommand(newServeCmd(c))
	rootCmd.AddCommand(newRunCmd(c))
	rootCmd.AddCommand(newStatusCmd(c))
	rootCmd.AddCommand(newReleaseCmd(c))
	rootCmd.AddCommand(newAuthCmd(c))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute is the main entry point for the CLI application
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "handovermail version %s\n", version)
		},
	}
}
