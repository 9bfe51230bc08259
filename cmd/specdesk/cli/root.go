package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	jsonLogs   bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "specdesk",
	Short: "Product specification answering desk",
	Long: `specdesk answers customer questions about product specifications from a
private document corpus. Build the index once with 'specdesk index build',
then ask questions with 'specdesk ask' or 'specdesk chat'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML configuration file")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Write logs as JSON")
}

// loadConfig reads .env and the configuration file. A missing file yields
// the built-in defaults.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	return config.Load(configPath)
}

// newObserver writes logs to stderr so command output on stdout stays clean.
func newObserver(cfg *config.Config, stderr io.Writer) *observe.Observer {
	format, level := cfg.Log.Format, cfg.Log.Level
	if jsonLogs {
		format = "json"
	}
	if verbose {
		level = "debug"
	}
	return observe.NewFromConfig(stderr, format, level)
}
