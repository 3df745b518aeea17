package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	settingsPath string
	secretsPath  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kite",
	Short: "Kite - kernel CI orchestration pipeline",
	Long: `Kite is a set of cooperating services that watch upstream kernel
trees, build kernels across architectures, dispatch tests to
heterogeneous lab runtimes and roll results up into a work graph of
nodes shared through a central state store and event bus.

Each subcommand runs one service; services coordinate only through
the store and the bus and can be replicated independently.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kite version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "config/settings.yaml",
		"path to the settings file")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "",
		"path to the secrets file")

	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(tarballCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(callbackCmd)
	rootCmd.AddCommand(timeoutCmd)
	rootCmd.AddCommand(regressionCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(forwarderCmd)
	rootCmd.AddCommand(monitorCmd)
}

// serviceContext is the shared startup of every service subcommand:
// settings, logging and a context cancelled on SIGINT/SIGTERM.
func serviceContext() (context.Context, context.CancelFunc, *config.Settings, error) {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(settings.Log.Level),
		JSONOutput: settings.Log.JSON,
	})
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, settings, nil
}

func loadSecrets() (*config.Secrets, error) {
	if secretsPath == "" {
		return nil, fmt.Errorf("--secrets is required for this service")
	}
	return config.LoadSecrets(secretsPath)
}

func newStore(settings *config.Settings) store.Store {
	return store.NewClient(settings.API.URL, settings.API.Token, settings.API.Timeout)
}

func newBus(settings *config.Settings) events.Bus {
	return events.NewKafkaBus(settings.Bus.Brokers, settings.Bus.Group)
}
