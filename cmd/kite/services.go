package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kite-ci/kite/pkg/blob"
	"github.com/kite-ci/kite/pkg/callback"
	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/forwarder"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/result"
	"github.com/kite-ci/kite/pkg/runtime"
	"github.com/kite-ci/kite/pkg/scheduler"
	"github.com/kite-ci/kite/pkg/tarball"
	"github.com/kite-ci/kite/pkg/template"
	"github.com/kite-ci/kite/pkg/timeout"
	"github.com/kite-ci/kite/pkg/trigger"
)

// splitList parses a comma-separated flag value, dropping empties.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var (
	triggerInterval     time.Duration
	triggerFrequency    time.Duration
	triggerForce        bool
	triggerBuildConfigs string
	triggerTrees        string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Poll upstream trees and create checkout nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		t := trigger.New(newStore(settings), settings, trigger.Config{
			Interval:     triggerInterval,
			Frequency:    triggerFrequency,
			Force:        triggerForce,
			BuildConfigs: splitList(triggerBuildConfigs),
			Trees:        splitList(triggerTrees),
		})
		return t.Run(ctx)
	},
}

var (
	tarballWorkDir string
	tarballOutput  string
)

var tarballCmd = &cobra.Command{
	Use:   "tarball",
	Short: "Produce and upload source tarballs for new checkouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		bus := newBus(settings)
		defer bus.Close()
		uploader := blob.New(settings.Storage.UploadURL,
			settings.Storage.DownloadURL, settings.Storage.Token)
		svc := tarball.New(newStore(settings), bus,
			tarball.NewGitArchiver(tarballWorkDir, tarballOutput), uploader,
			tarball.Config{Topic: settings.Bus.Topic})
		return svc.Run(ctx)
	},
}

var (
	schedulerRuntimes    string
	schedulerTemplates   string
	schedulerOutputDir   string
	schedulerCallbackURL string
	schedulerKubeconfig  string
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Match node events against the job catalog and dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		secrets := &config.Secrets{}
		if secretsPath != "" {
			if secrets, err = loadSecrets(); err != nil {
				return err
			}
		}

		selected := map[string]bool{}
		for _, name := range splitList(schedulerRuntimes) {
			selected[name] = true
		}
		adapters := make(map[string]runtime.Runtime)
		for name, rc := range settings.Runtimes {
			if len(selected) > 0 && !selected[name] {
				continue
			}
			adapter, err := runtime.New(name, rc, runtime.Options{
				OutputDir:         schedulerOutputDir,
				CallbackURL:       schedulerCallbackURL,
				CallbackTokenName: rc.NotifyCallback,
				RuntimeToken:      secrets.Runtimes[name].RuntimeToken,
				Kubeconfig:        schedulerKubeconfig,
			})
			if err != nil {
				return err
			}
			adapters[name] = adapter
		}

		bus := newBus(settings)
		defer bus.Close()
		sc := scheduler.New(newStore(settings), bus, settings,
			template.NewFileRenderer(schedulerTemplates), adapters,
			scheduler.Config{Topic: settings.Bus.Topic})
		return sc.Run(ctx)
	},
}

var (
	callbackAddr   string
	callbackSeenDB string
)

var callbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Serve lab callbacks and the user HTTP APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		secrets, err := loadSecrets()
		if err != nil {
			return err
		}
		seen, err := callback.OpenSeenStore(callbackSeenDB)
		if err != nil {
			return err
		}
		defer seen.Close()

		bus := newBus(settings)
		defer bus.Close()
		s := newStore(settings)
		srv := callback.NewServer(s,
			result.NewSpawner(s, bus, settings.Bus.Topic),
			secrets, seen, callback.Config{})
		return srv.Start(ctx, callbackAddr)
	},
}

var (
	timeoutPollPeriod time.Duration
	timeoutModes      string
)

var timeoutCmd = &cobra.Command{
	Use:   "timeout",
	Short: "Expire stale nodes and close settled parents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		r := timeout.New(newStore(settings), timeout.Config{
			PollPeriod: timeoutPollPeriod,
			Modes:      splitList(timeoutModes),
		})
		return r.Run(ctx)
	},
}

var regressionCmd = &cobra.Command{
	Use:   "regression",
	Short: "Detect pass-to-fail transitions and record regression nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		bus := newBus(settings)
		defer bus.Close()
		d := result.NewDetector(newStore(settings), bus, settings.Bus.Topic)
		return d.Run(ctx)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Spawn retry siblings for incomplete builds and jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		bus := newBus(settings)
		defer bus.Close()
		sp := result.NewSpawner(newStore(settings), bus, settings.Bus.Topic)
		return sp.Run(ctx)
	},
}

var (
	forwarderOrigin string
	forwarderName   string
)

var forwarderCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Forward terminal nodes to the downstream reporting sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		secrets, err := loadSecrets()
		if err != nil {
			return err
		}
		origin := forwarderOrigin
		if origin == "" {
			origin = secrets.KCIDB.Origin
		}

		bus := newBus(settings)
		defer bus.Close()
		f := forwarder.New(newStore(settings), bus,
			forwarder.NewRestSink(secrets.KCIDB), forwarder.Config{
				Topic:  settings.Bus.Topic,
				Name:   forwarderName,
				Origin: origin,
			})
		return f.Run(ctx)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Tail the node topic and log one line per event",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, settings, err := serviceContext()
		if err != nil {
			return err
		}
		defer cancel()

		bus := newBus(settings)
		defer bus.Close()
		sub, err := bus.Subscribe(ctx, settings.Bus.Topic)
		if err != nil {
			return err
		}
		defer sub.Close()

		logger := log.WithService("monitor")
		logger.Info().Str("topic", settings.Bus.Topic).Msg("listening for events")
		for {
			ev, err := sub.Receive(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
					return nil
				}
				return err
			}
			logger.Info().
				Str("op", ev.Op).
				Str("node_id", ev.ID).
				Str("kind", string(ev.Kind)).
				Str("name", ev.Name).
				Str("state", string(ev.State)).
				Str("result", string(ev.Result)).
				Msg("event")
		}
	},
}

func init() {
	triggerCmd.Flags().DurationVar(&triggerInterval, "poll-period", time.Hour,
		"polling interval")
	triggerCmd.Flags().DurationVar(&triggerFrequency, "frequency", 8*time.Hour,
		"default minimum spacing between checkouts per build config")
	triggerCmd.Flags().BoolVar(&triggerForce, "force", false,
		"create a checkout even when the commit is known or the window is open")
	triggerCmd.Flags().StringVar(&triggerBuildConfigs, "build-configs", "",
		"comma-separated build config names to poll (with --force: one shot)")
	triggerCmd.Flags().StringVar(&triggerTrees, "trees", "",
		"comma-separated tree names to poll (default all configured)")

	tarballCmd.Flags().StringVar(&tarballWorkDir, "kdir", "/var/lib/kite/src",
		"directory holding the per-tree git mirrors")
	tarballCmd.Flags().StringVar(&tarballOutput, "output", "",
		"directory receiving exported tarballs (default --kdir)")

	schedulerCmd.Flags().StringVar(&schedulerRuntimes, "runtimes", "",
		"comma-separated runtime names to serve (default all configured)")
	schedulerCmd.Flags().StringVar(&schedulerTemplates, "templates", "config/templates",
		"job template directory")
	schedulerCmd.Flags().StringVar(&schedulerOutputDir, "output-dir", "/var/lib/kite/output",
		"scratch directory for shell and docker jobs")
	schedulerCmd.Flags().StringVar(&schedulerCallbackURL, "callback-url", "",
		"externally reachable callback endpoint embedded in lab jobs")
	schedulerCmd.Flags().StringVar(&schedulerKubeconfig, "kubeconfig", "",
		"kubeconfig path for kubernetes runtimes (empty for in-cluster)")

	callbackCmd.Flags().StringVar(&callbackAddr, "listen", ":8100",
		"listen address")
	callbackCmd.Flags().StringVar(&callbackSeenDB, "seen-db", "/var/lib/kite/callbacks.db",
		"path to the callback idempotency database")

	timeoutCmd.Flags().DurationVar(&timeoutPollPeriod, "poll-period", 25*time.Second,
		"interval between sweeps")
	timeoutCmd.Flags().StringVar(&timeoutModes, "modes", "",
		"comma-separated sweep modes: timeout,holdoff,closing (default all)")

	forwarderCmd.Flags().StringVar(&forwarderOrigin, "origin", "",
		"CI system identifier (defaults to the secrets file origin)")
	forwarderCmd.Flags().StringVar(&forwarderName, "name", "forwarder",
		"instance name used in logs and report metadata")
}
