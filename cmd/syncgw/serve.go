package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/syncgw"
	"github.com/aretw0/syncgw/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the HTTP endpoint and the backend connection. The backend is either
spawned as a child process, dialed at an address, or the built-in echo actor.
Flags override values from the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd.Flags(), cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// We capture SIGINT (Ctrl+C) and SIGTERM
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The backend outlives the signal so that sessions can be closed on shutdown.
		srv, err := syncgw.New(context.WithoutCancel(ctx), cfg)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Changed(name) {
			apply()
		}
	}
	str := func(name string) string {
		v, e := flags.GetString(name)
		if e != nil && err == nil {
			err = e
		}
		return v
	}

	set("listen", func() { cfg.Listen = str("listen") })
	set("base-path", func() { cfg.BasePath = str("base-path") })
	set("tls-cert", func() { cfg.TLS.CertFile = str("tls-cert") })
	set("tls-key", func() { cfg.TLS.KeyFile = str("tls-key") })
	set("backend", func() { cfg.Backend.Mode = str("backend") })
	set("command", func() { cfg.Backend.Command = str("command") })
	set("address", func() { cfg.Backend.Address = str("address") })
	set("target-config", func() { cfg.Backend.TargetConfig = str("target-config") })
	set("replay-store", func() { cfg.Replay.Store = str("replay-store") })
	set("redis-addr", func() { cfg.Redis.Addr = str("redis-addr") })
	set("log-level", func() { cfg.Log.Level = str("log-level") })
	set("log-format", func() { cfg.Log.Format = str("log-format") })
	set("args", func() {
		v, e := flags.GetStringSlice("args")
		cfg.Backend.Args, err = v, e
	})
	set("idle-timeout", func() {
		v, e := flags.GetDuration("idle-timeout")
		cfg.Session.IdleTimeout, err = v, e
	})
	set("metrics", func() {
		v, e := flags.GetBool("metrics")
		cfg.Metrics.Enabled, err = v, e
	})
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringP("listen", "l", ":8080", "Address to listen on")
	f.String("base-path", "/", "Path clients post their messages to")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.String("backend", config.ModeSpawn, "Backend mode: spawn, external or echo")
	f.String("command", "", "Backend command to spawn")
	f.StringSlice("args", nil, "Arguments for the spawned backend")
	f.String("address", "", "Backend address for external mode (unix:///path or tcp://host:port)")
	f.String("target-config", "", "Backend configuration new sessions synchronize against")
	f.String("replay-store", config.StoreMemory, "Replay store: memory or redis")
	f.String("redis-addr", "", "Redis address for the redis replay store")
	f.Duration("idle-timeout", 0, "Close sessions idle for longer than this (0 disables)")
	f.Bool("metrics", true, "Expose Prometheus metrics")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.String("log-format", "text", "Log format: text or json")
}
