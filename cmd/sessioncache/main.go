// Package main is the entry point for the sessioncache server and its
// maintenance commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/store"
	"github.com/hrygo/sessioncache/store/db"
)

// Version information set at build time.
var version = "0.1.0"

func newRootCmd() *cobra.Command {
	return newRootCmdWithViper(viper.New())
}

// newRootCmdWithViper builds the command tree with flags bound to v.
func newRootCmdWithViper(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessioncache",
		Short: "Per-conversation chat history cache with token-budget compaction",
		Long: `sessioncache keeps the recent chat history of every conversation in memory,
condenses older turns into a running summary when a session approaches the
model's context window, and persists sessions so that a restart picks them up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("mode", "demo", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "file", "session persistence driver: file, sqlite, postgres or redis")
	flags.String("dsn", "", "driver data source: directory, database file, connection string or redis URL")
	flags.Duration("ttl", 0, "idle time after which a session expires")
	flags.String("default-model", "", "model assumed for sessions that do not name one")
	flags.String("model-limits", "", "YAML file overriding the built-in model context limits")

	for _, name := range []string{"config", "mode", "addr", "port", "data", "driver", "dsn", "ttl", "default-model", "model-limits"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("sessioncache")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newInspectCmd(v))
	root.AddCommand(newSweepCmd(v))
	root.AddCommand(newVersionCmd())

	return root
}

func readConfig(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config %s", path)
	}
	return nil
}

// loadProfile builds the profile from flags, config file and environment, in
// increasing order of precedence.
func loadProfile(v *viper.Viper) (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:            v.GetString("mode"),
		Addr:            v.GetString("addr"),
		Port:            v.GetInt("port"),
		Data:            v.GetString("data"),
		Driver:          v.GetString("driver"),
		DSN:             v.GetString("dsn"),
		Version:         version,
		SessionTTL:      v.GetDuration("ttl"),
		DefaultModel:    v.GetString("default-model"),
		ModelLimitsFile: v.GetString("model-limits"),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func newLogger(p *profile.Profile) *slog.Logger {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured driver and applies pending migrations.
func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "failed to migrate")
	}
	return s, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
