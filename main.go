package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nostr-cachesync/internal/config"
	"nostr-cachesync/internal/relay"
)

// querier runs finite verb queries; satisfied by the protocol client and the
// result cache.
type querier interface {
	Query(ctx context.Context, verb string, options any) (*relay.QueryResult, error)
}

// cli carries the state shared by the root command and its children. app is
// set by the root's pre-run hook.
type cli struct {
	v   *viper.Viper
	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "cachesync",
		Short:         "Query and mirror a Nostr caching server",
		Long:          "cachesync talks to a Nostr caching server over its websocket protocol: it runs verb queries and live subscriptions, and mirrors paged feeds into a local store (in memory or PostgreSQL).",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := InitLogger(cfg.SlogLevel(), cmd.ErrOrStderr())
			c.app, err = wireApp(cmd.Context(), cfg, logger)
			return err
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("cache-server", "", "cache server websocket URL")
	flags.String("database-url", "", "PostgreSQL DSN; empty keeps the cache in memory")
	flags.String("redis-url", "", "Redis URL for the result cache")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("metrics-addr", "", "serve /metrics and /health on this address")
	flags.String("user", "", "owner pubkey (hex or npub)")
	flags.Bool("verify", true, "verify event signatures")
	for key, flag := range map[string]string{
		config.KeyConfigFile:       "config",
		config.KeyCacheServerURL:   "cache-server",
		config.KeyDatabaseURL:      "database-url",
		config.KeyRedisURL:         "redis-url",
		config.KeyLogLevel:         "log-level",
		config.KeyMetricsAddr:      "metrics-addr",
		config.KeyUserPubkey:       "user",
		config.KeyVerifySignatures: "verify",
	} {
		c.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		newQueryCmd(c),
		newSubscribeCmd(c),
		newFeedCmd(c),
		newThreadCmd(c),
		newSearchCmd(c),
		newMonitorCmd(c),
		newStatusCmd(c),
		newMigrateCmd(c),
	)
	return rootCmd
}

// parseOptions decodes an optional JSON object argument.
func parseOptions(args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	var opts map[string]any
	if err := json.Unmarshal([]byte(args[0]), &opts); err != nil {
		return nil, fmt.Errorf("options must be a JSON object: %w", err)
	}
	return opts, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(v)
}
