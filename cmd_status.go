package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"nostr-cachesync/internal/relay"
)

func newStatusCmd(c *cli) *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to the cache server and report connection status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.app.cacheClient()
			if err != nil {
				return err
			}
			conn := client.Conn()
			if err := conn.Connect(cmd.Context()); err != nil {
				c.app.log.Warn("connect failed", "url", conn.URL(), "error", err)
			}
			printStatuses(cmd, c.app.pool)

			if watch <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), watch)
			defer cancel()
			for s := range relay.Debounce(ctx, conn.WatchStatus(ctx), c.app.cfg.OfflineDebounce) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  cache %s\n", time.Now().Format(time.TimeOnly), s)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep reporting status changes for this long")
	return cmd
}

func printStatuses(cmd *cobra.Command, pool *relay.Pool) {
	statuses := pool.Statuses()
	roles := make([]string, 0, len(statuses))
	for r := range statuses {
		roles = append(roles, string(r))
	}
	sort.Strings(roles)
	for _, r := range roles {
		fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", r, statuses[relay.Role(r)])
	}
}
