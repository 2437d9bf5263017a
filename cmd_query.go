package main

import (
	"github.com/spf13/cobra"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/relay"
	"nostr-cachesync/internal/types"
)

func newQueryCmd(c *cli) *cobra.Command {
	var noCache bool

	cmd := &cobra.Command{
		Use:   "query <verb> [options-json]",
		Short: "Run a finite verb query and print its events",
		Example: `  cachesync query user_search '{"query":"alex","limit":10}'
  cachesync query trending_hashtags`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(args[1:])
			if err != nil {
				return err
			}
			q, err := c.app.querier(noCache)
			if err != nil {
				return err
			}
			res, err := q.Query(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			for _, evt := range res.Events {
				if err := writeJSON(cmd, evt); err != nil {
					return err
				}
			}
			c.app.log.Info("query complete",
				"verb", args[0],
				"events", len(res.Events),
				"buckets", kinds.Classify(res).Counts())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the result cache")
	return cmd
}

func passthrough(evt types.Event) (types.Event, bool) { return evt, true }

func newSubscribeCmd(c *cli) *cobra.Command {
	var maxEvents int

	cmd := &cobra.Command{
		Use:   "subscribe <verb> [options-json]",
		Short: "Stream a live subscription until interrupted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(args[1:])
			if err != nil {
				return err
			}
			client, err := c.app.cacheClient()
			if err != nil {
				return err
			}
			sub, err := relay.Subscribe(cmd.Context(), client, args[0], opts, passthrough)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			n := 0
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case evt, ok := <-sub.Events():
					if !ok {
						return sub.Err()
					}
					if err := writeJSON(cmd, evt); err != nil {
						return err
					}
					n++
					if maxEvents > 0 && n >= maxEvents {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().IntVar(&maxEvents, "max", 0, "stop after this many events (0 = unlimited)")
	return cmd
}
