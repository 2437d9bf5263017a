package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nostr-cachesync/internal/kinds"
	"nostr-cachesync/internal/nips"
	"nostr-cachesync/internal/nostr"
	"nostr-cachesync/internal/thread"
)

func newThreadCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "thread <event-id|note|nevent>",
		Short: "Load a conversation and print it parents first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.app.querier(false)
			if err != nil {
				return err
			}
			id, err := nips.EventID(args[0])
			if err != nil {
				return err
			}
			th, err := thread.Load(cmd.Context(), q, id, c.app.cfg.UserPubkey, limit)
			if err != nil {
				return err
			}

			names := make(map[string]string, len(th.Batch.Profiles))
			for _, evt := range th.Batch.Profiles {
				if p, err := kinds.DecodeProfile(evt); err == nil && p.Name != "" {
					names[p.PubKey] = p.Name
				}
			}
			depth := make(map[string]int, len(th.Posts))
			for _, evt := range th.Posts {
				item := thread.FromEvent(evt)
				d := 0
				if parent, ok := depth[item.ReplyTo]; ok {
					d = parent + 1
				}
				depth[evt.ID] = d

				author := names[evt.PubKey]
				if author == "" {
					if npub, err := nips.EncodePubkey(evt.PubKey); err == nil {
						author = npub[:16]
					} else {
						author = nostr.ShortID(evt.PubKey)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s %s: %s\n",
					strings.Repeat("  ", d), nostr.ShortID(evt.ID), author, snippet(evt.Content, 80))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum replies")
	return cmd
}
