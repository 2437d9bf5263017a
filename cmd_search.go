package main

import (
	"github.com/spf13/cobra"

	"nostr-cachesync/internal/users"
)

func newSearchCmd(c *cli) *cobra.Command {
	var (
		limit   int
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search users and print profiles with follower counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.app.querier(noCache)
			if err != nil {
				return err
			}
			profiles, err := users.Search(cmd.Context(), q, args[0], limit)
			if err != nil {
				return err
			}
			for _, p := range profiles {
				if err := writeJSON(cmd, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the result cache")
	return cmd
}
