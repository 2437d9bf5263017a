package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"nostr-cachesync/internal/feed"
	"nostr-cachesync/internal/store"
	"nostr-cachesync/internal/syncerr"
)

func newFeedCmd(c *cli) *cobra.Command {
	var (
		direction string
		limit     int
		pages     int
		retries   uint
	)

	cmd := &cobra.Command{
		Use:   "feed <feed-spec>",
		Short: "Fetch feed pages into the local cache and print the cached feed",
		Example: `  cachesync feed '{"id":"latest","kind":"notes"}' --user <hex> --pages 3 --direction older`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := c.app.cfg.UserPubkey
			if owner == "" {
				return errors.New("feed needs an owner: set --user or USER_PUBKEY")
			}
			dir, err := feed.ParseDirection(direction)
			if err != nil {
				return err
			}
			client, err := c.app.cacheClient()
			if err != nil {
				return err
			}
			repo := feed.NewRepository(client, c.app.sync, c.app.planner, c.app.log)
			spec := args[0]

			for i := 0; i < pages; i++ {
				res, err := fetchWithRetry(cmd.Context(), repo, owner, spec, dir, limit, retries)
				if err != nil {
					return err
				}
				c.app.log.Info("page synchronized",
					"page", i+1,
					"direction", res.Request.Direction.String(),
					"items", len(res.Batch.FeedItemIDs()))
				if len(res.Batch.FeedItems()) == 0 {
					break
				}
				if dir == feed.Refresh {
					// later pages continue downwards
					dir = feed.Older
				}
			}
			return printFeed(cmd, c.app.store, owner, spec)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "refresh", "refresh, older or newer")
	cmd.Flags().IntVar(&limit, "limit", 20, "items per page")
	cmd.Flags().IntVar(&pages, "pages", 1, "pages to fetch")
	cmd.Flags().UintVar(&retries, "retries", 3, "attempts per page on transport errors")
	return cmd
}

// fetchWithRetry retries a page on transport failures and timeouts only.
func fetchWithRetry(ctx context.Context, repo *feed.Repository, owner, spec string, dir feed.Direction, limit int, tries uint) (*feed.PageResult, error) {
	op := func() (*feed.PageResult, error) {
		res, err := repo.FetchPage(ctx, owner, spec, dir, limit)
		if err != nil && !syncerr.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(max(tries, 1)))
}

func printFeed(cmd *cobra.Command, s store.Store, owner, spec string) error {
	ctx := cmd.Context()
	conns, err := s.FeedConnections(ctx, owner, spec)
	if err != nil {
		return err
	}
	for _, fc := range conns {
		line := fmt.Sprintf("%6d  %s", fc.Position, fc.EventID)
		if post, err := s.Post(ctx, fc.EventID); err == nil {
			line += "  " + snippet(post.Content, 60)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
