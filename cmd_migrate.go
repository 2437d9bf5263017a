package main

import (
	"errors"

	"github.com/spf13/cobra"

	"nostr-cachesync/internal/store"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL cache tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, ok := c.app.store.(*store.PostgresStore)
			if !ok {
				return errors.New("migrate needs --database-url")
			}
			if err := pg.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			c.app.log.Info("schema ready")
			return nil
		},
	}
}
