package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nostr-cachesync/internal/monitor"
	"nostr-cachesync/internal/nips"
	"nostr-cachesync/internal/types"
)

func newMonitorCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run long-lived monitors",
	}
	cmd.AddCommand(newMonitorLiveCmd(c), newMonitorPurchaseCmd(c))
	return cmd
}

func newMonitorLiveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "live <naddr> | live <host-pubkey> <identifier>",
		Short: "Stream the chat and zaps of a live activity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := liveStream(args)
			if err != nil {
				return err
			}
			stream.UserPubkey = c.app.cfg.UserPubkey

			client, err := c.app.cacheClient()
			if err != nil {
				return err
			}
			m := monitor.NewLiveFeedMonitor(c.app.coord, client, c.app.log)

			events := make(chan types.Event, 64)
			sink := func(evt types.Event) {
				select {
				case events <- evt:
				case <-cmd.Context().Done():
				}
			}
			if _, err := m.Start(cmd.Context(), stream, sink); err != nil {
				return err
			}
			defer m.Stop(stream)

			ended := make(chan error, 1)
			go func() { ended <- m.Wait(cmd.Context(), stream) }()

			return printLive(cmd, stream, events, ended)
		},
	}
}

// printLive writes events as JSON lines until the command is cancelled or
// the subscription ends.
func printLive(cmd *cobra.Command, stream monitor.LiveStream, events <-chan types.Event, ended <-chan error) error {
	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ended:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = monitor.ErrEnded
			}
			return fmt.Errorf("live feed %s: %w", stream.Identifier, err)
		case evt := <-events:
			if err := writeJSON(cmd, evt); err != nil {
				return err
			}
		}
	}
}

// liveStream reads a live activity address from an naddr or from a host
// pubkey and d-tag pair.
func liveStream(args []string) (monitor.LiveStream, error) {
	if len(args) == 1 {
		p, err := nips.Decode(args[0])
		if err != nil {
			return monitor.LiveStream{}, err
		}
		if p.Type != nips.PointerAddress || p.Kind != monitor.LiveActivityKind {
			return monitor.LiveStream{}, fmt.Errorf("%s is not a live activity address", args[0])
		}
		return monitor.LiveStream{HostPubkey: p.Author, Identifier: p.Identifier}, nil
	}
	host, err := nips.PubKey(args[0])
	if err != nil {
		return monitor.LiveStream{}, err
	}
	return monitor.LiveStream{HostPubkey: host, Identifier: args[1]}, nil
}

func newMonitorPurchaseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <quote-id>",
		Short: "Wait for a membership purchase to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.app.cacheClient()
			if err != nil {
				return err
			}
			m := monitor.NewPurchaseMonitor(c.app.coord, client, c.app.log)

			done := make(chan monitor.PurchaseUpdate, 1)
			if _, err := m.Start(cmd.Context(), args[0], func(u monitor.PurchaseUpdate) { done <- u }); err != nil {
				return err
			}
			defer m.Stop(args[0])

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case u := <-done:
				return writeJSON(cmd, u)
			}
		},
	}
}
