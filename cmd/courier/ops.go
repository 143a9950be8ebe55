package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/courier/pkg/drainer"
	"github.com/cuemby/courier/pkg/scheduler"
	"github.com/cuemby/courier/pkg/types"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch pass for every configured channel and group",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		channel, _ := cmd.Flags().GetString("channel")
		group, _ := cmd.Flags().GetString("group")

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		dispatchers, err := a.dispatchers(ctx)
		if err != nil {
			return err
		}

		sched := scheduler.New(a.store, scheduler.Config{Holder: a.consumer, LeaseTTL: cfg.Dispatch.LeaseTTL})

		fmt.Printf("%-30s %-16s %8s %9s %6s %6s %7s\n", "CHANNEL", "GROUP", "CLAIMED", "RECLAIMED", "ACKED", "FAILED", "UNKNOWN")

		var errs []error
		for _, d := range dispatchers {
			dc := d.Config()
			if (channel != "" && dc.Channel != channel) || (group != "" && dc.Group != group) {
				continue
			}

			// Run under the same lease the serve loop uses
			name := dispatchJobName(dc.Group, dc.Channel)
			if err := sched.Every(name, time.Hour, func(ctx context.Context) error {
				report, err := d.Run(ctx)
				if report != nil {
					fmt.Printf("%-30s %-16s %8d %9d %6d %6d %7d\n",
						report.Channel, report.Group, report.Claimed, report.Reclaimed,
						report.Acked, report.Failed, report.Unknown)
				}
				return err
			}); err != nil {
				return err
			}
			if err := sched.RunOnce(ctx, name); err != nil {
				if errors.Is(err, types.ErrLeaseHeld) {
					fmt.Printf("%-30s %-16s skipped: running elsewhere\n", dc.Channel, dc.Group)
					continue
				}
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain telemetry channels into the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		channel, _ := cmd.Flags().GetString("channel")

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		dr, err := a.drainer(ctx)
		if err != nil {
			return err
		}

		var results []*drainer.Result
		if channel != "" {
			r, err := dr.Drain(ctx, channel)
			if r != nil {
				results = append(results, r)
			}
			if err != nil && !errors.Is(err, types.ErrLeaseHeld) {
				printDrainResults(results)
				return err
			}
		} else {
			results, err = dr.DrainAll(ctx)
			if err != nil {
				printDrainResults(results)
				return err
			}
		}

		printDrainResults(results)
		return nil
	},
}

func printDrainResults(results []*drainer.Result) {
	fmt.Printf("%-40s %8s %8s %8s %6s\n", "CHANNEL", "POPPED", "SKIPPED", "WRITTEN", "LOST")
	for _, r := range results {
		if r.Contended {
			fmt.Printf("%-40s skipped: drain in progress elsewhere\n", r.Channel)
			continue
		}
		fmt.Printf("%-40s %8d %8d %8d %6d\n", r.Channel, r.Popped, r.Skipped, r.Written, r.Lost)
	}
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List channels, or show a consumer group's cursor and pending entries",
	Long: `Without flags, list every channel with its kind and length.

With --channel and --group, show the group's cursor and its pending entries
(consumer, claim time, delivery count, and whether the visibility timeout has
expired so the entry is eligible for reclaim).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		channel, _ := cmd.Flags().GetString("channel")
		group, _ := cmd.Flags().GetString("group")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if channel == "" {
			return listChannels(cmd, a, asJSON)
		}
		if group == "" {
			group = cfg.Dispatch.Group
		}

		state, err := a.coord.Pending(ctx, group, channel)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(state)
		}

		now := time.Now()
		visibility := a.coord.VisibilityTimeout()
		fmt.Printf("Channel: %s\nGroup:   %s\nCursor:  %d\nPending: %d\n\n", state.Channel, state.Group, state.Cursor, len(state.Pending))
		if len(state.Pending) == 0 {
			return nil
		}
		fmt.Printf("%-24s %8s %-28s %-20s %10s %s\n", "ENTRY", "OFFSET", "CONSUMER", "CLAIMED", "DELIVERIES", "EXPIRED")
		for _, p := range state.Pending {
			fmt.Printf("%-24s %8d %-28s %-20s %10d %t\n",
				p.EntryID, p.Offset, p.Consumer, p.ClaimedAt.Format(time.DateTime), p.Deliveries, p.Expired(now, visibility))
		}
		return nil
	},
}

type channelInfo struct {
	Channel string            `json:"channel"`
	Kind    types.ChannelKind `json:"kind"`
	Length  int               `json:"length"`
}

func listChannels(cmd *cobra.Command, a *app, asJSON bool) error {
	ctx := cmd.Context()

	var infos []channelInfo
	for _, kind := range []types.ChannelKind{types.ChannelStream, types.ChannelList} {
		channels, err := a.store.Channels(ctx, kind, "")
		if err != nil {
			return err
		}
		for _, ch := range channels {
			n, err := a.store.Len(ctx, ch)
			if err != nil {
				return err
			}
			infos = append(infos, channelInfo{Channel: ch, Kind: kind, Length: n})
		}
	}

	if asJSON {
		return writeJSON(infos)
	}

	fmt.Printf("%-40s %-8s %10s\n", "CHANNEL", "KIND", "LENGTH")
	for _, info := range infos {
		fmt.Printf("%-40s %-8s %10d\n", info.Channel, info.Kind, info.Length)
	}
	return nil
}

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Remove stream entries every consumer group has acknowledged",
	Long: `Remove entries below the given offset from a stream channel. Entries a
group has not yet consumed or acknowledged are always kept, and a channel with
no groups is never trimmed. Without --channel every dispatched channel is
trimmed as far as acknowledgements allow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		channel, _ := cmd.Flags().GetString("channel")
		before, _ := cmd.Flags().GetUint64("before")

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if channel == "" {
			return a.trimAll(ctx)
		}

		removed, err := a.store.Trim(ctx, channel, before)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entries from %s\n", removed, channel)
		return nil
	},
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	dispatchCmd.Flags().String("channel", "", "Only dispatch this channel")
	dispatchCmd.Flags().String("group", "", "Only dispatch this consumer group")

	drainCmd.Flags().String("channel", "", "Drain a single telemetry channel")

	inspectCmd.Flags().String("channel", "", "Stream channel to inspect")
	inspectCmd.Flags().String("group", "", "Consumer group (defaults to dispatch.group)")
	inspectCmd.Flags().Bool("json", false, "Print JSON")

	trimCmd.Flags().String("channel", "", "Stream channel to trim")
	trimCmd.Flags().Uint64("before", math.MaxUint64, "Remove entries with offset below this value")
}
