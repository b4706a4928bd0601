package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	var staker string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream ledger events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *common.Address
			if staker != "" {
				addr, err := parseAddress(staker)
				if err != nil {
					return err
				}
				filter = &addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := newReadClient()
			symbol := tokenSymbol(ctx, c)
			if !jsonOutput() {
				Info("Watching " + c.BaseURL() + " (Ctrl+C to stop)")
			}

			err := c.Watch(ctx, filter, func(ev types.Event) error {
				if jsonOutput() {
					return printJSON(ev)
				}
				fmt.Fprintf(stdout, "%s  %s\n", StyleMuted.Render(ev.At.Local().Format("15:04:05")), describeEvent(ev, symbol))
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&staker, "staker", "", "Only show events for this address")
	return cmd
}
