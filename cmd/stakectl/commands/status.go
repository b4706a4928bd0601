package commands

import (
	"fmt"
	"time"

	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newReadClient()

			var (
				status *types.StatusResponse
				ready  *types.HealthResponse
			)
			err := WithSpinner("Contacting "+c.BaseURL(), func() error {
				var err error
				if status, err = c.Status(cmd.Context()); err != nil {
					return err
				}
				ready, err = c.Ready(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}

			if jsonOutput() {
				return printJSON(struct {
					*types.StatusResponse
					Ready *types.HealthResponse `json:"ready"`
				}{status, ready})
			}

			readiness := StatusBadge(ready.Status)
			if ready.Reason != "" {
				readiness += " " + ready.Reason
			}
			fmt.Fprintln(stdout, StatusBox("Stakeledger", [][2]string{
				{"Endpoint", c.BaseURL()},
				{"Version", status.Version},
				{"Mode", status.Mode},
				{"Readiness", readiness},
				{"Administrator", status.Administrator},
				{"Lock duration", status.LockDuration},
				{"Active stakes", fmt.Sprintf("%d", status.ActiveStakes)},
				{"Custody", FormatAmount(status.Custody, status.TokenSymbol)},
			}))
			return nil
		},
	}
}

// NewStakesCmd creates the stakes command.
func NewStakesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stakes [address]",
		Short: "List active stakes, or show one staker's stake",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newReadClient()
			symbol := tokenSymbol(cmd.Context(), c)
			now := time.Now()

			if len(args) == 1 {
				addr, err := parseAddress(args[0])
				if err != nil {
					return err
				}
				info, err := c.StakeOf(cmd.Context(), addr)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(info)
				}
				fmt.Fprintln(stdout, StatusBox("Stake "+StatusBadge(stakeState(*info)), stakeFields(info, symbol, now)))
				return nil
			}

			list, err := c.Stakes(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(list)
			}
			if list.Count == 0 {
				Info("No active stakes")
				return nil
			}

			rows := make([][]string, 0, len(list.Stakes))
			for _, s := range list.Stakes {
				rows = append(rows, []string{
					FormatAddress(s.Staker),
					FormatAmount(s.Amount, ""),
					s.StartedAt.Local().Format(time.RFC3339),
					untilUnlock(s.UnlocksAt, now),
				})
			}
			fmt.Fprintln(stdout, RenderTable([]string{"STAKER", "AMOUNT", "STARTED", "UNLOCK"}, rows))
			fmt.Fprintf(stdout, "%d stakes, %s total\n", list.Count, FormatAmount(list.Total, symbol))
			return nil
		},
	}
}
