package commands

import (
	"fmt"

	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewStakeCmd creates the stake command.
func NewStakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stake <amount>",
		Short: "Stake tokens from your wallet",
		Long: `Move amount tokens from your wallet into ledger custody.

The custody account must already be allowed to spend amount on your behalf
(see: stakectl token approve). Only one stake per wallet can be active.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := types.ParseAmount(args[0])
			if err != nil {
				return err
			}
			c, _, err := newSignedClient()
			if err != nil {
				return err
			}

			var events []types.Event
			err = WithSpinner("Staking "+amount.String(), func() error {
				var err error
				events, err = c.Stake(cmd.Context(), amount)
				return err
			})
			if err != nil {
				return err
			}
			if !jsonOutput() {
				Success("Stake recorded")
			}
			return printEvents(events, tokenSymbol(cmd.Context(), c))
		},
	}
}

// NewUnstakeCmd creates the unstake command.
func NewUnstakeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "unstake",
		Short: "Withdraw your stake once its lock has elapsed",
		Long: `Return your whole stake to your wallet. Fails while the lock duration
in effect has not yet elapsed since you staked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, signer, err := newSignedClient()
			if err != nil {
				return err
			}

			info, err := c.StakeOf(cmd.Context(), signer.Address())
			if err != nil {
				return err
			}
			symbol := tokenSymbol(cmd.Context(), c)
			ok, err := Confirm("Withdraw your stake?",
				fmt.Sprintf("%s will be returned to %s", FormatAmount(info.Amount, symbol), info.Staker), yes)
			if err != nil {
				return err
			}
			if !ok {
				Info("Cancelled")
				return nil
			}

			var events []types.Event
			err = WithSpinner("Unstaking", func() error {
				var err error
				events, err = c.Unstake(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			if !jsonOutput() {
				Success("Stake withdrawn")
			}
			return printEvents(events, symbol)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
