package commands

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewSettleCmd creates the settle command.
func NewSettleCmd() *cobra.Command {
	var (
		applied bool
		voided  bool
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "settle <staker>",
		Short: "Resolve a pending transfer (administrator only)",
		Long: `A stake or unstake whose transfer was submitted but never confirmed leaves
the staker's record pending. Check the asset ledger, then settle it:

  --applied  the transfer went through
  --voided   the transfer never happened

Chain-mode transfers are settled automatically once their receipt arrives.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid staker address %q", args[0])
			}
			if applied == voided {
				return fmt.Errorf("exactly one of --applied or --voided is required")
			}
			staker := common.HexToAddress(args[0])

			c, _, err := newSignedClient()
			if err != nil {
				return err
			}
			info, err := c.StakeOf(cmd.Context(), staker)
			if err != nil {
				return err
			}
			if info.Pending == "" {
				return fmt.Errorf("%s has no pending transfer", staker.Hex())
			}

			outcome := "applied"
			if voided {
				outcome = "voided"
			}
			ok, err := Confirm("Settle the pending transfer?",
				fmt.Sprintf("%s of %s for %s: %s", info.Pending, info.Amount, staker.Hex(), outcome), yes)
			if err != nil {
				return err
			}
			if !ok {
				Info("Cancelled")
				return nil
			}

			var events []types.Event
			err = WithSpinner("Settling transfer", func() error {
				var err error
				events, err = c.Settle(cmd.Context(), staker, applied)
				return err
			})
			if err != nil {
				return err
			}
			return printEvents(events, tokenSymbol(cmd.Context(), c))
		},
	}

	cmd.Flags().BoolVar(&applied, "applied", false, "The transfer reached the asset ledger")
	cmd.Flags().BoolVar(&voided, "voided", false, "The transfer never happened")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
