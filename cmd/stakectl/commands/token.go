package commands

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewTokenCmd creates the token command group. These endpoints exist only
// when the daemon runs with the in-memory mock token.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mock token helpers (approve, balance, mint)",
	}
	cmd.AddCommand(newTokenApproveCmd())
	cmd.AddCommand(newTokenBalanceCmd())
	cmd.AddCommand(newTokenMintCmd())
	return cmd
}

func newTokenApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <amount>",
		Short: "Allow the ledger custody account to pull amount from your wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := types.ParseAmount(args[0])
			if err != nil {
				return err
			}
			c, _, err := newSignedClient()
			if err != nil {
				return err
			}
			resp, err := c.Approve(cmd.Context(), amount)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Custody %s may now spend %s", FormatAddress(resp.Spender), FormatAmount(resp.Allowance, "")))
			return nil
		},
	}
}

func newTokenBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show a token balance (defaults to your wallet)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr common.Address
			if len(args) == 1 {
				a, err := parseAddress(args[0])
				if err != nil {
					return err
				}
				addr = a
			} else {
				wm, err := loadWallet()
				if err != nil {
					return err
				}
				addr = wm.Address()
			}

			resp, err := newReadClient().Balance(cmd.Context(), addr)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			fmt.Fprintf(stdout, "%s  %s\n", resp.Address, FormatAmount(resp.Balance, resp.Symbol))
			return nil
		},
	}
}

func newTokenMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <to> <amount>",
		Short: "Mint mock tokens (administrator only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			amount, err := types.ParseAmount(args[1])
			if err != nil {
				return err
			}
			c, _, err := newSignedClient()
			if err != nil {
				return err
			}
			resp, err := c.Mint(cmd.Context(), to, amount)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Minted %s to %s (balance %s)", FormatAmount(amount.String(), resp.Symbol), resp.Address, FormatAmount(resp.Balance, "")))
			return nil
		},
	}
}
