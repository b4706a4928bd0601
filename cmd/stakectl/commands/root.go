package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the stakectl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stakectl",
		Short:         "Stake tokens and administer a stakeledger daemon",
		Long:          "stakectl talks to the stakeledgerd HTTP API, signing requests with your Ethereum wallet.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&APIEndpoint, "api", "", "Ledger API base URL (default: $"+APIEnvVar+" or the config's api.http_addr)")
	flags.StringVar(&ConfigPath, "config", "", "Path to the stakeledger config file")
	flags.StringVar(&KeystoreDir, "keystore", "", "Path to the wallet keystore directory")
	flags.StringVarP(&OutputFormat, "output", "o", "", "Output format: json")

	root.AddCommand(NewStakeCmd())
	root.AddCommand(NewUnstakeCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewStakesCmd())
	root.AddCommand(NewLockTimeCmd())
	root.AddCommand(NewSettleCmd())
	root.AddCommand(NewTokenCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewWalletCmd())
	root.AddCommand(NewDoctorCmd())
	root.AddCommand(NewVersionCmd())
	return root
}
