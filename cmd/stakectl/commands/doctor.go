package commands

import (
	"fmt"

	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/doctor"
	"github.com/spf13/cobra"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, wallet and daemon readiness",
		Long: `Run preflight checks for stakectl and stakeledgerd:

  config   the config file loads and validates
  wallet   a keystore wallet exists and its password unlocks it
  api      the daemon answers /healthz and reports ready
  system   file descriptor limits`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch doctor.Category(category) {
			case "", doctor.CategoryConfig, doctor.CategoryWallet, doctor.CategoryAPI, doctor.CategorySystem:
			default:
				return fmt.Errorf("unknown category %q", category)
			}

			configPath := ConfigPath
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			endpoint := GetAPIEndpoint()

			d := doctor.New(doctor.Options{
				JSON:     jsonOutput(),
				Category: doctor.Category(category),
			}, stdout, isTTY(),
				doctor.NewConfigChecker(configPath),
				doctor.NewWalletChecker(GetKeystoreDir()),
				doctor.NewPasswordChecker(GetKeystoreDir(), passwordFile()),
				doctor.NewAPIChecker(endpoint, newReadClient()),
				doctor.NewFileDescriptorChecker(),
			)

			report, err := d.Run(cmd.Context())
			if err != nil {
				return err
			}
			if !report.Summary.IsHealthy() {
				return fmt.Errorf("%d of %d checks failed", report.Summary.Failed, report.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Only run one category: config, wallet, api, system")
	return cmd
}
