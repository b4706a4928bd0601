package commands

import (
	"fmt"
	"time"

	"github.com/moltbunker/stakeledger/pkg/types"
	"github.com/spf13/cobra"
)

// NewLockTimeCmd creates the lock-time command group.
func NewLockTimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock-time",
		Short: "Show or change the stake lock duration",
		Long: `The lock duration is how long a stake must remain before it can be
withdrawn. A change applies to existing stakes as well as new ones.`,
	}
	cmd.AddCommand(newLockTimeGetCmd())
	cmd.AddCommand(newLockTimeSetCmd())
	return cmd
}

func newLockTimeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the lock duration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lt, err := newReadClient().LockTime(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(lt)
			}
			fmt.Fprintf(stdout, "%s (%d seconds)\n", lt.Duration, lt.Seconds)
			return nil
		},
	}
}

func newLockTimeSetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "set <duration>",
		Short: "Change the lock duration (administrator only)",
		Long: `Change the lock duration. The duration uses Go syntax, e.g. 20h, 90m, 1h30m.
Zero removes the lock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			if d < 0 {
				return fmt.Errorf("duration must not be negative")
			}

			c, _, err := newSignedClient()
			if err != nil {
				return err
			}
			current, err := c.LockTime(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := Confirm("Change the lock duration?",
				fmt.Sprintf("%s -> %s, applied to every active stake", current.Duration, d), yes)
			if err != nil {
				return err
			}
			if !ok {
				Info("Cancelled")
				return nil
			}

			var events []types.Event
			err = WithSpinner("Updating lock duration", func() error {
				var err error
				events, err = c.SetLockTime(cmd.Context(), d)
				return err
			})
			if err != nil {
				return err
			}
			return printEvents(events, "")
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
