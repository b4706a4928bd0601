package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/moltbunker/stakeledger/internal/client"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// printEvents prints the notifications returned by a ledger operation.
func printEvents(events []types.Event, symbol string) error {
	if jsonOutput() {
		return printJSON(types.OperationResponse{Events: events})
	}
	for _, ev := range events {
		fmt.Fprintln(stdout, describeEvent(ev, symbol))
	}
	return nil
}

// describeEvent renders one event as a single line.
func describeEvent(ev types.Event, symbol string) string {
	switch ev.Kind {
	case types.EventStake:
		return fmt.Sprintf("stake     %s staked %s", FormatAddress(ev.Staker), FormatAmount(ev.Amount, symbol))
	case types.EventUnstake:
		line := fmt.Sprintf("unstake   %s withdrew %s after %s", FormatAddress(ev.Staker), FormatAmount(ev.Amount, symbol), ev.Elapsed)
		if ev.RewardError != "" {
			line += " (reward failed: " + ev.RewardError + ")"
		}
		return line
	case types.EventLockTimeChanged:
		return fmt.Sprintf("lock-time changed from %s to %s", ev.PreviousLockDuration, ev.LockDuration)
	case types.EventTransferVoided:
		return fmt.Sprintf("voided    %s transfer of %s never applied", FormatAddress(ev.Staker), FormatAmount(ev.Amount, symbol))
	default:
		return ev.Kind
	}
}

// untilUnlock describes how long until unlocksAt.
func untilUnlock(unlocksAt, now time.Time) string {
	d := unlocksAt.Sub(now)
	if d <= 0 {
		return "unlocked"
	}
	return "in " + d.Round(time.Second).String()
}

func stakeFields(info *types.StakeInfo, symbol string, now time.Time) [][2]string {
	return [][2]string{
		{"Staker", info.Staker},
		{"Amount", FormatAmount(info.Amount, symbol)},
		{"Started", info.StartedAt.Local().Format(time.RFC3339)},
		{"Unlocks", info.UnlocksAt.Local().Format(time.RFC3339) + " (" + untilUnlock(info.UnlocksAt, now) + ")"},
	}
}

func stakeState(info types.StakeInfo) string {
	if info.Pending != "" {
		return "pending " + info.Pending
	}
	if info.Unlocked {
		return "unlocked"
	}
	return "locked"
}

// tokenSymbol fetches the token symbol for display. Failures just omit it.
func tokenSymbol(ctx context.Context, c *client.APIClient) string {
	status, err := c.Status(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(status.TokenSymbol)
}
