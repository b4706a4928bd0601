package asset

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/logging"
)

// RewardRate is the reward paid per staked unit per hour, as Num/Den.
type RewardRate struct {
	Num int64
	Den int64
}

// RewardMinter mints a reward token to stakers when they unstake.
type RewardMinter struct {
	token Minter
	rate  RewardRate
}

// NewRewardMinter creates a minter paying rate on the reward token.
func NewRewardMinter(token Minter, rate RewardRate) (*RewardMinter, error) {
	if token == nil {
		return nil, fmt.Errorf("reward token is required")
	}
	if rate.Num < 0 || rate.Den <= 0 {
		return nil, fmt.Errorf("invalid reward rate %d/%d", rate.Num, rate.Den)
	}
	return &RewardMinter{token: token, rate: rate}, nil
}

// Reward computes staked * hours(elapsed) * Num / Den, rounded down.
func (m *RewardMinter) Reward(staked *big.Int, elapsed time.Duration) *big.Int {
	if staked == nil || staked.Sign() <= 0 || elapsed <= 0 || m.rate.Num == 0 {
		return big.NewInt(0)
	}
	r := new(big.Int).Mul(staked, big.NewInt(int64(elapsed/time.Second)))
	r.Mul(r, big.NewInt(m.rate.Num))
	den := new(big.Int).Mul(big.NewInt(m.rate.Den), big.NewInt(3600))
	return r.Quo(r, den)
}

// Disburse mints the reward for a finished stake.
func (m *RewardMinter) Disburse(ctx context.Context, recipient common.Address, staked *big.Int, elapsed time.Duration) error {
	reward := m.Reward(staked, elapsed)
	if reward.Sign() == 0 {
		return nil
	}
	if err := m.token.Mint(ctx, recipient, reward); err != nil {
		return fmt.Errorf("mint reward %s to %s: %w", reward, recipient.Hex(), err)
	}

	logging.Info("reward disbursed",
		logging.Staker(recipient),
		"reward", reward.String(),
		"staked", staked.String(),
		"elapsed", elapsed.String(),
		logging.Component("reward"))
	return nil
}
