package asset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Custodian holds staked tokens in a custody account. Stakers approve the
// custody account, which then pulls their tokens with TransferFrom and pushes
// them back with Transfer.
type Custodian struct {
	token   ERC20
	account common.Address
}

// NewCustodian binds token to the custody account.
func NewCustodian(token ERC20, account common.Address) *Custodian {
	return &Custodian{token: token, account: account}
}

// Account returns the custody address stakers must approve.
func (c *Custodian) Account() common.Address {
	return c.account
}

// PullFrom moves amount from owner into custody. owner must have approved the
// custody account for at least amount.
func (c *Custodian) PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error {
	if err := c.token.TransferFrom(ctx, c.account, owner, c.account, amount); err != nil {
		return fmt.Errorf("pull %s from %s: %w", amount, owner.Hex(), err)
	}
	return nil
}

// PushTo returns amount from custody to recipient.
func (c *Custodian) PushTo(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if err := c.token.Transfer(ctx, c.account, recipient, amount); err != nil {
		return fmt.Errorf("push %s to %s: %w", amount, recipient.Hex(), err)
	}
	return nil
}

// CustodyBalance returns the token balance of the custody account.
func (c *Custodian) CustodyBalance(ctx context.Context) (*big.Int, error) {
	return c.token.BalanceOf(ctx, c.account)
}
