package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/logging"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid token amount")
)

// ERC20 is the token surface the custody adapter needs. Token and ChainToken
// both implement it.
type ERC20 interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}

// Minter can create new tokens.
type Minter interface {
	Mint(ctx context.Context, to common.Address, amount *big.Int) error
}

// Token is an in-process fungible token with ERC20 allowance semantics.
type Token struct {
	symbol string

	mu          sync.RWMutex
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	totalSupply *big.Int

	// failHook, when set, is consulted before every balance-moving call.
	failHook func(op string, from, to common.Address, amount *big.Int) error
}

// NewToken creates an empty token.
func NewToken(symbol string) *Token {
	return &Token{
		symbol:      symbol,
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
		totalSupply: big.NewInt(0),
	}
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string { return t.symbol }

// SetFailHook installs a hook that can veto transfers. Pass nil to remove it.
func (t *Token) SetFailHook(hook func(op string, from, to common.Address, amount *big.Int) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failHook = hook
}

// Mint credits amount to the given account.
func (t *Token) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHook("mint", common.Address{}, to, amount); err != nil {
		return err
	}
	t.credit(to, amount)
	t.totalSupply.Add(t.totalSupply, amount)

	logging.Debug("tokens minted",
		"token", t.symbol,
		"to", to.Hex(),
		"amount", amount.String(),
		logging.Component("asset"))
	return nil
}

// BalanceOf returns the balance of account.
func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// TotalSupply returns the amount minted so far.
func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.allowance(owner, spender)), nil
}

// Approve sets spender's allowance over owner's balance, replacing any previous value.
func (t *Token) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.allowances[owner]; !ok {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)

	logging.Debug("allowance approved",
		"token", t.symbol,
		"owner", owner.Hex(),
		"spender", spender.Hex(),
		"amount", amount.String(),
		logging.Component("asset"))
	return nil
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHook("transfer", from, to, amount); err != nil {
		return err
	}
	if t.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), t.balance(from), amount)
	}
	t.debit(from, amount)
	t.credit(to, amount)
	return nil
}

// TransferFrom moves amount from one account to another on behalf of spender,
// consuming spender's allowance.
func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHook("transferFrom", from, to, amount); err != nil {
		return err
	}

	allowance := t.allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allowed %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowance, amount)
	}
	if t.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), t.balance(from), amount)
	}

	t.debit(from, amount)
	if _, ok := t.allowances[from]; !ok {
		t.allowances[from] = make(map[common.Address]*big.Int)
	}
	t.allowances[from][spender] = new(big.Int).Sub(allowance, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) checkHook(op string, from, to common.Address, amount *big.Int) error {
	if t.failHook == nil {
		return nil
	}
	return t.failHook(op, from, to, amount)
}

func (t *Token) balance(account common.Address) *big.Int {
	if bal, ok := t.balances[account]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return a
	}
	return big.NewInt(0)
}

func (t *Token) credit(account common.Address, amount *big.Int) {
	t.balances[account] = new(big.Int).Add(t.balance(account), amount)
}

func (t *Token) debit(account common.Address, amount *big.Int) {
	t.balances[account] = new(big.Int).Sub(t.balance(account), amount)
}

var _ ERC20 = (*Token)(nil)
var _ Minter = (*Token)(nil)
