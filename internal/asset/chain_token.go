package asset

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/util"
)

// ChainToken is an ERC20 deployed on an EVM chain. Writes are signed by the
// chain client's key, so the from/owner/spender arguments must equal that key's
// address.
type ChainToken struct {
	chain    *ChainClient
	contract *bind.BoundContract
	address  common.Address
}

// NewChainToken binds the ERC20 at address through a connected client.
func NewChainToken(chain *ChainClient, address common.Address) (*ChainToken, error) {
	if chain == nil || !chain.IsConnected() {
		return nil, fmt.Errorf("chain client not connected")
	}

	parsedABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	client := chain.Client()
	return &ChainToken{
		chain:    chain,
		contract: bind.NewBoundContract(address, parsedABI, client, client, client),
		address:  address,
	}, nil
}

// Address returns the token contract address.
func (ct *ChainToken) Address() common.Address {
	return ct.address
}

// BalanceOf returns account's balance. Reads are retried.
func (ct *ChainToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return ct.callUint(ctx, "balanceOf", account)
}

// Allowance returns spender's allowance over owner's balance.
func (ct *ChainToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return ct.callUint(ctx, "allowance", owner, spender)
}

// Approve submits approve(spender, amount) signed by owner.
func (ct *ChainToken) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) error {
	if err := ct.requireSigner(owner); err != nil {
		return err
	}
	return ct.transact(ctx, "approve", spender, amount)
}

// Transfer submits transfer(to, amount) signed by from.
func (ct *ChainToken) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ct.requireSigner(from); err != nil {
		return err
	}
	return ct.transact(ctx, "transfer", to, amount)
}

// TransferFrom submits transferFrom(from, to, amount) signed by spender.
func (ct *ChainToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := ct.requireSigner(spender); err != nil {
		return err
	}
	return ct.transact(ctx, "transferFrom", from, to, amount)
}

// Mint submits mint(to, amount). The signer must be the token's minter.
func (ct *ChainToken) Mint(ctx context.Context, to common.Address, amount *big.Int) error {
	return ct.transact(ctx, "mint", to, amount)
}

func (ct *ChainToken) requireSigner(addr common.Address) error {
	if addr != ct.chain.Address() {
		return fmt.Errorf("chain token can only sign for %s, not %s", ct.chain.Address().Hex(), addr.Hex())
	}
	return nil
}

func (ct *ChainToken) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	val, result := util.RetryWithValue(ctx, ct.chain.config.RetryConfig, func() (*big.Int, error) {
		var out []interface{}
		if err := ct.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return big.NewInt(0), nil
		}
		if v, ok := out[0].(*big.Int); ok {
			return v, nil
		}
		return nil, util.MarkNonRetryable(fmt.Errorf("unexpected %s result type %T", method, out[0]))
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, result.LastError)
	}
	return val, nil
}

// transact submits a write and waits for it to be mined. Writes are never
// retried: a lost receipt must not turn into a double transfer.
//
// Once submitted, the receipt wait runs on its own deadline so a cancelled
// caller cannot turn a mined transfer into a reported failure. A wait that
// still times out returns a *PendingTxError.
func (ct *ChainToken) transact(ctx context.Context, method string, args ...interface{}) error {
	auth, err := ct.chain.TransactOpts(ctx)
	if err != nil {
		return err
	}

	tx, err := ct.contract.Transact(auth, method, args...)
	if err != nil {
		if syncErr := ct.chain.SyncNonce(ctx); syncErr != nil {
			logging.Warn("nonce resync failed", logging.Err(syncErr), logging.Component("chain"))
		}
		return fmt.Errorf("failed to submit %s: %w", method, err)
	}

	logging.Debug("token transaction submitted",
		"method", method,
		"tx", tx.Hash().Hex(),
		logging.Component("chain"))

	timeout := ct.chain.config.ReceiptTimeout
	if timeout <= 0 {
		timeout = DefaultChainConfig().ReceiptTimeout
	}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	receipt, err := ct.chain.waitMined(waitCtx, tx)
	if err != nil {
		logging.Warn("token transaction unconfirmed",
			"method", method,
			"tx", tx.Hash().Hex(),
			logging.Err(err),
			logging.Component("chain"))
		return &PendingTxError{Method: method, Hash: tx.Hash(), tx: tx, chain: ct.chain, cause: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s transaction reverted: %s", method, tx.Hash().Hex())
	}
	return nil
}

// PendingTxError reports a submitted transaction whose receipt did not arrive
// in time. The transaction may still be mined.
type PendingTxError struct {
	Method string
	Hash   common.Hash

	tx    *types.Transaction
	chain *ChainClient
	cause error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("%s transaction %s unconfirmed: %v", e.Method, e.Hash.Hex(), e.cause)
}

func (e *PendingTxError) Unwrap() error {
	return e.cause
}

// Await waits for the receipt and reports whether the transaction succeeded.
func (e *PendingTxError) Await(ctx context.Context) (bool, error) {
	if e.chain == nil || e.tx == nil {
		return false, fmt.Errorf("transaction %s cannot be tracked", e.Hash.Hex())
	}
	receipt, err := e.chain.waitMined(ctx, e.tx)
	if err != nil {
		return false, err
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

var _ ERC20 = (*ChainToken)(nil)
var _ Minter = (*ChainToken)(nil)
