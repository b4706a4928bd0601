package asset

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/util"
)

// ChainConfig holds settings for the EVM RPC connection.
type ChainConfig struct {
	RPCURL      string
	ChainID     int64
	MaxGasPrice *big.Int
	RetryConfig *util.RetryConfig

	// ReceiptTimeout bounds the wait for a submitted transaction's receipt.
	// The wait is not cut short by the caller's context.
	ReceiptTimeout time.Duration
}

// DefaultChainConfig returns defaults for a local development chain.
func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		RPCURL:         "http://127.0.0.1:8545",
		ChainID:        31337,
		MaxGasPrice:    big.NewInt(100e9), // 100 gwei
		RetryConfig:    util.DefaultRetryConfig(),
		ReceiptTimeout: time.Minute,
	}
}

// ChainClient signs and submits transactions for the custody key.
type ChainClient struct {
	config     *ChainConfig
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	nonceMu      sync.Mutex
	pendingNonce uint64

	mu        sync.RWMutex
	client    *ethclient.Client
	connected bool
}

// NewChainClient creates an unconnected client for privateKey.
func NewChainClient(config *ChainConfig, privateKey *ecdsa.PrivateKey) (*ChainClient, error) {
	if config == nil {
		config = DefaultChainConfig()
	}
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &ChainClient{
		config:     config,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(config.ChainID),
	}, nil
}

// Connect dials the RPC endpoint, checks the chain ID and loads the pending nonce.
func (cc *ChainClient) Connect(ctx context.Context) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	client, result := util.RetryWithValue(ctx, cc.config.RetryConfig, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, cc.config.RPCURL)
	})
	if result.LastError != nil {
		return fmt.Errorf("failed to connect to RPC %s: %w", cc.config.RPCURL, result.LastError)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(cc.chainID) != 0 {
		client.Close()
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", cc.chainID, chainID)
	}

	nonce, err := client.PendingNonceAt(ctx, cc.address)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to get nonce: %w", err)
	}

	cc.client = client
	cc.pendingNonce = nonce
	cc.connected = true

	logging.Info("connected to chain",
		"rpc", cc.config.RPCURL,
		"chain_id", chainID.String(),
		"address", cc.address.Hex(),
		logging.Component("chain"))
	return nil
}

// Close closes the RPC connection.
func (cc *ChainClient) Close() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.client != nil {
		cc.client.Close()
		cc.client = nil
	}
	cc.connected = false
}

// IsConnected reports whether Connect succeeded.
func (cc *ChainClient) IsConnected() bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.connected
}

// Client returns the underlying ethclient.
func (cc *ChainClient) Client() *ethclient.Client {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.client
}

// Address returns the signer address.
func (cc *ChainClient) Address() common.Address {
	return cc.address
}

// TransactOpts builds signing options with a capped gas price and the next nonce.
func (cc *ChainClient) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	client := cc.Client()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if cc.config.MaxGasPrice != nil && gasPrice.Cmp(cc.config.MaxGasPrice) > 0 {
		gasPrice = cc.config.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(cc.privateKey, cc.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	cc.nonceMu.Lock()
	auth.Nonce = new(big.Int).SetUint64(cc.pendingNonce)
	cc.pendingNonce++
	cc.nonceMu.Unlock()

	return auth, nil
}

// SyncNonce reloads the pending nonce, used after a submission failed.
func (cc *ChainClient) SyncNonce(ctx context.Context) error {
	client := cc.Client()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	nonce, err := client.PendingNonceAt(ctx, cc.address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	cc.nonceMu.Lock()
	cc.pendingNonce = nonce
	cc.nonceMu.Unlock()
	return nil
}

// waitMined waits until tx is mined. ctx bounds the wait.
func (cc *ChainClient) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	client := cc.Client()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}
