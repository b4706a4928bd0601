package client

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/stakeledger/internal/identity"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// Signer produces the three inline-auth header values.
type Signer interface {
	SignAuth() (address, signature, message string, err error)
}

// WalletSigner signs API requests with an Ethereum key. It produces
// EIP-191 personal_sign signatures over "stakeledger-auth:{unix}:{nonce}".
type WalletSigner struct {
	address common.Address
	sign    func(hash []byte) ([]byte, error)
	now     func() time.Time
}

// NewWalletSigner creates a signer from a keystore wallet and its password.
func NewWalletSigner(wallet *identity.WalletManager, password string) *WalletSigner {
	return &WalletSigner{
		address: wallet.Address(),
		sign: func(hash []byte) ([]byte, error) {
			return wallet.SignHash(hash, password)
		},
		now: time.Now,
	}
}

// NewKeySigner creates a signer from a raw private key.
func NewKeySigner(key *ecdsa.PrivateKey) *WalletSigner {
	return &WalletSigner{
		address: crypto.PubkeyToAddress(key.PublicKey),
		sign: func(hash []byte) ([]byte, error) {
			return crypto.Sign(hash, key)
		},
		now: time.Now,
	}
}

// Address returns the signing wallet address.
func (s *WalletSigner) Address() common.Address {
	return s.address
}

// SignAuth signs a fresh auth message. Every call uses a new random nonce so
// the server's replay cache accepts it.
func (s *WalletSigner) SignAuth() (address, signature, message string, err error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	message = fmt.Sprintf("%s:%d:%s", types.AuthMessagePrefix, s.now().Unix(), hex.EncodeToString(nonce))

	sig, err := s.sign(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to sign auth message: %w", err)
	}

	// Ethereum convention for V is 27/28
	if sig[64] < 27 {
		sig[64] += 27
	}

	return s.address.Hex(), "0x" + hex.EncodeToString(sig), message, nil
}
