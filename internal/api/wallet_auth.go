package api

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// maxFutureSkew bounds how far ahead of the server clock a signed timestamp may be.
const maxFutureSkew = 60 * time.Second

// WalletAuthManager verifies inline wallet signatures. Each signed message is
// accepted once per address while its timestamp is still fresh.
type WalletAuthManager struct {
	maxSkew time.Duration
	now     func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time // address|message -> expiry
	lastPrune time.Time
}

// NewWalletAuthManager creates a manager that rejects messages older than maxSkew.
func NewWalletAuthManager(maxSkew time.Duration) *WalletAuthManager {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &WalletAuthManager{
		maxSkew: maxSkew,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// VerifySignature checks an EIP-191 personal_sign signature over message and
// returns the recovered address when it matches claimedAddress.
func (m *WalletAuthManager) VerifySignature(message, signature, claimedAddress string) (common.Address, error) {
	if !common.IsHexAddress(claimedAddress) {
		return common.Address{}, fmt.Errorf("invalid claimed address format")
	}
	claimed := common.HexToAddress(claimedAddress)

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: expected %d, got %d", crypto.SignatureLength, len(sigBytes))
	}

	hash := accounts.TextHash([]byte(message))

	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != claimed {
		logging.Warn("wallet signature verification failed - address mismatch",
			"claimed", claimed.Hex(),
			"recovered", recovered.Hex(),
			logging.Component("api"))
		return common.Address{}, fmt.Errorf("signature does not match claimed address")
	}

	return recovered, nil
}

// VerifyInlineAuth verifies the X-Wallet-* header triple. The message must be
// "stakeledger-auth:{unix}:{nonce}" with a fresh timestamp and must not have
// been accepted before.
func (m *WalletAuthManager) VerifyInlineAuth(walletAddr, signature, message string) (common.Address, error) {
	ts, err := parseAuthMessage(message)
	if err != nil {
		return common.Address{}, err
	}

	now := m.now()
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > m.maxSkew || signedAt.Sub(now) > maxFutureSkew {
		return common.Address{}, fmt.Errorf("auth message timestamp expired or invalid")
	}

	addr, err := m.VerifySignature(message, signature, walletAddr)
	if err != nil {
		return common.Address{}, err
	}

	key := addr.Hex() + "|" + message
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	if _, replayed := m.seen[key]; replayed {
		return common.Address{}, fmt.Errorf("auth message already used")
	}
	m.seen[key] = signedAt.Add(m.maxSkew)

	return addr, nil
}

// pruneLocked drops replay entries whose timestamps can no longer pass the skew check.
func (m *WalletAuthManager) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < time.Minute {
		return
	}
	m.lastPrune = now
	for key, expiry := range m.seen {
		if now.After(expiry) {
			delete(m.seen, key)
		}
	}
}

// ReplayCacheSize returns the number of remembered auth messages.
func (m *WalletAuthManager) ReplayCacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func parseAuthMessage(message string) (int64, error) {
	parts := strings.Split(message, ":")
	if len(parts) != 3 || parts[0] != types.AuthMessagePrefix {
		return 0, fmt.Errorf("auth message must be %s:{timestamp}:{nonce}", types.AuthMessagePrefix)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid auth timestamp: %w", err)
	}
	if nonce := parts[2]; nonce == "" || len(nonce) > 64 {
		return 0, fmt.Errorf("invalid auth nonce")
	}
	return ts, nil
}
