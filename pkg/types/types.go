package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Inline wallet authentication headers.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletMessage   = "X-Wallet-Message"

	// AuthMessagePrefix starts every signed auth message:
	// "stakeledger-auth:{unix_timestamp}:{nonce}".
	AuthMessagePrefix = "stakeledger-auth"
)

// Event kinds carried on the /v1/events stream.
const (
	EventStake           = "stake"
	EventUnstake         = "unstake"
	EventLockTimeChanged = "lock_time_changed"
	EventTransferVoided  = "transfer_voided"
)

// ParseAmount parses a base-10 token amount. Amounts travel as strings so
// values above 2^53 survive JSON.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// StakeRequest is the body of POST /v1/stake and POST /v1/token/approve.
type StakeRequest struct {
	Amount string `json:"amount"`
}

// MintRequest is the body of POST /v1/token/mint.
type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// LockTimeRequest is the body of PUT /v1/lock-time. Duration uses Go duration
// syntax ("20h", "90m"); Seconds is used when Duration is empty.
type LockTimeRequest struct {
	Duration string `json:"duration,omitempty"`
	Seconds  *int64 `json:"seconds,omitempty"`
}

// SettleRequest is the body of POST /v1/settle. Applied reports whether the
// staker's pending transfer reached the asset ledger.
type SettleRequest struct {
	Staker  string `json:"staker"`
	Applied *bool  `json:"applied"`
}

// LockTimeResponse reports the lock duration in effect.
type LockTimeResponse struct {
	Duration string `json:"duration"`
	Seconds  int64  `json:"seconds"`
}

// StakeInfo describes one active stake.
type StakeInfo struct {
	Staker    string    `json:"staker"`
	Amount    string    `json:"amount"`
	StartedAt time.Time `json:"started_at"`
	UnlocksAt time.Time `json:"unlocks_at"`
	Unlocked  bool      `json:"unlocked"`
	Pending   string    `json:"pending,omitempty"` // "stake" or "unstake" while a transfer awaits settlement
}

// StakesResponse is the body of GET /v1/stakes.
type StakesResponse struct {
	Stakes []StakeInfo `json:"stakes"`
	Count  int         `json:"count"`
	Total  string      `json:"total"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Administrator string `json:"administrator"`
	LockDuration  string `json:"lock_duration"`
	LockSeconds   int64  `json:"lock_seconds"`
	Custody       string `json:"custody"`
	ActiveStakes  int    `json:"active_stakes"`
	Mode          string `json:"mode"`
	TokenSymbol   string `json:"token_symbol,omitempty"`
	Version       string `json:"version"`
}

// Event is the wire form of a ledger notification.
type Event struct {
	Kind    string `json:"kind"`
	Staker  string `json:"staker,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`

	LockDuration         string `json:"lock_duration,omitempty"`
	PreviousLockDuration string `json:"previous_lock_duration,omitempty"`

	RewardError string    `json:"reward_error,omitempty"`
	At          time.Time `json:"at"`
}

// OperationResponse is returned by the mutating ledger endpoints.
type OperationResponse struct {
	Events []Event `json:"events"`
}

// BalanceResponse is the body of GET /v1/token/balance/{address}.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Symbol  string `json:"symbol,omitempty"`
}

// ApprovalResponse is the body of POST /v1/token/approve.
type ApprovalResponse struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// StreamMessage is one frame on the /v1/events websocket.
type StreamMessage struct {
	Type  string `json:"type"` // "hello" or "event"
	Event *Event `json:"event,omitempty"`
}
