package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Error kinds returned by ledger operations. Every failure wraps exactly one of these.
var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAlreadyStaked    = errors.New("already staked")
	ErrNoActiveStake    = errors.New("no active stake")
	ErrLockNotElapsed   = errors.New("lock not elapsed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTransferRejected = errors.New("transfer rejected")
	ErrInvalidDuration  = errors.New("invalid lock duration")

	// ErrTransferPending is returned when a transfer may have been applied but
	// was not confirmed, and for every later operation on that staker until
	// the transfer is settled.
	ErrTransferPending = errors.New("transfer outcome unknown")

	// ErrCustodyMismatch is returned by Reconcile when the asset ledger holds
	// less than the sum of active stakes.
	ErrCustodyMismatch = errors.New("custody mismatch")

	// ErrCustodyBusy is returned by Reconcile when stakes kept changing while
	// the custody balance was read.
	ErrCustodyBusy = errors.New("custody changing")
)

// OpError records the operation and staker that produced a ledger error.
type OpError struct {
	Op     string
	Staker common.Address
	Err    error // one of the Err* kinds
	Cause  error // underlying collaborator error, if any
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Staker.Hex(), e.Err)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func opError(op string, staker common.Address, kind, cause error) error {
	return &OpError{Op: op, Staker: staker, Err: kind, Cause: cause}
}

// ErrorKind maps err to the stable name used in API responses and metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAlreadyStaked):
		return "already_staked"
	case errors.Is(err, ErrNoActiveStake):
		return "no_active_stake"
	case errors.Is(err, ErrLockNotElapsed):
		return "lock_not_elapsed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTransferRejected):
		return "transfer_rejected"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrCustodyMismatch):
		return "custody_mismatch"
	case errors.Is(err, ErrCustodyBusy):
		return "custody_busy"
	default:
		return "internal"
	}
}
