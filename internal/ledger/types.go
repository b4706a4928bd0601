package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pending names the transfer a stake record is waiting on.
type Pending string

const (
	PendingNone    Pending = ""
	PendingStake   Pending = "stake"
	PendingUnstake Pending = "unstake"
)

// StakeRecord is an account's active stake.
type StakeRecord struct {
	Amount    *big.Int
	StartedAt time.Time

	// Pending is set while a transfer for this record has an unknown outcome.
	// The amount stays in custody and the staker is blocked until it is settled.
	Pending Pending

	pendingID uint64
	elapsed   time.Duration // at the unstake attempt
}

func (r *StakeRecord) clone() StakeRecord {
	c := *r
	c.Amount = new(big.Int).Set(r.Amount)
	return c
}

// Stake pairs a staker with its record in snapshots.
type Stake struct {
	Staker common.Address
	StakeRecord
}

// NotificationKind identifies the event carried by a Notification.
type NotificationKind string

const (
	KindStake           NotificationKind = "stake"
	KindUnstake         NotificationKind = "unstake"
	KindLockTimeChanged NotificationKind = "lock_time_changed"

	// KindTransferVoided is emitted when a pending transfer is settled as never
	// applied: a pending stake is dropped, a pending unstake becomes active again.
	KindTransferVoided NotificationKind = "transfer_voided"
)

// Notification is emitted synchronously by a successful operation, never on failure.
type Notification struct {
	Kind    NotificationKind
	Staker  common.Address
	Amount  *big.Int
	Elapsed time.Duration

	// Set on lock_time_changed.
	LockDuration         time.Duration
	PreviousLockDuration time.Duration

	// RewardError is set on unstake when the reward hook failed after the
	// principal was returned.
	RewardError string

	At time.Time
}

// AssetLedger moves the staked asset between stakers and the ledger's custody.
// Implementations must honour ctx cancellation so that no call blocks forever.
type AssetLedger interface {
	PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error
	PushTo(ctx context.Context, recipient common.Address, amount *big.Int) error
}

// PendingTransfer is implemented by asset ledger errors for transfers that were
// submitted but not confirmed. Await blocks until the outcome is known.
type PendingTransfer interface {
	error
	Await(ctx context.Context) (applied bool, err error)
}

// RewardLedger is invoked once per successful unstake.
type RewardLedger interface {
	Disburse(ctx context.Context, recipient common.Address, staked *big.Int, elapsed time.Duration) error
}

// CustodyBalancer reports how much of the staked asset the custody account holds.
type CustodyBalancer interface {
	CustodyBalance(ctx context.Context) (*big.Int, error)
}

// NotificationSink receives every notification produced by the ledger.
type NotificationSink interface {
	Publish(n Notification)
}

// Observer receives operation outcomes and state gauges.
type Observer interface {
	ObserveOperation(op, kind string, d time.Duration)
	SetActiveStakes(n int)
	SetCustody(amount *big.Int)
	SetLockDuration(d time.Duration)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
