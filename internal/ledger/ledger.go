package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/util"
)

const (
	// DefaultLockDuration is the lock applied when Options.LockDuration is unset.
	DefaultLockDuration = 20 * time.Hour

	// DefaultTransferTimeout bounds every call into the asset and reward ledgers.
	DefaultTransferTimeout = 30 * time.Second

	// DefaultSettleTimeout bounds the background wait on a pending transfer.
	DefaultSettleTimeout = 10 * time.Minute

	reconcileAttempts = 3
)

// Options configures a Ledger.
type Options struct {
	Asset         AssetLedger    // required
	Reward        RewardLedger   // optional
	Administrator common.Address // required, fixed for the ledger's lifetime

	// LockDuration is the initial lock. Zero selects DefaultLockDuration unless
	// NoLock is set.
	LockDuration time.Duration
	NoLock       bool

	TransferTimeout time.Duration
	SettleTimeout   time.Duration
	Clock           Clock
	Sink            NotificationSink
	Observer        Observer
}

// Ledger is the staking state machine. It holds at most one stake per account,
// gates unstaking on the lock duration in effect at unstake time, and lets only
// the administrator change that duration.
type Ledger struct {
	asset           AssetLedger
	reward          RewardLedger
	sink            NotificationSink
	observer        Observer
	clock           Clock
	admin           common.Address
	transferTimeout time.Duration
	settleTimeout   time.Duration

	cfgMu        sync.RWMutex
	lockDuration time.Duration

	keys *keyLocks

	mu      sync.RWMutex
	stakes  map[common.Address]*StakeRecord
	custody *big.Int
	// unsettled is the part of custody that may already have left the custody
	// account: unstakes in flight plus pending transfers.
	unsettled *big.Int
	// version changes whenever custody or unsettled does.
	version   uint64
	pendingID uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Asset == nil {
		return nil, fmt.Errorf("asset ledger is required")
	}
	if opts.Administrator == (common.Address{}) {
		return nil, fmt.Errorf("administrator must not be the zero address")
	}
	if opts.LockDuration < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, opts.LockDuration)
	}

	lock := opts.LockDuration
	if lock == 0 && !opts.NoLock {
		lock = DefaultLockDuration
	}
	timeout := opts.TransferTimeout
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	settle := opts.SettleTimeout
	if settle <= 0 {
		settle = DefaultSettleTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		asset:           opts.Asset,
		reward:          opts.Reward,
		sink:            opts.Sink,
		observer:        opts.Observer,
		clock:           clock,
		admin:           opts.Administrator,
		transferTimeout: timeout,
		settleTimeout:   settle,
		lockDuration:    lock,
		keys:            newKeyLocks(),
		stakes:          make(map[common.Address]*StakeRecord),
		custody:         big.NewInt(0),
		unsettled:       big.NewInt(0),
		ctx:             ctx,
		cancel:          cancel,
	}

	if l.observer != nil {
		l.observer.SetLockDuration(lock)
		l.observer.SetActiveStakes(0)
		l.observer.SetCustody(l.custody)
	}

	logging.Info("staking ledger created",
		"administrator", l.admin.Hex(),
		"lock_duration", lock.String(),
		"reward_enabled", l.reward != nil,
		logging.Component("ledger"))

	return l, nil
}

// Stake pulls amount from caller into custody and opens a stake record.
func (l *Ledger) Stake(ctx context.Context, caller common.Address, amount *big.Int) (notes []Notification, err error) {
	start := time.Now()
	defer func() { l.observe("stake", err, time.Since(start)) }()

	if amount == nil || amount.Sign() <= 0 {
		return nil, opError("stake", caller, ErrInvalidAmount, nil)
	}

	unlock := l.keys.lock(caller)
	defer unlock()

	if rec, ok := l.record(caller); ok {
		if rec.Pending != PendingNone {
			return nil, opError("stake", caller, ErrTransferPending, pendingCause(rec))
		}
		return nil, opError("stake", caller, ErrAlreadyStaked, nil)
	}

	amt := new(big.Int).Set(amount)
	unknown, err := l.transfer(ctx, func(ctx context.Context) error {
		return l.asset.PullFrom(ctx, caller, amt)
	})
	if unknown {
		// The tokens may be in custody already, so the record is kept and
		// counted until the transfer is settled.
		l.mu.Lock()
		l.pendingID++
		l.stakes[caller] = &StakeRecord{Amount: amt, StartedAt: l.clock.Now(), Pending: PendingStake, pendingID: l.pendingID}
		l.custody.Add(l.custody, amt)
		l.unsettled.Add(l.unsettled, amt)
		l.version++
		id, active, custody := l.pendingID, len(l.stakes), new(big.Int).Set(l.custody)
		l.mu.Unlock()
		l.observeState(active, custody)

		logging.Error("stake transfer outcome unknown",
			logging.Staker(caller),
			"amount", amt.String(),
			logging.Err(err),
			logging.Component("ledger"))
		l.watch(caller, id, err)
		return nil, opError("stake", caller, ErrTransferPending, err)
	}
	if err != nil {
		logging.Warn("stake transfer rejected",
			logging.Staker(caller),
			"amount", amt.String(),
			logging.Err(err),
			logging.Component("ledger"))
		return nil, opError("stake", caller, ErrTransferRejected, err)
	}

	now := l.clock.Now()
	l.mu.Lock()
	l.stakes[caller] = &StakeRecord{Amount: amt, StartedAt: now}
	l.custody.Add(l.custody, amt)
	l.version++
	active, custody := len(l.stakes), new(big.Int).Set(l.custody)
	l.mu.Unlock()
	l.observeState(active, custody)

	logging.Info("stake recorded",
		logging.Staker(caller),
		"amount", amt.String(),
		"custody", custody.String(),
		logging.Component("ledger"))

	note := Notification{
		Kind:   KindStake,
		Staker: caller,
		Amount: new(big.Int).Set(amt),
		At:     now,
	}
	l.publish(note)
	return []Notification{note}, nil
}

// Unstake returns caller's stake once the current lock duration has elapsed.
// The record is removed only after the asset ledger accepted the return transfer.
func (l *Ledger) Unstake(ctx context.Context, caller common.Address) (notes []Notification, err error) {
	start := time.Now()
	defer func() { l.observe("unstake", err, time.Since(start)) }()

	unlock := l.keys.lock(caller)
	defer unlock()

	rec, ok := l.record(caller)
	if !ok {
		return nil, opError("unstake", caller, ErrNoActiveStake, nil)
	}
	if rec.Pending != PendingNone {
		return nil, opError("unstake", caller, ErrTransferPending, pendingCause(rec))
	}

	now := l.clock.Now()
	elapsed := now.Sub(rec.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	lock := l.LockTime()
	if elapsed < lock {
		return nil, opError("unstake", caller, ErrLockNotElapsed,
			fmt.Errorf("%s remaining", (lock-elapsed).Round(time.Second)))
	}

	l.mu.Lock()
	l.unsettled.Add(l.unsettled, rec.Amount)
	l.version++
	l.mu.Unlock()

	unknown, err := l.transfer(ctx, func(ctx context.Context) error {
		return l.asset.PushTo(ctx, caller, rec.Amount)
	})
	if unknown {
		// The staker may have been paid. The record stays, blocked, so a
		// retry cannot pay out a second time.
		l.mu.Lock()
		l.pendingID++
		r := l.stakes[caller]
		r.Pending, r.pendingID, r.elapsed = PendingUnstake, l.pendingID, elapsed
		id := l.pendingID
		l.mu.Unlock()

		logging.Error("unstake return transfer outcome unknown",
			logging.Staker(caller),
			"amount", rec.Amount.String(),
			logging.Err(err),
			logging.Component("ledger"))
		l.watch(caller, id, err)
		return nil, opError("unstake", caller, ErrTransferPending, err)
	}
	if err != nil {
		l.mu.Lock()
		l.unsettled.Sub(l.unsettled, rec.Amount)
		l.version++
		l.mu.Unlock()

		logging.Error("unstake return transfer rejected",
			logging.Staker(caller),
			"amount", rec.Amount.String(),
			logging.Err(err),
			logging.Component("ledger"))
		return nil, opError("unstake", caller, ErrTransferRejected, err)
	}

	note := l.release(ctx, caller, rec.Amount, elapsed, now)
	return []Notification{note}, nil
}

// release drops a stake whose principal has been returned, pays the reward
// and publishes the unstake notification. The caller holds the staker's key
// lock and has counted amount in unsettled.
func (l *Ledger) release(ctx context.Context, staker common.Address, amount *big.Int, elapsed time.Duration, at time.Time) Notification {
	l.mu.Lock()
	delete(l.stakes, staker)
	l.custody.Sub(l.custody, amount)
	l.unsettled.Sub(l.unsettled, amount)
	l.version++
	active, custody := len(l.stakes), new(big.Int).Set(l.custody)
	l.mu.Unlock()
	l.observeState(active, custody)

	note := Notification{
		Kind:    KindUnstake,
		Staker:  staker,
		Amount:  amount,
		Elapsed: elapsed,
		At:      at,
	}

	if l.reward != nil {
		if err := l.callAsset(ctx, func(ctx context.Context) error {
			return l.reward.Disburse(ctx, staker, amount, elapsed)
		}); err != nil {
			note.RewardError = err.Error()
			logging.Warn("reward disbursement failed",
				logging.Staker(staker),
				"staked", amount.String(),
				"elapsed", elapsed.String(),
				logging.Err(err),
				logging.Component("ledger"))
		}
	}

	logging.Info("stake released",
		logging.Staker(staker),
		"amount", amount.String(),
		"elapsed", elapsed.String(),
		"custody", custody.String(),
		logging.Component("ledger"))

	l.publish(note)
	return note
}

// Settle resolves staker's pending transfer. applied reports whether the
// transfer reached the asset ledger. Only the administrator may call it.
//
// A pending stake that applied becomes active; one that did not is dropped.
// A pending unstake that applied releases the stake and pays the reward; one
// that did not leaves the stake active again.
func (l *Ledger) Settle(ctx context.Context, caller, staker common.Address, applied bool) (notes []Notification, err error) {
	start := time.Now()
	defer func() { l.observe("settle", err, time.Since(start)) }()

	if caller != l.admin {
		logging.Audit(logging.AuditEvent{
			Operation: "settle_transfer",
			Actor:     caller.Hex(),
			Target:    staker.Hex(),
			Result:    "failure",
			Details:   "caller is not the administrator",
		})
		return nil, opError("settle", caller, ErrUnauthorized, nil)
	}

	unlock := l.keys.lock(staker)
	defer unlock()

	note, err := l.settle(ctx, staker, 0, applied)
	result := "success"
	if err != nil {
		result = "failure"
	}
	logging.Audit(logging.AuditEvent{
		Operation: "settle_transfer",
		Actor:     caller.Hex(),
		Target:    staker.Hex(),
		Result:    result,
		Details:   fmt.Sprintf("applied=%t", applied),
	})
	if err != nil {
		return nil, err
	}
	return []Notification{note}, nil
}

// settle applies the outcome of staker's pending transfer. id, when non-zero,
// must match the pending record. The caller holds the staker's key lock.
func (l *Ledger) settle(ctx context.Context, staker common.Address, id uint64, applied bool) (Notification, error) {
	rec, ok := l.record(staker)
	if !ok || rec.Pending == PendingNone || (id != 0 && rec.pendingID != id) {
		return Notification{}, opError("settle", staker, ErrNoActiveStake, errors.New("no transfer awaiting settlement"))
	}

	now := l.clock.Now()
	if applied && rec.Pending == PendingUnstake {
		return l.release(ctx, staker, rec.Amount, rec.elapsed, now), nil
	}

	l.mu.Lock()
	r := l.stakes[staker]
	switch {
	case applied: // pending stake confirmed
		r.Pending, r.pendingID = PendingNone, 0
	case rec.Pending == PendingStake:
		delete(l.stakes, staker)
		l.custody.Sub(l.custody, rec.Amount)
	default:
		r.Pending, r.pendingID, r.elapsed = PendingNone, 0, 0
	}
	l.unsettled.Sub(l.unsettled, rec.Amount)
	l.version++
	active, custody := len(l.stakes), new(big.Int).Set(l.custody)
	l.mu.Unlock()
	l.observeState(active, custody)

	note := Notification{
		Kind:   KindTransferVoided,
		Staker: staker,
		Amount: new(big.Int).Set(rec.Amount),
		At:     now,
	}
	if applied {
		note.Kind = KindStake
	}

	logging.Info("pending transfer settled",
		logging.Staker(staker),
		"transfer", string(rec.Pending),
		"applied", applied,
		"amount", rec.Amount.String(),
		logging.Component("ledger"))

	l.publish(note)
	return note, nil
}

// watch settles a pending transfer in the background when the asset ledger
// can report its outcome.
func (l *Ledger) watch(staker common.Address, id uint64, cause error) {
	var pt PendingTransfer
	if !errors.As(cause, &pt) {
		return
	}

	l.wg.Add(1)
	util.SafeGoWithName("settle-"+staker.Hex(), func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(l.ctx, l.settleTimeout)
		applied, err := pt.Await(ctx)
		cancel()
		if err != nil {
			logging.Warn("pending transfer unresolved, settle it manually",
				logging.Staker(staker),
				logging.Err(err),
				logging.Component("ledger"))
			return
		}

		unlock := l.keys.lock(staker)
		defer unlock()
		if _, err := l.settle(l.ctx, staker, id, applied); err != nil {
			logging.Debug("pending transfer already settled",
				logging.Staker(staker),
				logging.Err(err),
				logging.Component("ledger"))
		}
	})
}

// Close stops background settlement and waits for it to finish.
func (l *Ledger) Close() {
	l.cancel()
	l.wg.Wait()
}

// SetLockTime replaces the lock duration. Only the administrator may call it;
// the new value applies to every outstanding stake from the next unstake on.
func (l *Ledger) SetLockTime(_ context.Context, caller common.Address, d time.Duration) (notes []Notification, err error) {
	start := time.Now()
	defer func() { l.observe("set_lock_time", err, time.Since(start)) }()

	if caller != l.admin {
		logging.Audit(logging.AuditEvent{
			Operation: "set_lock_time",
			Actor:     caller.Hex(),
			Target:    d.String(),
			Result:    "failure",
			Details:   "caller is not the administrator",
		})
		return nil, opError("set_lock_time", caller, ErrUnauthorized, nil)
	}
	l.cfgMu.Lock()
	prev := l.lockDuration
	l.lockDuration = d
	l.cfgMu.Unlock()

	if l.observer != nil {
		l.observer.SetLockDuration(d)
	}

	logging.Audit(logging.AuditEvent{
		Operation: "set_lock_time",
		Actor:     caller.Hex(),
		Target:    d.String(),
		Result:    "success",
		Details:   "previous " + prev.String(),
	})

	note := Notification{
		Kind:                 KindLockTimeChanged,
		Staker:               caller,
		LockDuration:         d,
		PreviousLockDuration: prev,
		At:                   l.clock.Now(),
	}
	l.publish(note)
	return []Notification{note}, nil
}

// LockTime returns the lock duration currently in effect.
func (l *Ledger) LockTime() time.Duration {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.lockDuration
}

// Administrator returns the identity allowed to change the lock duration.
func (l *Ledger) Administrator() common.Address {
	return l.admin
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// StakeOf returns a copy of addr's active stake.
func (l *Ledger) StakeOf(addr common.Address) (StakeRecord, bool) {
	return l.record(addr)
}

// UnlocksAt reports when addr's stake becomes withdrawable under the current lock.
func (l *Ledger) UnlocksAt(addr common.Address) (time.Time, bool) {
	rec, ok := l.record(addr)
	if !ok {
		return time.Time{}, false
	}
	return rec.StartedAt.Add(l.LockTime()), true
}

// Stakes returns a snapshot of all active stakes ordered by staker address.
func (l *Ledger) Stakes() []Stake {
	l.mu.RLock()
	out := make([]Stake, 0, len(l.stakes))
	for addr, rec := range l.stakes {
		out = append(out, Stake{Staker: addr, StakeRecord: rec.clone()})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Staker.Bytes(), out[j].Staker.Bytes()) < 0
	})
	return out
}

// ActiveStakes returns the number of open stake records.
func (l *Ledger) ActiveStakes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.stakes)
}

// Custody returns the sum of all active stake amounts.
func (l *Ledger) Custody() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.custody)
}

// Reconcile checks that the custody account holds at least the sum of active
// stakes, less transfers whose outcome is not settled yet. It returns the held
// balance. Surplus is not an error since anyone can send tokens to the custody
// account.
//
// Stake operations are not blocked. If the books change while the balance is
// read, the read is repeated and ErrCustodyBusy is returned after
// reconcileAttempts tries.
func (l *Ledger) Reconcile(ctx context.Context, b CustodyBalancer) (*big.Int, error) {
	for attempt := 1; ; attempt++ {
		before := l.books()

		var held *big.Int
		err := l.callAsset(ctx, func(ctx context.Context) error {
			var err error
			held, err = b.CustodyBalance(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read custody balance: %w", err)
		}

		after := l.books()
		if before.version == after.version {
			required := new(big.Int).Sub(after.custody, after.unsettled)
			if held.Cmp(required) < 0 {
				logging.Error("custody mismatch",
					"held", held.String(),
					"accounted", after.custody.String(),
					"unsettled", after.unsettled.String(),
					logging.Component("ledger"))
				return held, fmt.Errorf("%w: held %s, accounted %s", ErrCustodyMismatch, held, required)
			}
			return held, nil
		}
		if attempt == reconcileAttempts {
			return held, fmt.Errorf("%w: stakes changed during %d balance reads", ErrCustodyBusy, attempt)
		}
	}
}

type bookState struct {
	version   uint64
	custody   *big.Int
	unsettled *big.Int
}

func (l *Ledger) books() bookState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return bookState{
		version:   l.version,
		custody:   new(big.Int).Set(l.custody),
		unsettled: new(big.Int).Set(l.unsettled),
	}
}

func (l *Ledger) record(addr common.Address) (StakeRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.stakes[addr]
	if !ok || rec.Amount.Sign() == 0 {
		return StakeRecord{}, false
	}
	return rec.clone(), true
}

// transfer runs an asset transfer under the transfer timeout. unknown reports
// that fn failed in a way that does not rule out the transfer having applied:
// a context error after the call started, or a PendingTransfer.
func (l *Ledger) transfer(ctx context.Context, fn func(context.Context) error) (unknown bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err = l.callAsset(ctx, fn)
	if err == nil {
		return false, nil
	}
	var pt PendingTransfer
	return errors.As(err, &pt) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), err
}

func pendingCause(rec StakeRecord) error {
	return fmt.Errorf("%s transfer of %s awaiting settlement", rec.Pending, rec.Amount)
}

// callAsset runs fn with the transfer timeout applied.
func (l *Ledger) callAsset(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, l.transferTimeout)
	defer cancel()
	return fn(ctx)
}

func (l *Ledger) publish(n Notification) {
	if l.sink != nil {
		l.sink.Publish(n)
	}
}

func (l *Ledger) observe(op string, err error, d time.Duration) {
	if l.observer != nil {
		l.observer.ObserveOperation(op, ErrorKind(err), d)
	}
}

func (l *Ledger) observeState(active int, custody *big.Int) {
	if l.observer != nil {
		l.observer.SetActiveStakes(active)
		l.observer.SetCustody(custody)
	}
}
