package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAsset is a balance map with per-owner approvals into a single custody pool.
type fakeAsset struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	approved map[common.Address]*big.Int
	held     *big.Int
	pullErr  error
	pushErr  error
	pulls    int
	pushes   int

	// block holds pulls (only blockFor's, when set) until closed. waiting
	// receives once per held pull.
	block    chan struct{}
	blockFor common.Address
	waiting  chan struct{}

	// stallPull and stallPush apply the transfer, then wait for the context
	// to end and return its error, like a receipt that never arrives.
	stallPull bool
	stallPush bool
}

func newFakeAsset() *fakeAsset {
	return &fakeAsset{
		balances: make(map[common.Address]*big.Int),
		approved: make(map[common.Address]*big.Int),
		held:     big.NewInt(0),
	}
}

func (a *fakeAsset) fund(addr common.Address, bal, approval int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[addr] = big.NewInt(bal)
	a.approved[addr] = big.NewInt(approval)
}

func (a *fakeAsset) balance(addr common.Address) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.balances[addr]; ok {
		return b.Int64()
	}
	return 0
}

func (a *fakeAsset) custody() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held.Int64()
}

func (a *fakeAsset) PullFrom(ctx context.Context, owner common.Address, amount *big.Int) error {
	if a.block != nil && (a.blockFor == (common.Address{}) || a.blockFor == owner) {
		if a.waiting != nil {
			a.waiting <- struct{}{}
		}
		select {
		case <-a.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := a.pull(owner, amount); err != nil {
		return err
	}
	if a.stallPull {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (a *fakeAsset) pull(owner common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls++
	if a.pullErr != nil {
		return a.pullErr
	}
	ap := a.approved[owner]
	if ap == nil || ap.Cmp(amount) < 0 {
		return errors.New("allowance too low")
	}
	bal := a.balances[owner]
	if bal == nil || bal.Cmp(amount) < 0 {
		return errors.New("balance too low")
	}
	a.approved[owner] = new(big.Int).Sub(ap, amount)
	a.balances[owner] = new(big.Int).Sub(bal, amount)
	a.held.Add(a.held, amount)
	return nil
}

func (a *fakeAsset) PushTo(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if err := a.push(recipient, amount); err != nil {
		return err
	}
	if a.stallPush {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (a *fakeAsset) push(recipient common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes++
	if a.pushErr != nil {
		return a.pushErr
	}
	a.held.Sub(a.held, amount)
	bal := a.balances[recipient]
	if bal == nil {
		bal = big.NewInt(0)
	}
	a.balances[recipient] = new(big.Int).Add(bal, amount)
	return nil
}

func (a *fakeAsset) CustodyBalance(context.Context) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.held), nil
}

type recordingSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *recordingSink) Publish(n Notification) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notes...)
}

type fakeReward struct {
	mu      sync.Mutex
	err     error
	calls   int
	elapsed time.Duration
}

func (r *fakeReward) Disburse(_ context.Context, _ common.Address, _ *big.Int, elapsed time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.elapsed = elapsed
	return r.err
}

type fakeObserver struct {
	mu     sync.Mutex
	ops    map[string]int
	active int
	held   string
	lock   time.Duration
}

func (o *fakeObserver) ObserveOperation(op, kind string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[op+"/"+kind]++
}

func (o *fakeObserver) SetActiveStakes(n int) {
	o.mu.Lock()
	o.active = n
	o.mu.Unlock()
}

func (o *fakeObserver) SetCustody(amount *big.Int) {
	o.mu.Lock()
	o.held = amount.String()
	o.mu.Unlock()
}

func (o *fakeObserver) SetLockDuration(d time.Duration) {
	o.mu.Lock()
	o.lock = d
	o.mu.Unlock()
}

type harness struct {
	l     *Ledger
	asset *fakeAsset
	clock *fakeClock
	sink  *recordingSink
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{asset: newFakeAsset(), clock: newFakeClock(), sink: &recordingSink{}}
	opts := Options{
		Asset:         h.asset,
		Administrator: admin,
		LockDuration:  time.Hour,
		Clock:         h.clock,
		Sink:          h.sink,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	h.l = l
	return h
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantErr  bool
		wantLock time.Duration
	}{
		{"missing asset", Options{Administrator: admin}, true, 0},
		{"zero administrator", Options{Asset: newFakeAsset()}, true, 0},
		{"negative lock", Options{Asset: newFakeAsset(), Administrator: admin, LockDuration: -time.Second}, true, 0},
		{"default lock", Options{Asset: newFakeAsset(), Administrator: admin}, false, DefaultLockDuration},
		{"no lock", Options{Asset: newFakeAsset(), Administrator: admin, NoLock: true}, false, 0},
		{"explicit lock", Options{Asset: newFakeAsset(), Administrator: admin, LockDuration: 5 * time.Minute}, false, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := l.LockTime(); got != tt.wantLock {
				t.Errorf("LockTime() = %v, want %v", got, tt.wantLock)
			}
			if l.Administrator() != admin {
				t.Errorf("Administrator() = %s, want %s", l.Administrator().Hex(), admin.Hex())
			}
		})
	}
}

func TestStake(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)

	notes, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}

	if len(notes) != 1 || notes[0].Kind != KindStake || notes[0].Staker != alice || notes[0].Amount.Int64() != 100 {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	if got := h.sink.all(); len(got) != 1 || got[0].Kind != KindStake {
		t.Errorf("sink received %+v", got)
	}

	rec, ok := h.l.StakeOf(alice)
	if !ok {
		t.Fatal("expected active stake")
	}
	if rec.Amount.Int64() != 100 || !rec.StartedAt.Equal(h.clock.Now()) {
		t.Errorf("unexpected record %+v", rec)
	}
	if h.l.Custody().Int64() != 100 {
		t.Errorf("Custody() = %s, want 100", h.l.Custody())
	}
	if h.asset.balance(alice) != 900 {
		t.Errorf("balance = %d, want 900", h.asset.balance(alice))
	}
}

func TestStakeInvalidAmount(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 1000)

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		_, err := h.l.Stake(context.Background(), alice, amt)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Stake(%v) error = %v, want ErrInvalidAmount", amt, err)
		}
	}
	if h.asset.pulls != 0 {
		t.Errorf("asset ledger called %d times for invalid amounts", h.asset.pulls)
	}
	if len(h.sink.all()) != 0 {
		t.Error("failed stakes must not notify")
	}
}

func TestStakeAlreadyStaked(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 1000)

	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("first Stake: %v", err)
	}
	for _, amt := range []int64{100, 1, 500} {
		_, err := h.l.Stake(context.Background(), alice, big.NewInt(amt))
		if !errors.Is(err, ErrAlreadyStaked) {
			t.Errorf("second Stake(%d) error = %v, want ErrAlreadyStaked", amt, err)
		}
	}

	rec, _ := h.l.StakeOf(alice)
	if rec.Amount.Int64() != 100 {
		t.Errorf("record changed to %s", rec.Amount)
	}
	if h.asset.pulls != 1 {
		t.Errorf("pulls = %d, want 1", h.asset.pulls)
	}
	if h.asset.balance(alice) != 900 {
		t.Errorf("balance = %d, want 900", h.asset.balance(alice))
	}
}

func TestStakeTransferRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 50)

	_, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("Stake error = %v, want ErrTransferRejected", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "stake" || opErr.Staker != alice || opErr.Cause == nil {
		t.Errorf("unexpected error detail %#v", err)
	}
	if _, ok := h.l.StakeOf(alice); ok {
		t.Error("record created after rejected transfer")
	}
	if h.l.Custody().Sign() != 0 {
		t.Errorf("custody = %s, want 0", h.l.Custody())
	}
	if h.asset.balance(alice) != 1000 {
		t.Errorf("balance = %d, want 1000", h.asset.balance(alice))
	}
}

func TestStakeTransferTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.TransferTimeout = 20 * time.Millisecond })
	h.asset.fund(alice, 1000, 1000)
	h.asset.block = make(chan struct{})

	_, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
	if !errors.Is(err, ErrTransferPending) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stake error = %v, want pending transfer after deadline", err)
	}
	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Pending != PendingStake {
		t.Fatalf("record after timed-out transfer = %+v, %v", rec, ok)
	}

	// The pull never ran, so the administrator voids it.
	notes, err := h.l.Settle(context.Background(), admin, alice, false)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if notes[0].Kind != KindTransferVoided || notes[0].Amount.Int64() != 100 {
		t.Errorf("unexpected notification %+v", notes[0])
	}
	if h.l.ActiveStakes() != 0 || h.l.Custody().Sign() != 0 {
		t.Errorf("active %d custody %s after voided stake", h.l.ActiveStakes(), h.l.Custody())
	}
}

func TestStakeCancelledBeforeTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.l.Stake(ctx, alice, big.NewInt(100))
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("Stake error = %v, want ErrTransferRejected", err)
	}
	if h.asset.pulls != 0 || h.l.ActiveStakes() != 0 {
		t.Errorf("pulls %d active %d after cancelled stake", h.asset.pulls, h.l.ActiveStakes())
	}
}

func TestStakeAppliedButUnconfirmed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.TransferTimeout = 50 * time.Millisecond })
	h.asset.fund(alice, 1000, 1000)
	h.asset.stallPull = true

	_, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
	if !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Stake error = %v, want ErrTransferPending", err)
	}
	h.asset.stallPull = false

	// The tokens reached custody; the books must still account for them.
	if h.asset.custody() != 100 || h.l.Custody().Int64() != 100 {
		t.Fatalf("held %d, custody %s", h.asset.custody(), h.l.Custody())
	}
	if _, err := h.l.Reconcile(context.Background(), h.asset); err != nil {
		t.Errorf("Reconcile with a pending stake: %v", err)
	}

	h.clock.Advance(2 * time.Hour)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(1)); !errors.Is(err, ErrTransferPending) {
		t.Errorf("second Stake error = %v, want ErrTransferPending", err)
	}
	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrTransferPending) {
		t.Errorf("Unstake of pending stake error = %v, want ErrTransferPending", err)
	}
	if h.asset.pushes != 0 {
		t.Fatalf("pending stake paid out %d times", h.asset.pushes)
	}

	notes, err := h.l.Settle(context.Background(), admin, alice, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if notes[0].Kind != KindStake || notes[0].Amount.Int64() != 100 {
		t.Errorf("unexpected notification %+v", notes[0])
	}
	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Pending != PendingNone {
		t.Fatalf("record after settle = %+v, %v", rec, ok)
	}

	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Fatalf("Unstake after settle: %v", err)
	}
	if h.asset.balance(alice) != 1000 || h.asset.custody() != 0 {
		t.Errorf("balance %d held %d after round trip", h.asset.balance(alice), h.asset.custody())
	}
}

func TestUnstakeNoActiveStake(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.l.Unstake(context.Background(), alice)
	if !errors.Is(err, ErrNoActiveStake) {
		t.Fatalf("Unstake error = %v, want ErrNoActiveStake", err)
	}
	if h.asset.pushes != 0 {
		t.Error("asset ledger called without a stake")
	}
}

func TestUnstakeLockEnforcement(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"immediately", 0, ErrLockNotElapsed},
		{"one second short", time.Hour - time.Second, ErrLockNotElapsed},
		{"exactly at lock", time.Hour, nil},
		{"after lock", time.Hour + time.Second, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.asset.fund(alice, 1000, 100)
			if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
				t.Fatalf("Stake: %v", err)
			}

			h.clock.Advance(tt.advance)
			_, err := h.l.Unstake(context.Background(), alice)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Unstake error = %v, want %v", err, tt.wantErr)
			}
			_, stillStaked := h.l.StakeOf(alice)
			if tt.wantErr != nil && !stillStaked {
				t.Error("failed unstake removed the record")
			}
			if tt.wantErr == nil && stillStaked {
				t.Error("successful unstake kept the record")
			}
		})
	}
}

func TestUnstakeReturnsPrincipal(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)

	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	h.clock.Advance(2 * time.Hour)

	notes, err := h.l.Unstake(context.Background(), alice)
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != KindUnstake || notes[0].Amount.Int64() != 100 || notes[0].Elapsed != 2*time.Hour {
		t.Errorf("unexpected notifications %+v", notes)
	}
	if h.asset.balance(alice) != 1000 {
		t.Errorf("balance = %d, want 1000", h.asset.balance(alice))
	}
	if h.l.Custody().Sign() != 0 || h.l.ActiveStakes() != 0 {
		t.Errorf("custody %s active %d after unstake", h.l.Custody(), h.l.ActiveStakes())
	}

	// The account may stake again once released.
	h.asset.fund(alice, 1000, 10)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(10)); err != nil {
		t.Errorf("restake: %v", err)
	}
}

func TestUnstakeTransferRejectedKeepsRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	h.clock.Advance(time.Hour)
	h.asset.pushErr = errors.New("custody frozen")

	_, err := h.l.Unstake(context.Background(), alice)
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("Unstake error = %v, want ErrTransferRejected", err)
	}
	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Amount.Int64() != 100 {
		t.Fatalf("record lost after rejected return: %+v %v", rec, ok)
	}
	if h.l.Custody().Int64() != 100 {
		t.Errorf("custody = %s, want 100", h.l.Custody())
	}
	if len(h.sink.all()) != 1 {
		t.Errorf("expected only the stake notification, got %+v", h.sink.all())
	}

	h.asset.pushErr = nil
	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Errorf("retry Unstake: %v", err)
	}
}

func TestUnstakeAppliedButUnconfirmed(t *testing.T) {
	reward := &fakeReward{}
	h := newHarness(t, func(o *Options) {
		o.TransferTimeout = 50 * time.Millisecond
		o.Reward = reward
	})
	h.asset.fund(alice, 1000, 100)
	h.asset.fund(bob, 1000, 300)
	for addr, amt := range map[common.Address]int64{alice: 100, bob: 300} {
		if _, err := h.l.Stake(context.Background(), addr, big.NewInt(amt)); err != nil {
			t.Fatalf("Stake: %v", err)
		}
	}
	h.clock.Advance(time.Hour)
	h.asset.stallPush = true

	_, err := h.l.Unstake(context.Background(), alice)
	if !errors.Is(err, ErrTransferPending) || ErrorKind(err) != "transfer_pending" {
		t.Fatalf("Unstake error = %v, want ErrTransferPending", err)
	}
	h.asset.stallPush = false

	// A retry must not pay out of the other stakers' custody.
	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("second Unstake error = %v, want ErrTransferPending", err)
	}
	if got := h.asset.balance(alice); got != 1000 {
		t.Fatalf("alice balance = %d, want 1000 (paid once)", got)
	}
	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Pending != PendingUnstake {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
	if h.l.Custody().Int64() != 400 {
		t.Errorf("custody = %s, want 400 until settled", h.l.Custody())
	}
	if _, err := h.l.Reconcile(context.Background(), h.asset); err != nil {
		t.Errorf("Reconcile with a pending unstake: %v", err)
	}
	if reward.calls != 0 {
		t.Error("reward paid before the unstake was settled")
	}

	if _, err := h.l.Settle(context.Background(), alice, alice, true); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-admin Settle error = %v, want ErrUnauthorized", err)
	}

	notes, err := h.l.Settle(context.Background(), admin, alice, true)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	n := notes[0]
	if n.Kind != KindUnstake || n.Amount.Int64() != 100 || n.Elapsed != time.Hour {
		t.Errorf("unexpected notification %+v", n)
	}
	if reward.calls != 1 || reward.elapsed != time.Hour {
		t.Errorf("reward calls %d elapsed %v", reward.calls, reward.elapsed)
	}
	if _, ok := h.l.StakeOf(alice); ok {
		t.Error("record kept after settled unstake")
	}
	if h.l.Custody().Int64() != 300 || h.asset.custody() != 300 {
		t.Errorf("custody %s held %d, want 300", h.l.Custody(), h.asset.custody())
	}
	if _, err := h.l.Settle(context.Background(), admin, alice, true); !errors.Is(err, ErrNoActiveStake) {
		t.Errorf("repeat Settle error = %v, want ErrNoActiveStake", err)
	}
}

func TestUnstakeVoidedRestoresStake(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)
	h.asset.pushErr = fmt.Errorf("rpc: %w", context.DeadlineExceeded)

	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Unstake error = %v, want ErrTransferPending", err)
	}
	h.asset.pushErr = nil

	notes, err := h.l.Settle(context.Background(), admin, alice, false)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if notes[0].Kind != KindTransferVoided {
		t.Errorf("notification kind = %s", notes[0].Kind)
	}
	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Pending != PendingNone || !rec.StartedAt.Equal(newFakeClock().Now()) {
		t.Fatalf("record after voided unstake = %+v, %v", rec, ok)
	}
	if _, err := h.l.Reconcile(context.Background(), h.asset); err != nil {
		t.Errorf("Reconcile: %v", err)
	}

	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Fatalf("Unstake after voided settle: %v", err)
	}
	if h.asset.balance(alice) != 1000 {
		t.Errorf("balance = %d, want 1000", h.asset.balance(alice))
	}
}

// pendingTransfer reports its outcome once released.
type pendingTransfer struct {
	applied bool
	release chan struct{}
}

func (p *pendingTransfer) Error() string { return "transaction unconfirmed" }

func (p *pendingTransfer) Await(ctx context.Context) (bool, error) {
	select {
	case <-p.release:
		return p.applied, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestPendingTransferSettledInBackground(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)

	pt := &pendingTransfer{applied: true, release: make(chan struct{})}
	h.asset.pushErr = fmt.Errorf("push 100: %w", pt)
	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Unstake error = %v, want ErrTransferPending", err)
	}
	close(pt.release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.l.StakeOf(alice); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending unstake was not settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.l.Close()

	notes := h.sink.all()
	if last := notes[len(notes)-1]; last.Kind != KindUnstake || last.Amount.Int64() != 100 {
		t.Errorf("last notification = %+v", last)
	}
	if h.l.Custody().Sign() != 0 {
		t.Errorf("custody = %s, want 0", h.l.Custody())
	}
}

func TestStaleBackgroundSettleIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)

	pt := &pendingTransfer{applied: true, release: make(chan struct{})}
	h.asset.pushErr = pt
	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Unstake error = %v", err)
	}

	// The administrator voids it first and the staker restakes.
	if _, err := h.l.Settle(context.Background(), admin, alice, false); err != nil {
		t.Fatal(err)
	}
	h.asset.pushErr = nil
	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	h.asset.fund(alice, 1000, 50)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}

	close(pt.release)
	h.l.Close()

	rec, ok := h.l.StakeOf(alice)
	if !ok || rec.Amount.Int64() != 50 || rec.Pending != PendingNone {
		t.Fatalf("stale outcome touched the new stake: %+v, %v", rec, ok)
	}
	if h.l.Custody().Int64() != 50 {
		t.Errorf("custody = %s, want 50", h.l.Custody())
	}
}

func TestUnstakeRewardFailureReported(t *testing.T) {
	reward := &fakeReward{err: errors.New("minter paused")}
	h := newHarness(t, func(o *Options) { o.Reward = reward })
	h.asset.fund(alice, 1000, 100)

	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	h.clock.Advance(3 * time.Hour)

	notes, err := h.l.Unstake(context.Background(), alice)
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if reward.calls != 1 || reward.elapsed != 3*time.Hour {
		t.Errorf("reward calls %d elapsed %v", reward.calls, reward.elapsed)
	}
	if notes[0].RewardError != "minter paused" {
		t.Errorf("RewardError = %q", notes[0].RewardError)
	}
	if h.asset.balance(alice) != 1000 {
		t.Errorf("principal not returned, balance %d", h.asset.balance(alice))
	}
}

func TestUnstakeClockSkew(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NoLock = true; o.LockDuration = 0 })
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	h.clock.Advance(-time.Minute)
	notes, err := h.l.Unstake(context.Background(), alice)
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if notes[0].Elapsed != 0 {
		t.Errorf("Elapsed = %v, want 0", notes[0].Elapsed)
	}
}

func TestSetLockTime(t *testing.T) {
	obs := &fakeObserver{}
	h := newHarness(t, func(o *Options) { o.Observer = obs })

	_, err := h.l.SetLockTime(context.Background(), alice, 10*time.Second)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin SetLockTime error = %v, want ErrUnauthorized", err)
	}
	if h.l.LockTime() != time.Hour {
		t.Errorf("LockTime changed by non-admin: %v", h.l.LockTime())
	}

	notes, err := h.l.SetLockTime(context.Background(), admin, 10*time.Second)
	if err != nil {
		t.Fatalf("admin SetLockTime: %v", err)
	}
	if h.l.LockTime() != 10*time.Second {
		t.Errorf("LockTime() = %v, want 10s", h.l.LockTime())
	}
	n := notes[0]
	if n.Kind != KindLockTimeChanged || n.LockDuration != 10*time.Second || n.PreviousLockDuration != time.Hour || n.Staker != admin {
		t.Errorf("unexpected notification %+v", n)
	}
	if obs.lock != 10*time.Second {
		t.Errorf("observer lock = %v", obs.lock)
	}
	if obs.ops["set_lock_time/unauthorized"] != 1 || obs.ops["set_lock_time/ok"] != 1 {
		t.Errorf("unexpected observed ops %v", obs.ops)
	}
}

func TestSetLockTimeNegativeUnlocksImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.l.SetLockTime(context.Background(), admin, -time.Second); err != nil {
		t.Fatalf("SetLockTime(-1s): %v", err)
	}
	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Errorf("Unstake under a negative lock: %v", err)
	}
}

func TestLockChangeAppliesToExistingStakes(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	if _, err := h.l.Unstake(context.Background(), alice); !errors.Is(err, ErrLockNotElapsed) {
		t.Fatalf("Unstake error = %v, want ErrLockNotElapsed", err)
	}

	if _, err := h.l.SetLockTime(context.Background(), admin, 5*time.Minute); err != nil {
		t.Fatalf("SetLockTime: %v", err)
	}
	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Errorf("Unstake after shortening lock: %v", err)
	}
}

func TestUnlocksAt(t *testing.T) {
	h := newHarness(t, nil)
	if _, ok := h.l.UnlocksAt(alice); ok {
		t.Error("UnlocksAt reported a time without a stake")
	}

	h.asset.fund(alice, 1000, 100)
	start := h.clock.Now()
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	at, ok := h.l.UnlocksAt(alice)
	if !ok || !at.Equal(start.Add(time.Hour)) {
		t.Errorf("UnlocksAt = %v %v", at, ok)
	}
	if !h.l.Now().Equal(start) {
		t.Errorf("Now() = %v, want ledger clock %v", h.l.Now(), start)
	}
}

func TestStakesSnapshotOrdered(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(bob, 1000, 1000)
	h.asset.fund(alice, 1000, 1000)

	if _, err := h.l.Stake(context.Background(), bob, big.NewInt(7)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(3)); err != nil {
		t.Fatal(err)
	}

	stakes := h.l.Stakes()
	if len(stakes) != 2 || stakes[0].Staker != alice || stakes[1].Staker != bob {
		t.Fatalf("unexpected order %+v", stakes)
	}

	stakes[0].Amount.SetInt64(999)
	if rec, _ := h.l.StakeOf(alice); rec.Amount.Int64() != 3 {
		t.Error("snapshot aliases ledger state")
	}
}

func TestConcurrentStakeSameAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 10000, 10000)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyStaked):
			already++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || already != workers-1 {
		t.Errorf("ok=%d already=%d", ok, already)
	}
	if h.asset.balance(alice) != 9900 {
		t.Errorf("balance = %d, want 9900", h.asset.balance(alice))
	}
	if h.l.keys.len() != 0 {
		t.Errorf("key locks leaked: %d", h.l.keys.len())
	}
}

func TestConcurrentDistinctAccounts(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NoLock = true; o.LockDuration = 0 })

	const n = 32
	addrs := make([]common.Address, n)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(1000 + i)))
		h.asset.fund(addrs[i], 100, 100)
	}

	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(a common.Address) {
			defer wg.Done()
			if _, err := h.l.Stake(context.Background(), a, big.NewInt(100)); err != nil {
				t.Errorf("Stake(%s): %v", a.Hex(), err)
				return
			}
			if _, err := h.l.Unstake(context.Background(), a); err != nil {
				t.Errorf("Unstake(%s): %v", a.Hex(), err)
			}
		}(a)
	}
	wg.Wait()

	if h.l.ActiveStakes() != 0 || h.l.Custody().Sign() != 0 {
		t.Errorf("active %d custody %s", h.l.ActiveStakes(), h.l.Custody())
	}
	for _, a := range addrs {
		if h.asset.balance(a) != 100 {
			t.Errorf("%s balance %d", a.Hex(), h.asset.balance(a))
		}
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	held, err := h.l.Reconcile(context.Background(), h.asset)
	if err != nil || held.Int64() != 100 {
		t.Fatalf("Reconcile = %v, %v", held, err)
	}

	h.asset.mu.Lock()
	h.asset.held.SetInt64(150)
	h.asset.mu.Unlock()
	if _, err := h.l.Reconcile(context.Background(), h.asset); err != nil {
		t.Errorf("surplus reported as error: %v", err)
	}

	h.asset.mu.Lock()
	h.asset.held.SetInt64(40)
	h.asset.mu.Unlock()
	if _, err := h.l.Reconcile(context.Background(), h.asset); !errors.Is(err, ErrCustodyMismatch) {
		t.Errorf("Reconcile error = %v, want ErrCustodyMismatch", err)
	}
}

// gatedBalancer holds its first read until released.
type gatedBalancer struct {
	asset   *fakeAsset
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBalancer) CustodyBalance(ctx context.Context) (*big.Int, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.asset.CustodyBalance(ctx)
}

func TestReconcileDoesNotBlockStakers(t *testing.T) {
	h := newHarness(t, nil)
	h.asset.fund(alice, 1000, 100)
	h.asset.fund(bob, 1000, 50)

	// alice's transfer is slow.
	h.asset.block = make(chan struct{})
	h.asset.blockFor = alice
	h.asset.waiting = make(chan struct{}, 1)
	aliceDone := make(chan error, 1)
	go func() {
		_, err := h.l.Stake(context.Background(), alice, big.NewInt(100))
		aliceDone <- err
	}()
	<-h.asset.waiting

	gb := &gatedBalancer{asset: h.asset, entered: make(chan struct{}), release: make(chan struct{})}
	type result struct {
		held *big.Int
		err  error
	}
	reconciled := make(chan result, 1)
	go func() {
		held, err := h.l.Reconcile(context.Background(), gb)
		reconciled <- result{held, err}
	}()
	<-gb.entered

	bobDone := make(chan error, 1)
	go func() {
		_, err := h.l.Stake(context.Background(), bob, big.NewInt(50))
		bobDone <- err
	}()
	select {
	case err := <-bobDone:
		if err != nil {
			t.Fatalf("bob Stake: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("unrelated stake blocked behind Reconcile")
	}

	close(gb.release)
	r := <-reconciled
	if r.err != nil || r.held.Int64() != 50 {
		t.Errorf("Reconcile = %v, %v", r.held, r.err)
	}

	close(h.asset.block)
	if err := <-aliceDone; err != nil {
		t.Fatalf("alice Stake: %v", err)
	}
	if _, err := h.l.Reconcile(context.Background(), h.asset); err != nil {
		t.Errorf("final Reconcile: %v", err)
	}
}

// churningBalancer stakes a new account on every read.
type churningBalancer struct {
	h     *harness
	reads int
}

func (b *churningBalancer) CustodyBalance(ctx context.Context) (*big.Int, error) {
	b.reads++
	addr := common.BigToAddress(big.NewInt(int64(0x1000 + b.reads)))
	b.h.asset.fund(addr, 10, 10)
	if _, err := b.h.l.Stake(ctx, addr, big.NewInt(10)); err != nil {
		return nil, err
	}
	return b.h.asset.CustodyBalance(ctx)
}

func TestReconcileBusy(t *testing.T) {
	h := newHarness(t, nil)
	b := &churningBalancer{h: h}

	_, err := h.l.Reconcile(context.Background(), b)
	if !errors.Is(err, ErrCustodyBusy) {
		t.Fatalf("Reconcile error = %v, want ErrCustodyBusy", err)
	}
	if b.reads != reconcileAttempts {
		t.Errorf("reads = %d, want %d", b.reads, reconcileAttempts)
	}
}

func TestObserverState(t *testing.T) {
	obs := &fakeObserver{}
	h := newHarness(t, func(o *Options) { o.Observer = obs; o.NoLock = true; o.LockDuration = 0 })
	h.asset.fund(alice, 1000, 100)

	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if obs.active != 1 || obs.held != "100" {
		t.Errorf("after stake: active %d held %s", obs.active, obs.held)
	}
	if _, err := h.l.Stake(context.Background(), alice, big.NewInt(1)); err == nil {
		t.Fatal("expected already staked")
	}
	if _, err := h.l.Unstake(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	if obs.active != 0 || obs.held != "0" {
		t.Errorf("after unstake: active %d held %s", obs.active, obs.held)
	}
	if obs.ops["stake/ok"] != 1 || obs.ops["stake/already_staked"] != 1 || obs.ops["unstake/ok"] != 1 {
		t.Errorf("unexpected ops %v", obs.ops)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{opError("stake", alice, ErrInvalidAmount, nil), "invalid_amount"},
		{opError("stake", alice, ErrAlreadyStaked, nil), "already_staked"},
		{opError("unstake", alice, ErrNoActiveStake, nil), "no_active_stake"},
		{opError("unstake", alice, ErrLockNotElapsed, nil), "lock_not_elapsed"},
		{opError("set_lock_time", alice, ErrUnauthorized, nil), "unauthorized"},
		{opError("stake", alice, ErrTransferRejected, errors.New("x")), "transfer_rejected"},
		{opError("set_lock_time", admin, ErrInvalidDuration, nil), "invalid_duration"},
		{opError("unstake", alice, ErrTransferPending, context.DeadlineExceeded), "transfer_pending"},
		{ErrCustodyMismatch, "custody_mismatch"},
		{ErrCustodyBusy, "custody_busy"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := opError("stake", alice, ErrTransferRejected, errors.New("allowance too low"))
	want := "stake " + alice.Hex() + ": transfer rejected: allowance too low"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKeyLocksCleanup(t *testing.T) {
	k := newKeyLocks()
	unlockA := k.lock(alice)
	unlockB := k.lock(bob)
	if k.len() != 2 {
		t.Fatalf("len = %d, want 2", k.len())
	}

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := k.lock(alice)
		close(acquired)
		u()
		close(released)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-released
	unlockB()

	if k.len() != 0 {
		t.Errorf("len = %d after release, want 0", k.len())
	}
}
