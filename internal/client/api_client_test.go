package client

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/moltbunker/stakeledger/internal/api"
	"github.com/moltbunker/stakeledger/internal/asset"
	"github.com/moltbunker/stakeledger/internal/events"
	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/pkg/types"
)

var custodyAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type testEnv struct {
	url    string
	token  *asset.Token
	ledger *ledger.Ledger
	admin  *WalletSigner
	alice  *WalletSigner
}

func newKeySigner(t *testing.T) *WalletSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewKeySigner(key)
}

// startEnv runs a mock-mode API server with no lock so stakes can be
// withdrawn immediately.
func startEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		token: asset.NewToken("STK"),
		admin: newKeySigner(t),
		alice: newKeySigner(t),
	}
	feed := events.NewFeed()
	custodian := asset.NewCustodian(env.token, custodyAddr)
	l, err := ledger.New(ledger.Options{
		Asset:         custodian,
		Administrator: env.admin.Address(),
		NoLock:        true,
		Sink:          feed,
	})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	env.ledger = l

	cfg := api.DefaultServerConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.RateLimit = 0
	srv := api.NewServer(cfg, l)
	srv.SetFeed(feed)
	srv.SetToken(env.token, custodyAddr)
	srv.SetCustody(custodian)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		feed.Close()
	})
	env.url = "http://" + srv.Addr()
	return env
}

func TestAPIClient_StakeLifecycle(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()
	admin := NewAPIClient(env.url, env.admin)
	alice := NewAPIClient(env.url+"/", env.alice)

	bal, err := admin.Mint(ctx, env.alice.Address(), big.NewInt(500))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if bal.Balance != "500" || bal.Symbol != "STK" {
		t.Errorf("mint balance = %+v", bal)
	}

	appr, err := alice.Approve(ctx, big.NewInt(200))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if appr.Allowance != "200" || appr.Spender != custodyAddr.Hex() {
		t.Errorf("approval = %+v", appr)
	}

	evs, err := alice.Stake(ctx, big.NewInt(200))
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != types.EventStake || evs[0].Amount != "200" {
		t.Errorf("stake events = %+v", evs)
	}

	info, err := alice.StakeOf(ctx, env.alice.Address())
	if err != nil {
		t.Fatalf("StakeOf: %v", err)
	}
	if info.Amount != "200" || !info.Unlocked {
		t.Errorf("stake info = %+v", info)
	}

	list, err := alice.Stakes(ctx)
	if err != nil {
		t.Fatalf("Stakes: %v", err)
	}
	if list.Count != 1 || list.Total != "200" {
		t.Errorf("stakes = %+v", list)
	}

	evs, err = alice.Unstake(ctx)
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != types.EventUnstake {
		t.Errorf("unstake events = %+v", evs)
	}

	bal, err = alice.Balance(ctx, env.alice.Address())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Balance != "500" {
		t.Errorf("balance after unstake = %s", bal.Balance)
	}
}

func TestAPIClient_Errors(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()
	alice := NewAPIClient(env.url, env.alice)

	_, err := alice.Unstake(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Unstake error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Kind != "no_active_stake" {
		t.Errorf("api error = %+v", apiErr)
	}

	_, err = alice.StakeOf(ctx, env.alice.Address())
	if ErrorKind(err) != "no_active_stake" {
		t.Errorf("StakeOf kind = %q", ErrorKind(err))
	}

	_, err = alice.SetLockTime(ctx, time.Hour)
	if ErrorKind(err) != "unauthorized" {
		t.Errorf("SetLockTime kind = %q (%v)", ErrorKind(err), err)
	}

	_, err = alice.Mint(ctx, env.alice.Address(), big.NewInt(1))
	if ErrorKind(err) != "unauthorized" {
		t.Errorf("Mint kind = %q", ErrorKind(err))
	}

	_, err = alice.Stake(ctx, big.NewInt(0))
	if ErrorKind(err) != "invalid_amount" {
		t.Errorf("Stake(0) kind = %q", ErrorKind(err))
	}

	anon := NewAPIClient(env.url, nil)
	if _, err := anon.Stake(ctx, big.NewInt(1)); !errors.Is(err, ErrNoSigner) {
		t.Errorf("anonymous Stake error = %v", err)
	}
	if ErrorKind(errors.New("plain")) != "" {
		t.Error("ErrorKind of a plain error should be empty")
	}
}

func TestAPIClient_LockTime(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()
	admin := NewAPIClient(env.url, env.admin)

	lt, err := admin.LockTime(ctx)
	if err != nil {
		t.Fatalf("LockTime: %v", err)
	}
	if lt.Seconds != 0 {
		t.Errorf("initial lock = %+v", lt)
	}

	evs, err := admin.SetLockTime(ctx, 90*time.Minute)
	if err != nil {
		t.Fatalf("SetLockTime: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != types.EventLockTimeChanged || evs[0].LockDuration != "1h30m0s" {
		t.Errorf("lock events = %+v", evs)
	}

	status, err := admin.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LockSeconds != 5400 || status.Administrator != env.admin.Address().Hex() {
		t.Errorf("status = %+v", status)
	}
}

func TestAPIClient_Probes(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()
	c := NewAPIClient(env.url, nil)

	h, err := c.Health(ctx)
	if err != nil || h.Status != "healthy" {
		t.Fatalf("Health = %+v, %v", h, err)
	}
	r, err := c.Ready(ctx)
	if err != nil || r.Status != "ready" {
		t.Fatalf("Ready = %+v, %v", r, err)
	}

	// Draining custody below the recorded total makes the server not ready.
	if err := env.token.Mint(ctx, env.alice.Address(), big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if err := env.token.Approve(ctx, env.alice.Address(), custodyAddr, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ledger.Stake(ctx, env.alice.Address(), big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if err := env.token.Transfer(ctx, custodyAddr, env.alice.Address(), big.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	r, err = c.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if r.Status != "not_ready" || r.Reason == "" {
		t.Errorf("Ready after drain = %+v", r)
	}
}
