package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/identity"
	"github.com/moltbunker/stakeledger/pkg/types"
)

type staticChecker struct {
	name     string
	category Category
	status   Status
}

func (c staticChecker) Name() string       { return c.name }
func (c staticChecker) Category() Category { return c.category }
func (c staticChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Name: c.name, Category: c.category, Status: c.status, Message: c.name + ": " + string(c.status)}
}

func sampleCheckers() []Checker {
	return []Checker{
		staticChecker{"Config file", CategoryConfig, StatusOK},
		staticChecker{"Wallet", CategoryWallet, StatusError},
		staticChecker{"Wallet password", CategoryWallet, StatusSkipped},
		staticChecker{"Ledger API", CategoryAPI, StatusWarning},
	}
}

func TestDoctorRun(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{}, &buf, false, sampleCheckers()...)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := Summary{Total: 4, Passed: 1, Failed: 1, Warned: 1, Skipped: 1}
	if report.Summary != want {
		t.Errorf("summary = %+v, want %+v", report.Summary, want)
	}
	if report.Summary.IsHealthy() {
		t.Error("report with a failure should not be healthy")
	}

	out := buf.String()
	for _, s := range []string{"stakeledger doctor", "[2/4] Checking Wallet...", "✗ Wallet: error", "Summary: 1 passed, 1 failed, 1 warnings"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
}

func TestDoctorCategoryFilter(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{Category: CategoryWallet}, &buf, false, sampleCheckers()...)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(report.Checks))
	}
	for _, check := range report.Checks {
		if check.Category != CategoryWallet {
			t.Errorf("check %s has category %s", check.Name, check.Category)
		}
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{JSON: true}, &buf, false)
	d.AddChecker(staticChecker{"Config file", CategoryConfig, StatusOK})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded.Summary.Passed != 1 || decoded.Checks[0].Status != StatusOK {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDoctorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	report, err := New(Options{}, &buf, false, sampleCheckers()...).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(report.Checks) != 0 {
		t.Errorf("ran %d checks after cancel", len(report.Checks))
	}
}

func TestSummaryIsHealthy(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    bool
	}{
		{"all passed", Summary{Total: 5, Passed: 5}, true},
		{"has failures", Summary{Total: 5, Passed: 3, Failed: 2}, false},
		{"only warnings", Summary{Total: 5, Passed: 3, Warned: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.IsHealthy(); got != tt.want {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutputFixHint(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(&buf, false)

	out.CheckResult(CheckResult{Status: StatusError, Message: "Wallet: not configured", FixCommand: "stakectl wallet create"})
	if !strings.Contains(buf.String(), "Fix: stakectl wallet create") {
		t.Errorf("missing fix hint: %s", buf.String())
	}

	buf.Reset()
	out.CheckResult(CheckResult{Status: StatusOK, Message: "Wallet: 0xabc", FixCommand: "stakectl wallet create"})
	if strings.Contains(buf.String(), "Fix:") {
		t.Errorf("passing check should not print a fix: %s", buf.String())
	}

	buf.Reset()
	NewOutput(&buf, true).CheckResult(CheckResult{Status: StatusWarning, Message: "warned"})
	if !strings.Contains(buf.String(), colorYellow) {
		t.Errorf("colored warning missing color code: %q", buf.String())
	}
}

func TestConfigChecker(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	missing := NewConfigChecker(filepath.Join(dir, "missing.yaml")).Check(ctx)
	if missing.Status != StatusWarning {
		t.Errorf("missing config status = %s", missing.Status)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("ledger: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if got := NewConfigChecker(bad).Check(ctx); got.Status != StatusError {
		t.Errorf("invalid config status = %s", got.Status)
	}

	good := filepath.Join(dir, "config.yaml")
	if err := config.DefaultConfig().Save(good); err != nil {
		t.Fatal(err)
	}
	got := NewConfigChecker(good).Check(ctx)
	if got.Status != StatusOK || !strings.Contains(got.Message, "mock mode") {
		t.Errorf("valid config = %+v", got)
	}
}

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestWalletAndPasswordCheckers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if got := NewWalletChecker(dir).Check(ctx); got.Status != StatusError || got.FixCommand == "" {
		t.Errorf("empty keystore = %+v", got)
	}
	if got := NewPasswordChecker(dir, "").Check(ctx); got.Status != StatusSkipped {
		t.Errorf("password check without wallet = %s", got.Status)
	}

	wm, err := identity.ImportWalletManager(dir, testKeyHex, "correct horse")
	if err != nil {
		t.Fatalf("ImportWalletManager: %v", err)
	}
	if got := NewWalletChecker(dir).Check(ctx); got.Status != StatusOK || !strings.Contains(got.Message, wm.Address().Hex()) {
		t.Errorf("wallet check = %+v", got)
	}

	pwFile := filepath.Join(dir, "password")
	if err := os.WriteFile(pwFile, []byte("wrong\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(identity.PasswordEnvVar, "correct horse")
	if got := NewPasswordChecker(dir, pwFile).Check(ctx); got.Status != StatusOK {
		t.Errorf("password from env = %+v", got)
	}

	t.Setenv(identity.PasswordEnvVar, "")
	if got := NewPasswordChecker(dir, pwFile).Check(ctx); got.Status != StatusError {
		t.Errorf("wrong password from file = %+v", got)
	}
}

type fakeProber struct {
	health, ready *types.HealthResponse
	err           error
}

func (f fakeProber) Health(ctx context.Context) (*types.HealthResponse, error) {
	return f.health, f.err
}
func (f fakeProber) Ready(ctx context.Context) (*types.HealthResponse, error) { return f.ready, f.err }

func TestAPIChecker(t *testing.T) {
	healthy := &types.HealthResponse{Status: "healthy", Version: "v1.0.0", Uptime: "5m0s"}

	tests := []struct {
		name   string
		prober fakeProber
		want   Status
	}{
		{"ready", fakeProber{health: healthy, ready: &types.HealthResponse{Status: "ready"}}, StatusOK},
		{"not ready", fakeProber{health: healthy, ready: &types.HealthResponse{Status: "not_ready", Reason: "custody short"}}, StatusError},
		{"unreachable", fakeProber{err: errors.New("connection refused")}, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAPIChecker("http://127.0.0.1:8080", tt.prober).Check(context.Background())
			if got.Status != tt.want {
				t.Errorf("status = %s (%s), want %s", got.Status, got.Message, tt.want)
			}
		})
	}
}
