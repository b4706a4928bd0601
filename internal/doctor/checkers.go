package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/identity"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// ConfigChecker loads and validates the config file.
type ConfigChecker struct {
	Path string
}

func NewConfigChecker(path string) *ConfigChecker {
	return &ConfigChecker{Path: path}
}

func (c *ConfigChecker) Name() string       { return "Config file" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	path := config.ExpandPath(c.Path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		result.Status = StatusWarning
		result.Message = "Config file: not found, defaults apply"
		result.Details = path
		return result
	}

	cfg, err := config.Load(path)
	if err != nil {
		result.Status = StatusError
		result.Message = "Config file: invalid"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Config file: %s mode, lock %s", cfg.Ledger.Mode, cfg.Ledger.LockDuration)
	return result
}

// WalletChecker checks that the keystore holds a wallet.
type WalletChecker struct {
	KeystoreDir string
}

func NewWalletChecker(keystoreDir string) *WalletChecker {
	return &WalletChecker{KeystoreDir: keystoreDir}
}

func (c *WalletChecker) Name() string       { return "Wallet" }
func (c *WalletChecker) Category() Category { return CategoryWallet }

func (c *WalletChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:       c.Name(),
		Category:   c.Category(),
		FixCommand: "stakectl wallet create",
	}

	wm, err := identity.LoadWalletManager(c.KeystoreDir)
	if err != nil {
		result.Status = StatusError
		result.Message = "Wallet: unable to open keystore"
		result.Details = err.Error()
		return result
	}
	if wm == nil {
		result.Status = StatusError
		result.Message = "Wallet: not configured"
		result.Details = "Signed requests (stake, unstake, lock-time) need a wallet in " + c.KeystoreDir
		return result
	}

	result.Status = StatusOK
	result.Message = "Wallet: " + wm.Address().Hex()
	return result
}

// PasswordChecker checks that the wallet password can be found without a
// prompt and that it decrypts the keystore.
type PasswordChecker struct {
	KeystoreDir  string
	PasswordFile string
}

func NewPasswordChecker(keystoreDir, passwordFile string) *PasswordChecker {
	return &PasswordChecker{KeystoreDir: keystoreDir, PasswordFile: passwordFile}
}

func (c *PasswordChecker) Name() string       { return "Wallet password" }
func (c *PasswordChecker) Category() Category { return CategoryWallet }

func (c *PasswordChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}

	wm, err := identity.LoadWalletManager(c.KeystoreDir)
	if err != nil || wm == nil {
		result.Status = StatusSkipped
		result.Message = "Wallet password: no wallet"
		return result
	}

	password, source, err := identity.ResolvePassword(c.PasswordFile)
	if err != nil {
		result.Status = StatusWarning
		result.Message = "Wallet password: not stored, stakectl will prompt"
		result.Details = err.Error()
		result.FixCommand = "stakectl wallet store-password"
		return result
	}

	if _, err := wm.PrivateKey(password); err != nil {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Wallet password: from %s does not unlock the wallet", source)
		result.Details = err.Error()
		result.FixCommand = "stakectl wallet forget-password && stakectl wallet store-password"
		return result
	}
	wm.ClearCachedKey()

	result.Status = StatusOK
	result.Message = "Wallet password: found in " + source
	return result
}

// Prober is the part of the API client the API check needs.
type Prober interface {
	Health(ctx context.Context) (*types.HealthResponse, error)
	Ready(ctx context.Context) (*types.HealthResponse, error)
}

// APIChecker checks that the daemon answers and reports ready.
type APIChecker struct {
	Endpoint string
	Client   Prober
}

func NewAPIChecker(endpoint string, client Prober) *APIChecker {
	return &APIChecker{Endpoint: endpoint, Client: client}
}

func (c *APIChecker) Name() string       { return "Ledger API" }
func (c *APIChecker) Category() Category { return CategoryAPI }

func (c *APIChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:       c.Name(),
		Category:   c.Category(),
		FixCommand: "stakeledgerd --config <path>",
	}

	health, err := c.Client.Health(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "Ledger API: unreachable at " + c.Endpoint
		result.Details = err.Error()
		return result
	}

	ready, err := c.Client.Ready(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "Ledger API: readiness probe failed"
		result.Details = err.Error()
		return result
	}
	if ready.Status != "ready" {
		result.Status = StatusError
		result.Message = "Ledger API: not ready"
		result.Details = ready.Reason
		result.FixCommand = ""
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Ledger API: %s ready (version %s, up %s)", c.Endpoint, health.Version, health.Uptime)
	return result
}
