package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/client"
	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/identity"
)

// APIEnvVar overrides the API endpoint when --api is not given.
const APIEnvVar = "STAKELEDGER_API"

// Global CLI flags
var (
	// ConfigPath is the daemon config file consulted for defaults
	ConfigPath string

	// APIEndpoint is the ledger API base URL
	APIEndpoint string

	// KeystoreDir overrides the wallet keystore directory
	KeystoreDir string

	// OutputFormat controls output format: "" (human) or "json"
	OutputFormat string
)

// loadConfigQuiet loads the config file, returning nil on error.
func loadConfigQuiet() *config.Config {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil
	}
	return cfg
}

// GetAPIEndpoint returns the API endpoint from flag, environment, config, or default.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return APIEndpoint
	}
	if env := os.Getenv(APIEnvVar); env != "" {
		return env
	}
	addr := config.DefaultAPIConfig().HTTPAddr
	if cfg := loadConfigQuiet(); cfg != nil && cfg.API.HTTPAddr != "" {
		addr = cfg.API.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// GetKeystoreDir returns the keystore directory from flag, config, or default.
func GetKeystoreDir() string {
	if KeystoreDir != "" {
		return config.ExpandPath(KeystoreDir)
	}
	cfg := loadConfigQuiet()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return cfg.Chain.KeystoreDir
}

func passwordFile() string {
	if cfg := loadConfigQuiet(); cfg != nil {
		return cfg.Chain.PasswordFile
	}
	return ""
}

// loadWallet loads the keystore wallet or explains how to create one.
func loadWallet() (*identity.WalletManager, error) {
	dir := GetKeystoreDir()
	wm, err := identity.LoadWalletManager(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wm == nil {
		return nil, fmt.Errorf("no wallet found in %s (create one with: stakectl wallet create)", dir)
	}
	return wm, nil
}

// loadWalletSigner unlocks the wallet for request signing. The password comes
// from the keyring, the environment or the password file, and is prompted
// for when none of those has it and stdin is a terminal.
func loadWalletSigner() (*client.WalletSigner, error) {
	wm, err := loadWallet()
	if err != nil {
		return nil, err
	}

	password, _, err := identity.ResolvePassword(passwordFile())
	if err != nil {
		if !isInputTTY() {
			return nil, err
		}
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err = readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
	}

	if _, err := wm.PrivateKey(password); err != nil {
		return nil, fmt.Errorf("failed to unlock wallet (wrong password?): %w", err)
	}
	return client.NewWalletSigner(wm, password), nil
}

// newReadClient builds an unauthenticated client.
func newReadClient() *client.APIClient {
	return client.NewAPIClient(GetAPIEndpoint(), nil)
}

// loadSigner is replaced in tests to avoid keystore decryption.
var loadSigner = loadWalletSigner

// newSignedClient builds a client that signs requests with the wallet.
func newSignedClient() (*client.APIClient, *client.WalletSigner, error) {
	signer, err := loadSigner()
	if err != nil {
		return nil, nil, err
	}
	return client.NewAPIClient(GetAPIEndpoint(), signer), signer, nil
}

// parseAddress validates a hex address argument.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// jsonOutput reports whether --output json was requested.
func jsonOutput() bool {
	return strings.EqualFold(OutputFormat, "json")
}

// printJSON writes v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
