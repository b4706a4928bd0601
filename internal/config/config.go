package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/logging"
	"gopkg.in/yaml.v3"
)

// Asset backends.
const (
	ModeMock  = "mock"
	ModeChain = "chain"
)

// Local development accounts (hardhat/anvil defaults).
const (
	devAdministrator = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	devCustody       = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Ledger LedgerConfig `yaml:"ledger"`
	API    APIConfig    `yaml:"api"`
	Chain  ChainConfig  `yaml:"chain"`
}

// DaemonConfig contains daemon settings
type DaemonConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"
}

// LedgerConfig contains staking rules and the asset backend selection
type LedgerConfig struct {
	Administrator string `yaml:"administrator"`

	// LockDuration of 0 disables the lock.
	LockDuration    time.Duration `yaml:"lock_duration"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	Mode           string `yaml:"mode"` // "mock" or "chain"
	CustodyAddress string `yaml:"custody_address"`

	// Reward minting; disabled when RewardRateNum is 0.
	RewardRateNum int64 `yaml:"reward_rate_num"`
	RewardRateDen int64 `yaml:"reward_rate_den"`

	// Mock mode only
	TokenSymbol  string            `yaml:"token_symbol"`
	RewardSymbol string            `yaml:"reward_symbol"`
	Seed         map[string]string `yaml:"seed"` // address -> initial balance
}

// APIConfig contains API server settings
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds (default: 60)

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes (default: 1MB)

	// MaxConnections caps concurrently open connections, event streams included (0 = unlimited)
	MaxConnections int `yaml:"max_connections"`

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`

	// Wallet auth
	AuthMaxSkewSecs int `yaml:"auth_max_skew_secs"` // Max age of a signed auth message (default: 300)

	CORSOrigins []string `yaml:"cors_origins"`
}

// ChainConfig contains EVM connection settings used in chain mode
type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	TokenAddress       string `yaml:"token_address"`
	RewardTokenAddress string `yaml:"reward_token_address"`
	KeystoreDir        string `yaml:"keystore_dir"`
	PasswordFile       string `yaml:"password_file"`
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		HTTPAddr:            "127.0.0.1:8480",
		RateLimitRequests:   100,
		RateLimitWindowSecs: 60,
		MaxRequestSize:      1 << 20,
		MaxConnections:      1024,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    60,
		IdleTimeoutSecs:     120,
		AuthMaxSkewSecs:     300,
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".stakeledger")

	return &Config{
		Daemon: DaemonConfig{
			DataDir:   dataDir,
			LogLevel:  "info",
			LogFormat: "text",
		},
		Ledger: LedgerConfig{
			Administrator:   devAdministrator,
			LockDuration:    20 * time.Hour,
			TransferTimeout: 30 * time.Second,
			Mode:            ModeMock,
			CustodyAddress:  devCustody,
			RewardRateNum:   0,
			RewardRateDen:   1,
			TokenSymbol:     "STK",
			RewardSymbol:    "RWD",
			Seed:            map[string]string{},
		},
		API: DefaultAPIConfig(),
		Chain: ChainConfig{
			RPCURL:       "http://127.0.0.1:8545",
			ChainID:      31337,
			KeystoreDir:  filepath.Join(dataDir, "keystore"),
			PasswordFile: filepath.Join(dataDir, "password"),
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Daemon.LogLevel); err != nil {
		return err
	}
	if f := strings.ToLower(c.Daemon.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("invalid log_format: %s", c.Daemon.LogFormat)
	}

	// Ledger validation
	if err := validateEthAddress("administrator", c.Ledger.Administrator); err != nil {
		return err
	}
	if c.Ledger.LockDuration < 0 {
		return fmt.Errorf("lock_duration must not be negative, got %s", c.Ledger.LockDuration)
	}
	if c.Ledger.TransferTimeout <= 0 {
		return fmt.Errorf("transfer_timeout must be positive, got %s", c.Ledger.TransferTimeout)
	}
	if c.Ledger.RewardRateNum < 0 || c.Ledger.RewardRateDen <= 0 {
		return fmt.Errorf("invalid reward rate %d/%d", c.Ledger.RewardRateNum, c.Ledger.RewardRateDen)
	}
	if err := validateEthAddress("custody_address", c.Ledger.CustodyAddress); err != nil {
		return err
	}

	switch c.Ledger.Mode {
	case ModeMock:
		if _, err := c.Ledger.SeedBalances(); err != nil {
			return err
		}
	case ModeChain:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required in chain mode")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
		}
		if err := validateEthAddress("token_address", c.Chain.TokenAddress); err != nil {
			return err
		}
		if c.Ledger.RewardRateNum > 0 {
			if err := validateEthAddress("reward_token_address", c.Chain.RewardTokenAddress); err != nil {
				return err
			}
		}
		if c.Chain.KeystoreDir == "" {
			return fmt.Errorf("chain.keystore_dir is required in chain mode")
		}
	default:
		return fmt.Errorf("invalid ledger mode: %s", c.Ledger.Mode)
	}

	// API validation
	if c.API.HTTPAddr == "" {
		return fmt.Errorf("api.http_addr is required")
	}
	if c.API.RateLimitRequests < 0 || c.API.RateLimitWindowSecs < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.API.MaxConnections < 0 {
		return fmt.Errorf("api.max_connections must not be negative")
	}
	if c.API.AuthMaxSkewSecs <= 0 {
		return fmt.Errorf("auth_max_skew_secs must be positive, got %d", c.API.AuthMaxSkewSecs)
	}

	return nil
}

// SeedBalances parses the mock-mode seed map.
func (l *LedgerConfig) SeedBalances() (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(l.Seed))
	for addr, amount := range l.Seed {
		if err := validateEthAddress("seed address", addr); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid seed balance %q for %s", amount, addr)
		}
		out[common.HexToAddress(addr)] = v
	}
	return out, nil
}

// AdministratorAddress returns the parsed administrator address.
func (l *LedgerConfig) AdministratorAddress() common.Address {
	return common.HexToAddress(l.Administrator)
}

// Custody returns the parsed custody address.
func (l *LedgerConfig) Custody() common.Address {
	return common.HexToAddress(l.CustodyAddress)
}

// RewardEnabled reports whether unstakes mint a reward.
func (l *LedgerConfig) RewardEnabled() bool {
	return l.RewardRateNum > 0
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
	c.Chain.KeystoreDir = expandPath(c.Chain.KeystoreDir)
	c.Chain.PasswordFile = expandPath(c.Chain.PasswordFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ExpandPath expands a leading ~/ for callers outside this package.
func ExpandPath(path string) string {
	return expandPath(path)
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".stakeledger", "config.yaml")
}

// EnsureDirectories creates all necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Daemon.DataDir}
	if c.Ledger.Mode == ModeChain {
		dirs = append(dirs, c.Chain.KeystoreDir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
