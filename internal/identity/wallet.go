package identity

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WalletManager holds the single Ethereum account of a stakeledger keystore.
// The daemon uses it to sign chain transactions and stakectl uses it to sign
// API auth messages.
type WalletManager struct {
	keystore *keystore.KeyStore
	keyPath  string
	address  common.Address

	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
}

func openKeystore(keystoreDir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP), nil
}

// LoadWalletManager loads the wallet in keystoreDir.
// Returns (nil, nil) if no wallet file is found.
func LoadWalletManager(keystoreDir string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	accounts := ks.Accounts()
	if len(accounts) == 0 {
		return nil, nil
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: accounts[0].Address}, nil
}

// CreateWalletManager creates a new wallet in keystoreDir.
// Returns an error if a wallet already exists.
func CreateWalletManager(keystoreDir string, password string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// ImportWalletManager imports a hex private key (with or without 0x) into a
// new wallet in keystoreDir. Returns an error if a wallet already exists.
func ImportWalletManager(keystoreDir string, privKeyHex string, password string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// Address returns the wallet address.
func (wm *WalletManager) Address() common.Address {
	return wm.address
}

// KeystoreDir returns the path to the keystore directory.
func (wm *WalletManager) KeystoreDir() string {
	return wm.keyPath
}

// PrivateKey decrypts the keystore file with password. The key is cached
// until ClearCachedKey.
func (wm *WalletManager) PrivateKey(password string) (*ecdsa.PrivateKey, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if wm.privateKey != nil {
		return wm.privateKey, nil
	}

	account, err := wm.keystore.Find(wm.keystore.Accounts()[0])
	if err != nil {
		return nil, fmt.Errorf("wallet account not found: %w", err)
	}
	keyJSON, err := os.ReadFile(account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	wm.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// ClearCachedKey zeros and drops the cached private key.
func (wm *WalletManager) ClearCachedKey() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.privateKey != nil {
		wm.privateKey.D.SetUint64(0)
		wm.privateKey = nil
	}
}

// SignHash signs a 32-byte hash with the wallet key.
func (wm *WalletManager) SignHash(hash []byte, password string) ([]byte, error) {
	privateKey, err := wm.PrivateKey(password)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return signature, nil
}
