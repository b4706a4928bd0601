package identity

import (
	"fmt"
	"os"
	"strings"
)

// PasswordEnvVar names the environment variable consulted for the wallet password.
const PasswordEnvVar = "STAKELEDGER_WALLET_PASSWORD"

// Password sources, in lookup order.
const (
	SourceKeyring       = "keyring"
	SourceKernelKeyring = "kernel-keyring"
	SourceEnv           = "env"
	SourceFile          = "file"
)

// kernelKeyring is swapped out by tests.
var kernelKeyring = RetrieveKernelKeyring

// ResolvePassword finds the wallet password. It tries the platform keyring,
// the Linux kernel keyring, PasswordEnvVar and finally passwordFile, and
// returns the password together with the source that produced it.
func ResolvePassword(passwordFile string) (password, source string, err error) {
	if pw, err := RetrieveWalletPassword(); err == nil && pw != "" {
		return pw, SourceKeyring, nil
	}
	if pw, err := kernelKeyring(); err == nil && pw != "" {
		return pw, SourceKernelKeyring, nil
	}
	if pw := os.Getenv(PasswordEnvVar); pw != "" {
		return pw, SourceEnv, nil
	}
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil && !os.IsNotExist(err) {
			return "", "", fmt.Errorf("failed to read password file: %w", err)
		}
		if pw := strings.TrimRight(string(data), "\r\n"); pw != "" {
			return pw, SourceFile, nil
		}
	}
	return "", "", fmt.Errorf("wallet password not found (set %s, store it in the keyring, or write %s)", PasswordEnvVar, passwordFile)
}
