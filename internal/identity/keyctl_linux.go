//go:build linux

package identity

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const kernelKeyringKeyName = "stakeledger-wallet"

// maxKernelKeyPayload bounds the password read back from the kernel keyring.
const maxKernelKeyPayload = 4096

// StoreKernelKeyring stores the wallet password as a "user" key in the
// caller's user keyring. The key lives in kernel memory only and is lost on
// reboot. An existing key with the same name is updated in place.
func StoreKernelKeyring(password string) error {
	if _, err := unix.AddKey("user", kernelKeyringKeyName, []byte(password), unix.KEY_SPEC_USER_KEYRING); err != nil {
		return fmt.Errorf("add_key failed: %w", err)
	}
	return nil
}

// RetrieveKernelKeyring reads the wallet password from the user keyring.
func RetrieveKernelKeyring() (string, error) {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", kernelKeyringKeyName, 0)
	if err != nil {
		return "", fmt.Errorf("kernel keyring search failed: %w", err)
	}

	buf := make([]byte, maxKernelKeyPayload)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return "", fmt.Errorf("kernel keyring read failed: %w", err)
	}
	if n > len(buf) {
		return "", fmt.Errorf("kernel keyring payload too large (%d bytes)", n)
	}
	return string(buf[:n]), nil
}

// DeleteKernelKeyring unlinks the wallet password from the user keyring.
// A missing key is not an error.
func DeleteKernelKeyring() error {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", kernelKeyringKeyName, 0)
	if err != nil {
		if errors.Is(err, unix.ENOKEY) {
			return nil
		}
		return fmt.Errorf("kernel keyring search failed: %w", err)
	}
	if _, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, id, unix.KEY_SPEC_USER_KEYRING, 0, 0); err != nil {
		return fmt.Errorf("kernel keyring unlink failed: %w", err)
	}
	return nil
}
