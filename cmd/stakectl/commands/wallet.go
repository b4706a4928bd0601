package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/moltbunker/stakeledger/internal/identity"
	"github.com/spf13/cobra"
)

const minPasswordLen = 8

// readSecret reads a secret from the terminal. Tests replace it.
var readSecret = readPasswordNoEcho

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the Ethereum wallet that signs ledger requests",
		Long: `Manage the Ethereum wallet used to authenticate stake, unstake and
administrator requests, and to sign custody transfers in chain mode.

The wallet is an encrypted keystore file (geth V3 format). The password is
looked up, in order, in the platform keyring, the Linux kernel keyring, the
STAKELEDGER_WALLET_PASSWORD environment variable and chain.password_file.

Examples:
  stakectl wallet create           # Generate a new wallet
  stakectl wallet import           # Import a private key
  stakectl wallet address          # Show address and keystore path
  stakectl wallet store-password   # Save the password in the keyring`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletAddressCmd())
	cmd.AddCommand(newWalletStorePasswordCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())
	return cmd
}

// promptNewPassword asks for a password twice, retrying up to three times.
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err := readSecret()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLen {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLen))
			continue
		}

		fmt.Fprint(os.Stderr, "Confirm wallet password: ")
		confirm, err := readSecret()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

// storePasswordInKeyring saves the password in the best available keyring.
func storePasswordInKeyring(password string) {
	if backend, err := identity.StoreWalletPassword(password); err == nil {
		Info("Password saved to " + backend)
		return
	}
	if err := identity.StoreKernelKeyring(password); err == nil {
		Info("Password saved to kernel keyring (in memory, lost on reboot)")
		return
	}
	Warning("Could not store the password in a system keyring.")
	fmt.Fprintln(stdout, Hint("Set "+identity.PasswordEnvVar+" or chain.password_file for automatic unlock."))
}

// ensureNoWallet fails when the keystore already holds a wallet.
func ensureNoWallet(dir string) error {
	wm, err := identity.LoadWalletManager(dir)
	if err != nil {
		return fmt.Errorf("failed to check keystore: %w", err)
	}
	if wm != nil {
		return fmt.Errorf("wallet already exists at %s (address: %s)", dir, wm.Address().Hex())
	}
	return nil
}

func printWallet(wm *identity.WalletManager) error {
	if jsonOutput() {
		return printJSON(map[string]string{
			"address":  wm.Address().Hex(),
			"keystore": wm.KeystoreDir(),
		})
	}
	fmt.Fprintln(stdout, StatusBox("Wallet", [][2]string{
		{"Address", wm.Address().Hex()},
		{"Keystore", wm.KeystoreDir()},
	}))
	return nil
}

func newWalletCreateCmd() *cobra.Command {
	var noKeyring bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if err := ensureNoWallet(dir); err != nil {
				return err
			}
			password, err := promptNewPassword()
			if err != nil {
				return err
			}

			wm, err := identity.CreateWalletManager(dir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}
			Success("Wallet created")
			if err := printWallet(wm); err != nil {
				return err
			}
			if !noKeyring {
				storePasswordInKeyring(password)
			}
			Warning("Back up your keystore directory and remember your password.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noKeyring, "no-keyring", false, "Do not save the password in a keyring")
	return cmd
}

func newWalletImportCmd() *cobra.Command {
	var noKeyring bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if err := ensureNoWallet(dir); err != nil {
				return err
			}

			fmt.Fprint(os.Stderr, "Enter private key (hex, with or without 0x prefix): ")
			input, err := readSecret()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			keyHex := strings.TrimPrefix(strings.TrimSpace(input), "0x")
			if len(keyHex) != 64 {
				return fmt.Errorf("private key must be 64 hex characters (32 bytes), got %d", len(keyHex))
			}

			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			wm, err := identity.ImportWalletManager(dir, keyHex, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}
			Success("Wallet imported")
			if err := printWallet(wm); err != nil {
				return err
			}
			if !noKeyring {
				storePasswordInKeyring(password)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noKeyring, "no-keyring", false, "Do not save the password in a keyring")
	return cmd
}

func newWalletAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Show the wallet address and keystore path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wm, err := loadWallet()
			if err != nil {
				return err
			}
			return printWallet(wm)
		},
	}
}

func newWalletStorePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store-password",
		Short: "Verify the wallet password and save it in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wm, err := loadWallet()
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stderr, "Enter wallet password: ")
			password, err := readSecret()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if _, err := wm.PrivateKey(password); err != nil {
				return fmt.Errorf("wrong password: %w", err)
			}
			wm.ClearCachedKey()
			storePasswordInKeyring(password)
			return nil
		},
	}
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the system keyrings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed := false
			if err := identity.DeleteWalletPassword(); err == nil {
				Info("Removed password from platform keyring")
				removed = true
			}
			if err := identity.DeleteKernelKeyring(); err == nil {
				Info("Removed password from kernel keyring")
				removed = true
			}
			if !removed {
				Info("No stored password found")
			}
			return nil
		},
	}
}
