// Package cli implements the securecore command-line interface. Commands
// build the application graph on demand, run one operation, and tear it
// down; there is no resident daemon behind them.
package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/syncweave/securecore/internal/app"
	"github.com/syncweave/securecore/internal/config"
	"github.com/syncweave/securecore/internal/permission"
)

var (
	flagEnvFile  string
	flagPassword string
)

var (
	successMark = color.New(color.FgGreen).SprintFunc()
	failureMark = color.New(color.FgRed).SprintFunc()
	warnMark    = color.New(color.FgYellow).SprintFunc()
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "securecore",
		Short:         "Device pairing and session security for the continuity mesh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "path to an env file with configuration overrides")
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "master password (prompted when omitted)")

	root.AddCommand(
		newInitCmd(),
		newPairCmd(),
		newDevicesCmd(),
		newScanCmd(),
		newAuditCmd(),
		newKeysCmd(),
	)
	return root
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failureMark("error:"), err)
		return 1
	}
	return 0
}

// openApp loads config, resolves the master password and builds the
// component graph. Callers must Close the returned app.
func openApp(policy permission.Policy) (*app.App, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, err
	}
	password, err := resolvePassword()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{MasterPassword: password, Policy: policy})
}

func resolvePassword() (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}
	if v := os.Getenv("SECURECORE_MASTER_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, "Master password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty master password")
	}
	return string(raw), nil
}
