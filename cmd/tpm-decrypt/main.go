// Command tpm-decrypt decrypts openssl-encrypted files with an AES key sealed
// in the TPM, keeping the key off disk except for an ephemeral, securely
// erased key file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/config"
	"github.com/quantumauth-io/tpm-decrypt/cryptoctx"
	"github.com/quantumauth-io/tpm-decrypt/log"
)

const version = "0.1.0"

var configPaths []string

func main() {
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		memguard.Purge()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tpm-decrypt",
		Short:         "Decrypt files with a TPM-sealed AES key",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&configPaths, "config", []string{".", "/etc/tpm-decrypt"},
		"Directories searched for config.yaml")

	root.AddCommand(decryptCmd())
	root.AddCommand(encryptCmd())
	root.AddCommand(provisionCmd())
	root.AddCommand(fingerprintCmd())
	root.AddCommand(licenseCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tpm-decrypt version %s\n", version)
		},
	}
}

// withRuntime loads settings, installs the logger and runs fn against a
// fully wired runtime.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *cryptoctx.Runtime) error) (err error) {
	settings, err := config.Load(configPaths)
	if err != nil {
		return err
	}
	if err := log.Init(log.Config{Level: settings.Log.Level, Encoding: settings.Log.Encoding}); err != nil {
		return err
	}
	defer func() { _ = log.L().Sync() }()

	ctx := cmd.Context()
	rt, err := cryptoctx.New(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			log.Warn("runtime close failed", zap.Error(closeErr))
		}
	}()
	return fn(ctx, rt)
}

func handleOrDefault(flag string, rt *cryptoctx.Runtime) string {
	if flag != "" {
		return flag
	}
	return rt.Settings().TPM.Handle
}
