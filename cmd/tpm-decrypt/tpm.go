package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumauth-io/tpm-decrypt/cryptoctx"
)

func provisionCmd() *cobra.Command {
	var (
		handle string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Generate a new AES-256 key and seal it at a TPM persistent handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *cryptoctx.Runtime) error {
				h := handleOrDefault(handle, rt)
				if err := rt.Provision(ctx, cryptoctx.ProvisionOptions{Handle: h, ForceNew: force}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sealed a new key at %s\n", h)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "TPM persistent handle (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an object already persisted at the handle")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's TPM identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *cryptoctx.Runtime) error {
				fp, err := rt.Fingerprint(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), fp)
				return nil
			})
		},
	}
}
