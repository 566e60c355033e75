package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumauth-io/tpm-decrypt/cryptoctx"
)

func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "License operations",
	}
	cmd.AddCommand(licenseValidateCmd())
	return cmd
}

func licenseValidateCmd() *cobra.Command {
	var key, fingerprint string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a license key for this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *cryptoctx.Runtime) error {
				fp := fingerprint
				if fp == "" {
					var err error
					if fp, err = rt.Fingerprint(ctx); err != nil {
						return fmt.Errorf("no --fingerprint given and the TPM identity is unavailable: %w", err)
					}
				}
				v, err := rt.LicenseValidator(ctx)
				if err != nil {
					return err
				}
				res, err := v.ValidateKey(ctx, key, fp)
				if err != nil {
					return err
				}

				state := "INVALID"
				if res.Valid {
					state = "VALID"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "License is %s: detail=%q code=%q\n", state, res.Detail, res.Code)
				if !res.Valid {
					return fmt.Errorf("license is not valid (%s)", res.Code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "License key (required)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Machine fingerprint; defaults to the TPM identity fingerprint")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
