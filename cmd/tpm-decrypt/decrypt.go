package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/tpm-decrypt/cryptoctx"
)

func decryptCmd() *cobra.Command {
	var (
		handle   string
		in       string
		out      string
		checksum bool
	)
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an openssl enc file with the TPM-sealed key",
		Long: "Unseals the key at --handle, decrypts --in with " +
			"openssl enc -d -aes-256-cbc -pbkdf2 -iter 10000 and writes the plaintext to --out " +
			"(mode 0600) or stdout. The key file used by openssl is securely erased before exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *cryptoctx.Runtime) error {
				plain, err := rt.Service().Decrypt(ctx, handleOrDefault(handle, rt), in)
				if err != nil {
					return err
				}
				defer memguard.WipeBytes(plain)

				if checksum {
					sum := sha256.Sum256(plain)
					fmt.Fprintf(cmd.OutOrStdout(), "SHA-256 checksum of decrypted data: %s\n", hex.EncodeToString(sum[:]))
					return nil
				}
				if out == "" {
					_, err := cmd.OutOrStdout().Write(plain)
					return err
				}
				return cryptoctx.WriteFileAtomic(afero.NewOsFs(), out, plain, 0o600)
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "TPM persistent handle (default from config, e.g. 0x81000000)")
	cmd.Flags().StringVar(&in, "in", "", "Encrypted input file (required)")
	cmd.Flags().StringVar(&out, "out", "", "Plaintext output file; stdout when empty")
	cmd.Flags().BoolVar(&checksum, "checksum", false, "Print the SHA-256 of the plaintext instead of the plaintext")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func encryptCmd() *cobra.Command {
	var handle, in, out string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file with the TPM-sealed key in openssl enc format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *cryptoctx.Runtime) error {
				if err := rt.Encrypt(ctx, handleOrDefault(handle, rt), in, out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %s -> %s\n", in, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "TPM persistent handle (default from config)")
	cmd.Flags().StringVar(&in, "in", "", "Plaintext input file (required)")
	cmd.Flags().StringVar(&out, "out", "", "Encrypted output file (required)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
