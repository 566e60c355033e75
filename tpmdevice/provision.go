package tpmdevice

import (
	"context"
	"errors"
	"fmt"
	"io"

	tpm2 "github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

// maxSealedSize is the TPM2B_SENSITIVE_DATA limit for a KeyedHash object.
const maxSealedSize = 128

var ErrHandleInUse = errors.New("tpmdevice: persistent handle already in use")

type ProvisionConfig struct {
	Handle      tpmutil.Handle
	ForceNew    bool   // evict whatever currently lives at Handle
	OwnerAuth   string // TPM owner hierarchy auth (usually "")
	DevicePaths []string
	Logger      *zap.Logger
}

// Provision seals secret into a KeyedHash object under an owner storage
// primary and persists it at cfg.Handle, where tpm2_unseal -c can reach it.
func Provision(ctx context.Context, cfg ProvisionConfig, secret []byte) error {
	if len(secret) == 0 {
		return errors.New("tpmdevice: secret empty")
	}
	if len(secret) > maxSealedSize {
		return fmt.Errorf("tpmdevice: secret is %d bytes, at most %d can be sealed", len(secret), maxSealedSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := log.OrGlobal(cfg.Logger)

	rwc, err := openTPM(cfg.DevicePaths)
	if err != nil {
		return err
	}
	defer rwc.Close()

	return provision(rwc, cfg, secret, logger)
}

func provision(rwc io.ReadWriter, cfg ProvisionConfig, secret []byte, logger *zap.Logger) error {
	handle := cfg.Handle
	if _, _, _, err := tpm2.ReadPublic(rwc, handle); err == nil {
		if !cfg.ForceNew {
			return fmt.Errorf("%w: 0x%x", ErrHandleInUse, uint32(handle))
		}
		if err := tpm2.EvictControl(rwc, cfg.OwnerAuth, tpm2.HandleOwner, handle, handle); err != nil {
			return fmt.Errorf("tpmdevice: EvictControl (remove) failed at 0x%x: %w", uint32(handle), err)
		}
		logger.Info("evicted existing persistent object", zap.String("handle", FormatHandle(handle)))
	}

	parent, err := createPrimaryStorageKey(rwc, cfg.OwnerAuth)
	if err != nil {
		return err
	}
	defer tpm2.FlushContext(rwc, parent)

	// A sealed data object is a KeyedHash object with AlgNull.
	pub := tpm2.Public{
		Type:    tpm2.AlgKeyedHash,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagFixedTPM |
			tpm2.FlagFixedParent |
			tpm2.FlagUserWithAuth |
			tpm2.FlagNoDA,
		KeyedHashParameters: &tpm2.KeyedHashParams{
			Alg: tpm2.AlgNull,
		},
	}

	privBlob, pubBlob, _, _, _, err := tpm2.CreateKeyWithSensitive(
		rwc,
		parent,
		tpm2.PCRSelection{},
		"", // parentPassword
		"", // object auth; unsealing passes none
		pub,
		secret,
	)
	if err != nil {
		return fmt.Errorf("tpmdevice: CreateKeyWithSensitive: %w", err)
	}

	h, _, err := tpm2.Load(rwc, parent, "", pubBlob, privBlob)
	if err != nil {
		return fmt.Errorf("tpmdevice: Load(sealed): %w", err)
	}
	defer tpm2.FlushContext(rwc, h)

	if err := tpm2.EvictControl(rwc, cfg.OwnerAuth, tpm2.HandleOwner, h, handle); err != nil {
		return fmt.Errorf("tpmdevice: EvictControl (persist) failed at 0x%x: %w", uint32(handle), err)
	}
	logger.Info("sealed key persisted", zap.String("handle", FormatHandle(handle)), zap.Int("size", len(secret)))
	return nil
}

func createPrimaryStorageKey(rwc io.ReadWriter, ownerAuth string) (tpmutil.Handle, error) {
	template := tpm2.Public{
		Type:    tpm2.AlgECC,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagDecrypt |
			tpm2.FlagRestricted |
			tpm2.FlagFixedTPM |
			tpm2.FlagFixedParent |
			tpm2.FlagSensitiveDataOrigin |
			tpm2.FlagUserWithAuth,
		ECCParameters: &tpm2.ECCParams{
			CurveID: tpm2.CurveNISTP256,
		},
	}

	h, _, err := tpm2.CreatePrimary(
		rwc,
		tpm2.HandleOwner,
		tpm2.PCRSelection{},
		ownerAuth, // owner hierarchy auth
		"",        // auth of the new primary
		template,
	)
	if err != nil {
		return 0, fmt.Errorf("tpmdevice: CreatePrimary(storage): %w", err)
	}
	return h, nil
}
