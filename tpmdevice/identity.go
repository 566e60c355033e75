package tpmdevice

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tpm2 "github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

// Identity is the device's persistent ECC P-256 key. Its public half
// identifies the machine, e.g. as a license fingerprint.
type Identity struct {
	rwc    io.ReadWriteCloser
	handle tpmutil.Handle
	pub    []byte
}

type IdentityConfig struct {
	Handle      tpmutil.Handle
	ForceNew    bool
	OwnerAuth   string // TPM owner hierarchy auth (usually "")
	DevicePaths []string
	Logger      *zap.Logger
}

// OpenIdentity reuses the persistent key at cfg.Handle or creates and
// persists one there.
func OpenIdentity(ctx context.Context, cfg IdentityConfig) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := log.OrGlobal(cfg.Logger)
	handle := cfg.Handle
	if handle == 0 {
		handle = DefaultIdentityHandle
	}

	rwc, err := openTPM(cfg.DevicePaths)
	if err != nil {
		return nil, err
	}

	if cfg.ForceNew {
		// Already gone is fine.
		_ = tpm2.EvictControl(rwc, cfg.OwnerAuth, tpm2.HandleOwner, handle, handle)
	} else {
		pub, _, _, err := tpm2.ReadPublic(rwc, handle)
		if err == nil {
			uncompressed, err := publicToUncompressed(pub)
			if err != nil {
				_ = rwc.Close()
				return nil, err
			}
			logger.Debug("using existing identity key", zap.String("handle", FormatHandle(handle)))
			return &Identity{rwc: rwc, handle: handle, pub: uncompressed}, nil
		}
		logger.Debug("no identity key at handle", zap.String("handle", FormatHandle(handle)), zap.Error(err))
	}

	transient, uncompressed, err := createPrimarySigningKey(rwc, cfg.OwnerAuth)
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}

	// Persistence is required for a stable identity, so there is no fallback.
	if err := tpm2.EvictControl(rwc, cfg.OwnerAuth, tpm2.HandleOwner, transient, handle); err != nil {
		_ = tpm2.FlushContext(rwc, transient)
		_ = rwc.Close()
		return nil, fmt.Errorf("tpmdevice: EvictControl (persist key) failed at 0x%x: %w", uint32(handle), err)
	}
	_ = tpm2.FlushContext(rwc, transient)

	logger.Info("created identity key", zap.String("handle", FormatHandle(handle)))
	return &Identity{rwc: rwc, handle: handle, pub: uncompressed}, nil
}

// createPrimarySigningKey creates a transient ECC signing key and returns
// its handle and uncompressed public key.
func createPrimarySigningKey(rwc io.ReadWriter, ownerAuth string) (tpmutil.Handle, []byte, error) {
	template := tpm2.Public{
		Type:    tpm2.AlgECC,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagSign |
			tpm2.FlagFixedTPM |
			tpm2.FlagFixedParent |
			tpm2.FlagSensitiveDataOrigin |
			tpm2.FlagUserWithAuth,
		ECCParameters: &tpm2.ECCParams{
			CurveID: tpm2.CurveNISTP256,
		},
	}

	handle, _, err := tpm2.CreatePrimary(rwc, tpm2.HandleOwner, tpm2.PCRSelection{}, ownerAuth, "", template)
	if err != nil {
		return 0, nil, fmt.Errorf("tpmdevice: CreatePrimary(identity): %w", err)
	}

	pub, _, _, err := tpm2.ReadPublic(rwc, handle)
	if err != nil {
		_ = tpm2.FlushContext(rwc, handle)
		return 0, nil, fmt.Errorf("tpmdevice: ReadPublic: %w", err)
	}

	uncompressed, err := publicToUncompressed(pub)
	if err != nil {
		_ = tpm2.FlushContext(rwc, handle)
		return 0, nil, err
	}
	return handle, uncompressed, nil
}

func publicToUncompressed(pub tpm2.Public) ([]byte, error) {
	genericKey, err := pub.Key()
	if err != nil {
		return nil, fmt.Errorf("tpmdevice: pub.Key: %w", err)
	}
	ec, ok := genericKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("tpmdevice: unexpected key type %T", genericKey)
	}
	return uncompressedFromECDSA(ec), nil
}

func (i *Identity) Handle() tpmutil.Handle { return i.handle }

// PublicKey returns 0x04 || X || Y.
func (i *Identity) PublicKey() []byte {
	return append([]byte(nil), i.pub...)
}

func (i *Identity) PublicKeyB64() string {
	return base64.RawStdEncoding.EncodeToString(i.pub)
}

func (i *Identity) Fingerprint() string {
	return FingerprintOf(i.pub)
}

func (i *Identity) Close() error {
	if i == nil || i.rwc == nil {
		return nil
	}

	err := i.rwc.Close()
	i.rwc = nil

	if err == nil || errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "file already closed") {
		return nil
	}
	return fmt.Errorf("tpmdevice: close: %w", err)
}
