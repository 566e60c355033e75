package config

import (
	_ "embed"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/quantumauth-io/tpm-decrypt/database"
	"github.com/quantumauth-io/tpm-decrypt/redis"
)

//go:embed default.yaml
var DefaultYAML []byte

const (
	TPMBackendTool   = "tool"
	TPMBackendDevice = "device"

	CipherBackendOpenSSL = "openssl"
	CipherBackendNative  = "native"
)

type TPMSettings struct {
	Backend        string
	Handle         string
	UnsealTool     string
	DevicePaths    []string
	IdentityHandle string
	OwnerAuth      string
}

// CipherSettings picks the decryption backend. The PBKDF2 iteration count is
// part of the container contract (opensslenc.DefaultIterations) and is not
// configurable.
type CipherSettings struct {
	Backend     string
	OpenSSLPath string
}

type KeyFileSettings struct {
	Dir         string
	ErasePasses int
}

type LogSettings struct {
	Level    string
	Encoding string
}

type LicenseSettings struct {
	AccountID  string
	Host       string
	Timeout    time.Duration
	MaxRetries int32
	CacheTTL   time.Duration
}

type AuditSettings struct {
	Enabled  bool
	Database database.Settings
}

type MetricsSettings struct {
	TextfilePath string
}

// Settings is the full configuration document of tpm-decrypt.
type Settings struct {
	TPM     TPMSettings
	Cipher  CipherSettings
	KeyFile KeyFileSettings
	Log     LogSettings
	License LicenseSettings
	Redis   redis.Config
	Audit   AuditSettings
	Metrics MetricsSettings
}

// Load layers config.yaml from paths and the environment over the embedded
// defaults, then fills unset values and validates the result.
func Load(paths []string) (*Settings, error) {
	s, err := Parse[Settings](paths, DefaultYAML)
	if err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) ApplyDefaults() {
	if s.TPM.Backend == "" {
		s.TPM.Backend = TPMBackendTool
	}
	if s.TPM.Handle == "" {
		s.TPM.Handle = "0x81000000"
	}
	if s.TPM.UnsealTool == "" {
		s.TPM.UnsealTool = "tpm2_unseal"
	}
	if len(s.TPM.DevicePaths) == 0 {
		s.TPM.DevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}
	}
	if s.TPM.IdentityHandle == "" {
		s.TPM.IdentityHandle = "0x81000001"
	}
	if s.Cipher.Backend == "" {
		s.Cipher.Backend = CipherBackendOpenSSL
	}
	if s.Cipher.OpenSSLPath == "" {
		s.Cipher.OpenSSLPath = "openssl"
	}
	if s.KeyFile.ErasePasses == 0 {
		s.KeyFile.ErasePasses = 10
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Encoding == "" {
		s.Log.Encoding = "json"
	}
	if s.License.Host == "" {
		s.License.Host = "api.keygen.sh"
	}
	if s.License.Timeout == 0 {
		s.License.Timeout = 15 * time.Second
	}
}

func (s *Settings) Validate() error {
	switch strings.ToLower(s.TPM.Backend) {
	case TPMBackendTool, TPMBackendDevice:
	default:
		return errors.Errorf("config: unknown TPM backend %q", s.TPM.Backend)
	}
	switch strings.ToLower(s.Cipher.Backend) {
	case CipherBackendOpenSSL, CipherBackendNative:
	default:
		return errors.Errorf("config: unknown cipher backend %q", s.Cipher.Backend)
	}
	if s.KeyFile.ErasePasses < 1 {
		return errors.Errorf("config: erase passes must be positive, got %d", s.KeyFile.ErasePasses)
	}
	if s.License.MaxRetries < 0 {
		return errors.Errorf("config: license max retries must not be negative, got %d", s.License.MaxRetries)
	}
	return nil
}
