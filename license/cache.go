package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
)

// Cache stores opaque values with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedValidator remembers valid results for ttl so repeated decryptions do
// not hit the API. Invalid results and errors are never cached. Cache
// outages degrade to calling the inner validator.
type CachedValidator struct {
	inner  Validator
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

var _ Validator = (*CachedValidator)(nil)

func NewCachedValidator(inner Validator, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedValidator {
	return &CachedValidator{inner: inner, cache: cache, ttl: ttl, logger: log.OrGlobal(logger)}
}

// cacheKey never contains the license key itself.
func cacheKey(licenseKey, fingerprint string) string {
	sum := sha256.Sum256([]byte(licenseKey + "\x00" + fingerprint))
	return "license:" + hex.EncodeToString(sum[:])
}

func (v *CachedValidator) ValidateKey(ctx context.Context, licenseKey, fingerprint string) (*Result, error) {
	if v.cache == nil || v.ttl <= 0 {
		return v.inner.ValidateKey(ctx, licenseKey, fingerprint)
	}
	key := cacheKey(licenseKey, fingerprint)

	raw, ok, err := v.cache.Get(ctx, key)
	switch {
	case err != nil:
		v.logger.Warn("license cache read failed", zap.Error(err))
	case ok:
		var cached Result
		if err := json.Unmarshal(raw, &cached); err == nil && cached.Valid {
			return &cached, nil
		}
	}

	result, err := v.inner.ValidateKey(ctx, licenseKey, fingerprint)
	if err != nil || !result.Valid {
		return result, err
	}

	if b, err := json.Marshal(result); err == nil {
		if err := v.cache.Set(ctx, key, b, v.ttl); err != nil {
			v.logger.Warn("license cache write failed", zap.Error(err))
		}
	}
	return result, nil
}
