// Package license validates license keys against the Keygen API, scoped to
// a machine fingerprint.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantumauth-io/tpm-decrypt/log"
	"github.com/quantumauth-io/tpm-decrypt/retry"
)

const (
	DefaultHost    = "api.keygen.sh"
	DefaultTimeout = 15 * time.Second

	mediaType = "application/vnd.api+json"

	// responses larger than this are not a validation result
	maxResponseSize = 1 << 20
)

var (
	ErrAccountRequired     = errors.New("license: account ID is required")
	ErrKeyRequired         = errors.New("license: license key is required")
	ErrFingerprintRequired = errors.New("license: fingerprint is required")
)

// Result is the outcome of a validation the API was able to evaluate.
// Valid=false with a Code such as "FINGERPRINT_SCOPE_MISMATCH" or "EXPIRED"
// is not an error.
type Result struct {
	Valid  bool   `json:"valid"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// APIError is the first entry of a JSON:API "errors" document.
type APIError struct {
	Status int    `json:"-"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("license: %s - %s (code: %s)", e.Title, e.Detail, e.Code)
}

// Validator checks a license key for a machine.
type Validator interface {
	ValidateKey(ctx context.Context, licenseKey, fingerprint string) (*Result, error)
}

type Config struct {
	AccountID  string
	Host       string
	Timeout    time.Duration
	MaxRetries int32
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	endpoint   string
	http       *http.Client
	maxRetries int32
	logger     *zap.Logger
}

var _ Validator = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.AccountID == "" {
		return nil, ErrAccountRequired
	}
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	base, err := baseURL(host)
	if err != nil {
		return nil, err
	}
	base.Path = "/v1/accounts/" + url.PathEscape(cfg.AccountID) + "/licenses/actions/validate-key"

	return &Client{
		endpoint:   base.String(),
		http:       httpClient,
		maxRetries: cfg.MaxRetries,
		logger:     log.OrGlobal(cfg.Logger),
	}, nil
}

// baseURL defaults to https; an explicit http:// host is allowed for tests
// and local mirrors.
func baseURL(host string) (*url.URL, error) {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, errors.Wrapf(err, "license: invalid host %q", host)
	}
	if u.Host == "" {
		return nil, errors.Errorf("license: invalid host %q", host)
	}
	return u, nil
}

type validateRequest struct {
	Meta validateMeta `json:"meta"`
}

type validateMeta struct {
	Key   string        `json:"key"`
	Scope validateScope `json:"scope"`
}

type validateScope struct {
	Fingerprint string `json:"fingerprint"`
}

type validateResponse struct {
	Meta   *Result    `json:"meta"`
	Errors []APIError `json:"errors"`
}

// retryableError marks transport failures and 5xx answers.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// ValidateKey posts the key and fingerprint to validate-key. API errors are
// returned as *APIError and are not retried; transport errors and server
// errors are retried up to MaxRetries times.
func (c *Client) ValidateKey(ctx context.Context, licenseKey, fingerprint string) (*Result, error) {
	if licenseKey == "" {
		return nil, ErrKeyRequired
	}
	if fingerprint == "" {
		return nil, ErrFingerprintRequired
	}
	body, err := json.Marshal(validateRequest{Meta: validateMeta{
		Key:   licenseKey,
		Scope: validateScope{Fingerprint: fingerprint},
	}})
	if err != nil {
		return nil, errors.Wrap(err, "license: encode request")
	}

	cfg := retry.Bounded(c.maxRetries)
	cfg.InitialDelayBeforeRetrying = 200 * time.Millisecond
	cfg.MaxDelayBeforeRetrying = 2 * time.Second

	res, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			r, err := c.post(ctx, body)
			if err != nil {
				return nil, err
			}
			return []interface{}{r}, nil
		},
		isRetryable,
		"License Validation",
	)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, errors.Wrap(err, "license: validate key")
	}

	result := res[0].(*Result)
	c.logger.Info("license validated",
		zap.Bool("valid", result.Valid),
		zap.String("code", result.Code),
		zap.String("fingerprint", fingerprint))
	return result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", mediaType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retryableError{err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, retryableError{errors.Wrap(err, "read response")}
	}

	var doc validateResponse
	decodeErr := json.Unmarshal(raw, &doc)
	if decodeErr == nil && len(doc.Errors) > 0 {
		apiErr := doc.Errors[0]
		apiErr.Status = resp.StatusCode
		return nil, &apiErr
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retryableError{errors.Errorf("server error: %s", resp.Status)}
	}
	if decodeErr != nil {
		return nil, errors.Wrapf(decodeErr, "decode response (%s)", resp.Status)
	}
	if doc.Meta == nil {
		return nil, errors.Errorf("response without meta (%s)", resp.Status)
	}
	return doc.Meta, nil
}
