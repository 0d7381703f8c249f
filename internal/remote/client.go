package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Client is the sync service as seen by the engine.
type Client interface {
	// Upload sends the full local state.
	Upload(ctx context.Context, auth Auth, req UploadRequest) error

	// Download fetches the keys changed since req.Since.
	Download(ctx context.Context, auth Auth, req DownloadRequest) (*DownloadResponse, error)

	// CloseSession releases the account's authoritative session.
	CloseSession(ctx context.Context, auth Auth, accountID string) error
}

// SessionHeader carries the caller's session id.
const SessionHeader = "X-Session-ID"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	// RetryAttempts is how many extra attempts an unavailable service gets.
	RetryAttempts int
	// RetryBase is the first backoff delay. Zero means 500ms.
	RetryBase time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient talks to the sync service over HTTP/JSON.
type HTTPClient struct {
	base          *url.URL
	http          *http.Client
	timeout       time.Duration
	retryAttempts int
	retryBase     time.Duration
	logger        *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the service at baseURL.
func NewHTTPClient(baseURL string, opts HTTPOptions) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		base:          base,
		http:          opts.HTTPClient,
		timeout:       opts.Timeout,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		logger:        opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.retryAttempts < 0 {
		c.retryAttempts = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = 500 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("remote")
	return c, nil
}

// Upload implements Client.
func (c *HTTPClient) Upload(ctx context.Context, auth Auth, req UploadRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode upload: %w", err)
	}

	var resp UploadResponse
	if err := c.do(ctx, "upload", http.MethodPost, "/sync/upload", nil, auth, body, &resp, true); err != nil {
		return err
	}
	if resp.SessionActive != nil && !*resp.SessionActive {
		return fmt.Errorf("upload: %w", ErrSessionConflict)
	}
	return nil
}

// Download implements Client.
func (c *HTTPClient) Download(ctx context.Context, auth Auth, req DownloadRequest) (*DownloadResponse, error) {
	q := url.Values{}
	q.Set("accountId", req.AccountID)
	q.Set("since", strconv.FormatInt(req.Since, 10))
	if req.Claim {
		q.Set("claim", "1")
	}

	var resp DownloadResponse
	if err := c.do(ctx, "download", http.MethodGet, "/sync/download", q, auth, nil, &resp, false); err != nil {
		return nil, err
	}
	if resp.SessionActive != nil && !*resp.SessionActive {
		return nil, fmt.Errorf("download: %w", ErrSessionConflict)
	}
	if resp.Data == nil {
		resp.Data = map[string]json.RawMessage{}
	}
	return &resp, nil
}

// CloseSession implements Client.
func (c *HTTPClient) CloseSession(ctx context.Context, auth Auth, accountID string) error {
	body, err := json.Marshal(CloseRequest{AccountID: accountID})
	if err != nil {
		return fmt.Errorf("failed to encode close: %w", err)
	}
	return c.do(ctx, "close", http.MethodPost, "/sync/close", nil, auth, body, nil, true)
}

// do runs one logical call, retrying while the service is unavailable.
// A nil out discards the response body. emptyOK allows a 2xx with no body.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values,
	auth Auth, body []byte, out any, emptyOK bool) error {

	backoff := retry.WithMaxRetries(uint64(c.retryAttempts), retry.NewExponential(c.retryBase))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, op, method, path, query, auth, body, out, emptyOK)
		if errors.Is(err, ErrUnavailable) {
			if attempt <= c.retryAttempts {
				c.logger.Debug("retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			}
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) once(ctx context.Context, op, method, path string, query url.Values,
	auth Auth, body []byte, out any, emptyOK bool) error {

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	req.Header.Set(SessionHeader, auth.SessionID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request complete",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			kind:       statusKind(resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if emptyOK {
			return nil
		}
		return fmt.Errorf("%s: %w: empty body", op, ErrBadResponse)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrBadResponse, err)
	}
	return nil
}
