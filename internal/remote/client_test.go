package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripperFunc lets a test stand in for the network.
type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, fn roundTripperFunc, opts HTTPOptions) *HTTPClient {
	t.Helper()

	opts.HTTPClient = &http.Client{Transport: fn}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	c, err := NewHTTPClient("http://sync.test", opts)
	require.NoError(t, err)
	return c
}

func respond(status int, body string) roundTripperFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     http.Header{},
		}, nil
	}
}

var testAuth = Auth{Token: "tok", SessionID: "sess-1"}

func TestNewHTTPClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://x", "::not a url", "sync.example.com"} {
		_, err := NewHTTPClient(raw, HTTPOptions{})
		assert.Error(t, err, raw)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		rt   roundTripperFunc
		want error
	}{
		{"401", respond(401, "no"), ErrUnauthorized},
		{"403", respond(403, ""), ErrUnauthorized},
		{"409", respond(409, "taken"), ErrSessionConflict},
		{"500", respond(500, "boom"), ErrUnavailable},
		{"503", respond(503, ""), ErrUnavailable},
		{"network", func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}, ErrUnavailable},
		{"bad json", respond(200, "not-json"), ErrBadResponse},
		{"empty download body", respond(200, ""), ErrBadResponse},
		{"inactive session", respond(200, `{"data":{},"sessionActive":false}`), ErrSessionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.rt, HTTPOptions{})
			_, err := c.Download(context.Background(), testAuth, DownloadRequest{AccountID: "a"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	c := newTestClient(t, respond(400, "bad request\n"), HTTPOptions{})
	err := c.Upload(context.Background(), testAuth, UploadRequest{AccountID: "a"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 400, se.StatusCode)
	assert.Equal(t, "upload: status 400: bad request", err.Error())
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestUpload_EmptyBodyIsSuccess(t *testing.T) {
	c := newTestClient(t, respond(204, ""), HTTPOptions{})
	assert.NoError(t, c.Upload(context.Background(), testAuth, UploadRequest{AccountID: "a"}))

	c = newTestClient(t, respond(200, `{"sessionActive":false}`), HTTPOptions{})
	assert.ErrorIs(t, c.Upload(context.Background(), testAuth, UploadRequest{AccountID: "a"}), ErrSessionConflict)
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		status    int
		wantCalls int32
	}{
		{"no retry by default", 0, 503, 1},
		{"retries unavailable", 2, 503, 3},
		{"never retries unauthorized", 2, 401, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			rt := func(req *http.Request) (*http.Response, error) {
				calls.Add(1)
				return respond(tt.status, "")(req)
			}
			c := newTestClient(t, rt, HTTPOptions{RetryAttempts: tt.attempts})
			err := c.CloseSession(context.Background(), testAuth, "a")
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestRetry_RecoversAfterOutage(t *testing.T) {
	var calls atomic.Int32
	rt := func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("reset by peer")
		}
		return respond(200, `{"data":{"expenses":[]},"timestamp":7}`)(req)
	}
	c := newTestClient(t, rt, HTTPOptions{RetryAttempts: 1})

	resp, err := c.Download(context.Background(), testAuth, DownloadRequest{AccountID: "a"})
	require.NoError(t, err)
	require.NotNil(t, resp.Timestamp)
	assert.Equal(t, int64(7), *resp.Timestamp)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, HTTPOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Download(context.Background(), testAuth, DownloadRequest{AccountID: "a"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWireFormat(t *testing.T) {
	type seen struct {
		method, path, query, auth, session string
		body                               map[string]any
	}
	var (
		mu  sync.Mutex
		got []seen
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{
			method:  r.Method,
			path:    r.URL.Path,
			query:   r.URL.RawQuery,
			auth:    r.Header.Get("Authorization"),
			session: r.Header.Get(SessionHeader),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&s.body)
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()

		if r.URL.Path == "/api/sync/download" {
			_, _ = w.Write([]byte(`{"data":{"expenses":[{"id":"x","ts":1}]},"timestamp":2000}`))
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL+"/api/", HTTPOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Upload(ctx, testAuth, UploadRequest{
		AccountID: "acct",
		Data:      map[string]json.RawMessage{"expenses": json.RawMessage(`[]`)},
		Deletions: map[string][]string{"expenses": {"old"}},
		Timestamp: 1234,
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	resp, err := c.Download(ctx, testAuth, DownloadRequest{AccountID: "acct", Since: 99, Claim: true})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"x","ts":1}]`, string(resp.Data["expenses"]))
	assert.Equal(t, int64(2000), *resp.Timestamp)
	assert.Nil(t, resp.SessionActive)

	require.NoError(t, c.CloseSession(ctx, testAuth, "acct"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)

	assert.Equal(t, "POST", got[0].method)
	assert.Equal(t, "/api/sync/upload", got[0].path)
	assert.Equal(t, "Bearer tok", got[0].auth)
	assert.Equal(t, "sess-1", got[0].session)
	assert.Equal(t, map[string]any{
		"accountId": "acct",
		"data":      map[string]any{"expenses": []any{}},
		"deletions": map[string]any{"expenses": []any{"old"}},
		"timestamp": float64(1234),
		"sessionId": "sess-1",
	}, got[0].body)

	assert.Equal(t, "GET", got[1].method)
	assert.Equal(t, "/api/sync/download", got[1].path)
	assert.Equal(t, "accountId=acct&claim=1&since=99", got[1].query)

	assert.Equal(t, "/api/sync/close", got[2].path)
	assert.Equal(t, map[string]any{"accountId": "acct"}, got[2].body)
}

func TestAccountFromToken(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "acct-42"}).
		SignedString([]byte("any secret"))
	require.NoError(t, err)

	account, err := AccountFromToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "acct-42", account)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": 1}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = AccountFromToken(noSub)
	assert.Error(t, err)

	_, err = AccountFromToken("not.a.jwt")
	assert.Error(t, err)
}
