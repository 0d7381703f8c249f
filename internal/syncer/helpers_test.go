package syncer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/remote/devserver"
	"github.com/tallybook/tally/internal/store"
)

// fakeRemote records every call. Hooks run outside the lock so they may
// block.
type fakeRemote struct {
	mu        sync.Mutex
	uploads   []remote.UploadRequest
	downloads []remote.DownloadRequest
	closes    int

	onUpload   func(remote.UploadRequest) error
	onDownload func(remote.DownloadRequest) (*remote.DownloadResponse, error)
	onClose    func() error
}

var _ remote.Client = (*fakeRemote)(nil)

func (f *fakeRemote) Upload(_ context.Context, _ remote.Auth, req remote.UploadRequest) error {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	hook := f.onUpload
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return nil
}

func (f *fakeRemote) Download(_ context.Context, _ remote.Auth, req remote.DownloadRequest) (*remote.DownloadResponse, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, req)
	hook := f.onDownload
	f.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return &remote.DownloadResponse{Data: map[string]json.RawMessage{}}, nil
}

func (f *fakeRemote) CloseSession(context.Context, remote.Auth, string) error {
	f.mu.Lock()
	f.closes++
	hook := f.onClose
	f.mu.Unlock()

	if hook != nil {
		return hook()
	}
	return nil
}

func (f *fakeRemote) counts() (uploads, downloads, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads), len(f.downloads), f.closes
}

func (f *fakeRemote) lastUpload() remote.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[len(f.uploads)-1]
}

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	store  *store.Store
	events *broadcast.Recorder
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 50 * time.Millisecond,
		SyncInterval:     time.Hour,
		RequestTimeout:   2 * time.Second,
	}
}

func newHarness(t *testing.T, client remote.Client, opts Options) *harness {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tally.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led := ledger.New(st, nil)
	rec := &broadcast.Recorder{}

	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Notifier == nil {
		opts.Notifier = broadcast.NewNotifier(rec, nil)
	}

	eng, err := New(st, led, client, opts)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	return &harness{engine: eng, ledger: led, store: st, events: rec}
}

func (h *harness) signIn(t *testing.T, token, account string) {
	t.Helper()
	require.NoError(t, h.ledger.SetCredential(context.Background(), ledger.Credential{Token: token, Account: account}))
}

func (h *harness) put(t *testing.T, c ledger.Collection, rec string) {
	t.Helper()
	require.NoError(t, h.ledger.PutRecord(context.Background(), c, json.RawMessage(rec)))
}

func (h *harness) get(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

// remoteService starts a devserver and returns it with a client for it.
func remoteService(t *testing.T) (*devserver.Server, *remote.HTTPClient) {
	t.Helper()

	srv, err := devserver.New(devserver.Options{Secret: "test-secret"})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := remote.NewHTTPClient(ts.URL, remote.HTTPOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return srv, client
}

// once returns a function that closes ch the first time it is called.
func once(ch chan struct{}) func() {
	var o sync.Once
	return func() { o.Do(func() { close(ch) }) }
}

// pausingKV holds the batch that removes the credential until release is
// closed, so a test can act while a logout is half done.
type pausingKV struct {
	ledger.KV
	enter   func()
	release chan struct{}
}

func (p *pausingKV) Apply(ctx context.Context, b store.Batch) error {
	for _, key := range b.Remove {
		if key == ledger.KeyToken {
			p.enter()
			<-p.release
			break
		}
	}
	return p.KV.Apply(ctx, b)
}
