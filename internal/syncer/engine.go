package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/store"
	"go.uber.org/zap"
)

// Config holds engine timing.
type Config struct {
	// DebounceInterval is how long local writes must settle before an
	// upload is sent.
	DebounceInterval time.Duration

	// SyncInterval is the period of the upload-then-download loop.
	SyncInterval time.Duration

	// RequestTimeout bounds every call to the remote service.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 2 * time.Second,
		SyncInterval:     5 * time.Minute,
		RequestTimeout:   30 * time.Second,
	}
}

// Options configures an Engine. Every field is optional.
type Options struct {
	Config *Config

	// Notifier receives engine events (default: discarded).
	Notifier *broadcast.Notifier

	// Resolver answers session conflicts (default: always claim).
	Resolver Resolver

	// OnRelinquish runs after the session was given up and torn down. It
	// must not call Stop.
	OnRelinquish func()

	Logger *zap.Logger

	// Now is the clock used for upload timestamps (default: time.Now).
	Now func() time.Time
}

// Engine synchronizes one local store with the remote service.
type Engine struct {
	obs    store.Observable
	ledger *ledger.Ledger
	client remote.Client
	config Config

	notify       *broadcast.Notifier
	resolver     Resolver
	onRelinquish func()
	logger       *zap.Logger
	now          func() time.Time

	mu sync.Mutex
	// gen changes on every teardown. Requests started under an older
	// generation must not write their results.
	gen         uint64
	observer    *observer
	unsubscribe func()
	loopCancel  context.CancelFunc
	loopDone    chan struct{}

	syncing   atomic.Bool
	resolving atomic.Bool
}

// New creates an Engine. Nothing runs until Login, Resume or Start.
func New(obs store.Observable, led *ledger.Ledger, client remote.Client, opts Options) (*Engine, error) {
	if obs == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}

	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = opts.Config
	}
	if cfg.DebounceInterval <= 0 || cfg.SyncInterval <= 0 || cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("sync intervals must be positive: debounce=%s sync=%s timeout=%s",
			cfg.DebounceInterval, cfg.SyncInterval, cfg.RequestTimeout)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("syncer")

	notify := opts.Notifier
	if notify == nil {
		notify = broadcast.NewNotifier(nil, logger)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = StaticResolver(DecisionClaim)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		obs:          obs,
		ledger:       led,
		client:       client,
		config:       *cfg,
		notify:       notify,
		resolver:     resolver,
		onRelinquish: opts.OnRelinquish,
		logger:       logger,
		now:          now,
	}, nil
}

// auth reads the stored credential and session id.
func (e *Engine) auth(ctx context.Context) (remote.Auth, ledger.Credential, error) {
	cred, ok, err := e.ledger.Credential(ctx)
	if err != nil {
		return remote.Auth{}, cred, fmt.Errorf("failed to read credential: %w", err)
	}
	if !ok {
		return remote.Auth{}, cred, ErrNotAuthenticated
	}
	session, err := e.ledger.SessionID(ctx)
	if errors.Is(err, ledger.ErrNoCredential) {
		// Logged out between the two reads.
		return remote.Auth{}, cred, ErrNotAuthenticated
	}
	if err != nil {
		return remote.Auth{}, cred, err
	}
	return remote.Auth{Token: cred.Token, SessionID: session}, cred, nil
}

// requestContext bounds a remote call. Teardown does not cancel requests
// already sent; their results are dropped by commit instead.
func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.config.RequestTimeout)
}

func (e *Engine) generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// commit runs fn unless a teardown happened since gen was read.
func (e *Engine) commit(gen uint64, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen {
		e.logger.Debug("dropping result of a request that outlived its session")
		return ErrTornDown
	}
	return fn()
}

// Upload implements Syncer.Upload.
func (e *Engine) Upload(ctx context.Context) error {
	err := e.upload(ctx)
	if errors.Is(err, remote.ErrSessionConflict) {
		e.handleConflict(ctx)
	}
	return err
}

func (e *Engine) upload(ctx context.Context) error {
	gen := e.generation()

	auth, cred, err := e.auth(ctx)
	if err != nil {
		return err
	}
	snap, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local state: %w", err)
	}

	ts := e.now().UnixMilli()
	req := remote.UploadRequest{
		AccountID: cred.Account,
		Data:      snap.Data,
		Deletions: snap.Deletions,
		Timestamp: ts,
		SessionID: auth.SessionID,
	}

	rctx, cancel := e.requestContext(ctx)
	defer cancel()
	if err := e.client.Upload(rctx, auth, req); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	err = e.commit(gen, func() error {
		_, err := e.ledger.AdvanceLastSync(ctx, ts)
		return err
	})
	if err != nil {
		return err
	}

	e.logger.Debug("upload complete",
		zap.Int("keys", len(snap.Data)),
		zap.Int("tombstones", ledger.TombstoneCount(snap.Deletions)))
	return nil
}

// Download implements Syncer.Download.
func (e *Engine) Download(ctx context.Context, since int64) error {
	err := e.download(ctx, since, false)
	if errors.Is(err, remote.ErrSessionConflict) {
		e.handleConflict(ctx)
	}
	return err
}

// FullDownload implements Syncer.FullDownload.
func (e *Engine) FullDownload(ctx context.Context) error {
	return e.Download(ctx, 0)
}

func (e *Engine) download(ctx context.Context, since int64, claim bool) error {
	gen := e.generation()

	auth, cred, err := e.auth(ctx)
	if err != nil {
		return err
	}

	rctx, cancel := e.requestContext(ctx)
	defer cancel()
	resp, err := e.client.Download(rctx, auth, remote.DownloadRequest{
		AccountID: cred.Account,
		Since:     since,
		Claim:     claim,
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	syncedAt := e.now().UnixMilli()
	if resp.Timestamp != nil {
		syncedAt = *resp.Timestamp
	}

	var ignored []string
	err = e.commit(gen, func() error {
		var err error
		ignored, err = e.ledger.ApplyRemote(ctx, resp.Data, syncedAt)
		return err
	})
	if err != nil {
		return err
	}
	if len(ignored) > 0 {
		e.logger.Info("ignoring unknown keys from remote", zap.Strings("keys", ignored))
	}

	keys := make([]string, 0, len(resp.Data))
	for key := range resp.Data {
		if ledger.IsDataKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	e.logger.Debug("download complete",
		zap.Int64("since", since),
		zap.Strings("keys", keys),
		zap.Int64("synced_at", syncedAt))
	e.notify.DataChanged(keys, since == 0)
	return nil
}

// SyncNow implements Syncer.SyncNow.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	if _, ok, err := e.ledger.Credential(ctx); err != nil {
		return fmt.Errorf("failed to read credential: %w", err)
	} else if !ok {
		return ErrNotAuthenticated
	}

	return e.pass(ctx, "manual", true)
}

// Syncing reports whether a SyncNow is in flight.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// pass runs upload then download. The download asks for everything changed
// since the last sync as it stood before the upload. With stopOnUpload a
// failed upload ends the pass.
func (e *Engine) pass(ctx context.Context, trigger string, stopOnUpload bool) error {
	start := time.Now()

	since, err := e.ledger.LastSync(ctx)
	if err != nil {
		return err
	}

	upErr := e.Upload(ctx)
	if upErr != nil {
		e.reportFailure("upload", upErr)
		if stopOnUpload {
			return upErr
		}
	}

	downErr := e.Download(ctx, since)
	if downErr != nil {
		e.reportFailure("download", downErr)
		return errors.Join(upErr, downErr)
	}
	if upErr != nil {
		return upErr
	}

	last, err := e.ledger.LastSync(ctx)
	if err != nil {
		return err
	}
	took := time.Since(start)
	e.logger.Info("sync complete",
		zap.String("trigger", trigger),
		zap.Int64("last_sync", last),
		zap.Duration("took", took))
	e.notify.SyncComplete(trigger, last, took)
	return nil
}

// reportFailure logs a failed step. Missing credentials and dropped late
// results are routine and stay quiet.
func (e *Engine) reportFailure(op string, err error) {
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrTornDown) {
		e.logger.Debug("sync step skipped", zap.String("op", op), zap.Error(err))
		return
	}
	e.logger.Warn("sync step failed", zap.String("op", op), zap.Error(err))
	e.notify.SyncFailed(op, err)
}

// debounced runs when local writes have settled.
func (e *Engine) debounced() {
	if e.resolving.Load() {
		e.logger.Debug("session conflict pending, skipping debounced upload")
		return
	}
	if err := e.Upload(context.Background()); err != nil {
		e.reportFailure("upload", err)
	}
}

// watch subscribes the change observer to the store.
func (e *Engine) watch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unsubscribe != nil {
		return
	}
	e.observer = newObserver(e.config.DebounceInterval, e.debounced, e.logger)
	e.unsubscribe = e.obs.Subscribe(e.observer.notify)
}

// Start implements Syncer.Start. The loop also ends when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loopCancel = cancel
	e.loopDone = done

	go e.loop(loopCtx, done)
}

// Running reports whether the periodic loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopCancel != nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.loopExited(done)

	e.logger.Info("periodic sync started", zap.Duration("interval", e.config.SyncInterval))

	if !e.tick(ctx, "start") {
		return
	}

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("periodic sync cancelled")
			return

		case <-ticker.C:
			if !e.tick(ctx, "periodic") {
				return
			}
		}
	}
}

// loopExited clears the loop handle if it still belongs to this loop.
func (e *Engine) loopExited(done chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loopDone == done {
		e.loopCancel()
		e.loopCancel = nil
		e.loopDone = nil
	}
}

// tick runs one periodic pass. It returns false when the loop should end.
func (e *Engine) tick(ctx context.Context, trigger string) bool {
	if ctx.Err() != nil {
		return false
	}
	if e.resolving.Load() {
		e.logger.Debug("session conflict pending, skipping tick")
		return true
	}

	_, ok, err := e.ledger.Credential(ctx)
	if err != nil {
		e.logger.Warn("failed to read credential", zap.Error(err))
		return true
	}
	if !ok {
		e.logger.Info("no credential, stopping periodic sync")
		return false
	}

	// Failures were already reported by pass.
	_ = e.pass(ctx, trigger, false)
	return true
}

// halt stops the loop and the observer without waiting. It returns the
// loop's done channel, or nil if no loop was running.
func (e *Engine) halt() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.observer.stop()
		e.unsubscribe = nil
		e.observer = nil
	}

	done := e.loopDone
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
		e.loopDone = nil
	}
	return done
}

// Stop implements Syncer.Stop. It waits for a running pass to finish.
func (e *Engine) Stop() {
	if done := e.halt(); done != nil {
		<-done
	}
}

// Resume starts watching and the periodic loop for an already stored
// credential.
func (e *Engine) Resume(ctx context.Context) error {
	if _, ok, err := e.ledger.Credential(ctx); err != nil {
		return fmt.Errorf("failed to read credential: %w", err)
	} else if !ok {
		return ErrNotAuthenticated
	}

	e.watch()
	e.Start(ctx)
	return nil
}

// Login implements Syncer.Login. A failed initial download is reported but
// does not undo the login; the loop retries it.
//
// The download runs before any upload, so collections the service holds
// replace local ones written while signed out. Uploading first would let a
// fresh device overwrite the account's whole history for a collection. Local
// collections the service lacks are uploaded by the loop's first pass.
func (e *Engine) Login(ctx context.Context, cred ledger.Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("login needs both a token and an account")
	}
	if err := e.ledger.SetCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if _, err := e.ledger.SessionID(ctx); err != nil {
		return err
	}

	e.logger.Info("logged in", zap.String("account", cred.Account))
	e.notify.AuthChanged(true, cred.Account)

	if err := e.FullDownload(ctx); err != nil {
		e.reportFailure("download", err)
	}

	// A conflict answered with relinquish has already logged out.
	if err := e.Resume(ctx); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return remote.ErrSessionConflict
		}
		return err
	}
	return nil
}

// Logout implements Syncer.Logout.
//
// In order: one last upload and a close-session call, both best effort;
// then stop the loop and the observer, remove every session key and
// announce the change. The tombstone ledger is kept.
func (e *Engine) Logout(ctx context.Context) error {
	if auth, cred, err := e.auth(ctx); err == nil {
		if err := e.upload(ctx); err != nil {
			e.logger.Warn("final upload failed", zap.Error(err))
		}

		rctx, cancel := e.requestContext(ctx)
		if err := e.client.CloseSession(rctx, auth, cred.Account); err != nil {
			e.logger.Warn("failed to close remote session", zap.Error(err))
		}
		cancel()
	} else if !errors.Is(err, ErrNotAuthenticated) {
		e.logger.Warn("skipping remote logout", zap.Error(err))
	}

	e.halt()

	// Clearing and bumping the generation under one lock means a request
	// either commits before the clear or is dropped by commit after it.
	e.mu.Lock()
	clearErr := e.ledger.ClearSession(ctx)
	e.gen++
	e.mu.Unlock()

	if clearErr != nil {
		e.logger.Error("failed to clear session data", zap.Error(clearErr))
		clearErr = fmt.Errorf("failed to clear session data: %w", clearErr)
	}

	e.logger.Info("logged out")
	e.notify.AuthChanged(false, "")
	e.notify.Logout()
	return clearErr
}
