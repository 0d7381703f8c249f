package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
)

// occupy makes another session the authoritative one for account.
func occupy(t *testing.T, client remote.Client, token, account string) {
	t.Helper()
	_, err := client.Download(context.Background(),
		remote.Auth{Token: token, SessionID: "other-device"},
		remote.DownloadRequest{AccountID: account})
	require.NoError(t, err)
}

func TestConflict_Claim(t *testing.T) {
	srv, client := remoteService(t)
	h := newHarness(t, client, Options{Resolver: StaticResolver(DecisionClaim)})
	ctx := context.Background()

	token, err := srv.IssueToken("acct")
	require.NoError(t, err)
	occupy(t, client, token, "acct")
	srv.Put("acct", "expenses", json.RawMessage(`[{"id":"remote","ts":1}]`))

	h.signIn(t, token, "acct")
	h.put(t, ledger.Expenses, `{"id":"local","ts":2}`)

	err = h.engine.Upload(ctx)
	assert.ErrorIs(t, err, remote.ErrSessionConflict)

	session, err := h.ledger.SessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, session, srv.Session("acct"), "claim takes the session over")

	expenses, _ := h.get(t, "expenses")
	assert.JSONEq(t, `[{"id":"remote","ts":1}]`, expenses, "claim reloads everything")

	assert.Equal(t, 1, h.events.Count(broadcast.MessageTypeConflict))
	assert.Equal(t, 1, h.events.Count(broadcast.MessageTypeDataReloaded))
}

func TestConflict_Relinquish(t *testing.T) {
	srv, client := remoteService(t)
	var relinquished atomic.Bool
	h := newHarness(t, client, Options{
		Resolver:     StaticResolver(DecisionRelinquish),
		OnRelinquish: func() { relinquished.Store(true) },
	})
	ctx := context.Background()

	token, err := srv.IssueToken("acct")
	require.NoError(t, err)
	occupy(t, client, token, "acct")

	h.signIn(t, token, "acct")
	h.put(t, ledger.Expenses, `{"id":"local","ts":2}`)

	err = h.engine.Download(ctx, 0)
	assert.ErrorIs(t, err, remote.ErrSessionConflict)

	assert.True(t, relinquished.Load())
	_, ok, err := h.ledger.Credential(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = h.get(t, "expenses")
	assert.False(t, ok)
	assert.Equal(t, "other-device", srv.Session("acct"), "the other session keeps the account")
	assert.Equal(t, 1, h.events.Count(broadcast.MessageTypeLogout))
}

func TestConflict_OnePromptAtATime(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	enter := once(entered)
	var calls atomic.Int32

	resolver := ResolverFunc(func(ctx context.Context) (Decision, error) {
		calls.Add(1)
		enter()
		<-release
		return 0, errors.New("dismissed")
	})

	fake := &fakeRemote{onUpload: func(remote.UploadRequest) error { return remote.ErrSessionConflict }}
	h := newHarness(t, fake, Options{Resolver: resolver})
	ctx := context.Background()
	h.signIn(t, "tok", "acct")

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Upload(ctx) }()
	<-entered

	// A second conflict while the first is pending does not prompt again.
	assert.ErrorIs(t, h.engine.Upload(ctx), remote.ErrSessionConflict)
	assert.Equal(t, int32(1), calls.Load())

	// Automatic uploads pause meanwhile.
	u, _, _ := fake.counts()
	h.engine.debounced()
	u2, _, _ := fake.counts()
	assert.Equal(t, u, u2)

	close(release)
	assert.ErrorIs(t, <-errc, remote.ErrSessionConflict)

	// Unresolved: the credential stays and nothing was reloaded.
	_, ok, err := h.ledger.Credential(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, h.events.Count(broadcast.MessageTypeConflict))
}

func TestLogin_Relinquished(t *testing.T) {
	srv, client := remoteService(t)
	h := newHarness(t, client, Options{Resolver: StaticResolver(DecisionRelinquish)})
	ctx := context.Background()

	token, err := srv.IssueToken("acct")
	require.NoError(t, err)
	occupy(t, client, token, "acct")

	err = h.engine.Login(ctx, ledger.Credential{Token: token, Account: "acct"})
	assert.ErrorIs(t, err, remote.ErrSessionConflict)
	assert.False(t, h.engine.Running())
}
