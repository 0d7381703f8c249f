package syncer

import (
	"context"

	"github.com/tallybook/tally/internal/ledger"
)

// Syncer is the set of operations the CLI and the daemon drive.
//
// Every method that talks to the remote service first checks for a stored
// credential and returns ErrNotAuthenticated without any network call when
// there is none.
type Syncer interface {
	// Upload sends the whole local state in one request.
	//
	// On success the last sync timestamp advances to the request time. On
	// failure local state is untouched. Repeating an Upload with no local
	// change in between is harmless.
	Upload(ctx context.Context) error

	// Download fetches the keys changed since the given epoch millisecond
	// timestamp and replaces each of them locally. Zero asks for everything.
	//
	// Keys absent from the response are left alone. On failure nothing is
	// written and the last sync timestamp stays where it was.
	Download(ctx context.Context, since int64) error

	// FullDownload is Download(ctx, 0).
	FullDownload(ctx context.Context) error

	// SyncNow runs one upload-then-download pass for a user request.
	//
	// At most one SyncNow runs at a time: a call made while another is in
	// flight returns ErrSyncInProgress at once and sends nothing. A failed
	// upload is returned without attempting the download.
	SyncNow(ctx context.Context) error

	// Start enters the periodic loop: one immediate pass, then one per sync
	// interval until Stop, Logout or a tick that finds no credential.
	// Starting a running loop is a no-op.
	Start(ctx context.Context)

	// Stop leaves the periodic loop and cancels a pending debounced upload.
	Stop()

	// Login stores cred, reconciles with a full download and starts
	// watching local writes and the periodic loop.
	Login(ctx context.Context, cred ledger.Credential) error

	// Logout tears the session down. The courtesy calls to the remote may
	// fail; local cleanup always completes.
	Logout(ctx context.Context) error
}

var _ Syncer = (*Engine)(nil)
