package syncer

import "errors"

var (
	// ErrNotAuthenticated is returned when no credential is stored. No
	// network call was made.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSyncInProgress is returned by SyncNow while another manual sync
	// is running. The call did nothing.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrTornDown is returned when a request completed after Logout. Its
	// result was discarded.
	ErrTornDown = errors.New("session torn down")
)
