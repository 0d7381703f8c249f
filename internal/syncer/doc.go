// Package syncer keeps the local finance store and the remote sync service
// in step.
//
// # Overview
//
// An Engine owns every piece of sync state for one signed-in session: the
// debounce timer that turns local writes into uploads, the periodic
// upload-then-download loop, the single-flight flag of the manual trigger and
// the pending-conflict flag. Nothing is global; tearing the Engine down with
// Logout releases all of it.
//
// # Data flow
//
// Local writes go through the ledger into the store. The engine subscribes to
// the store and restarts a single debounce timer for every write to a
// monitored key made locally or by another process. When the timer elapses
// one upload is sent carrying every collection, the budget and the whole
// tombstone ledger.
//
// Downloads replace each collection present in the response wholesale and
// leave the others untouched. They are written with store.SourceSync, so they
// never schedule an upload of their own.
//
// # Failures
//
// Without a credential every operation fails fast with ErrNotAuthenticated
// and makes no network call; the debounce and periodic paths treat that as a
// quiet no-op. Network failures leave local state untouched and are retried
// only by the next natural trigger (debounce, tick or manual sync).
//
// A session conflict reported by the remote is handed to a Resolver. Claiming
// reloads everything from the remote with claim set; relinquishing logs out.
// Only one conflict is resolved at a time and automatic syncs pause while it
// is pending.
//
// # Usage
//
//	eng, err := syncer.New(st, led, client, syncer.Options{
//	    Notifier: broadcast.NewNotifier(srv, logger),
//	    Resolver: syncer.StaticResolver(syncer.DecisionClaim),
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Resume(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
package syncer
