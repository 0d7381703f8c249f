package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Decision is the answer to a session conflict.
type Decision int

const (
	// DecisionClaim makes this session authoritative and reloads all data
	// from the remote.
	DecisionClaim Decision = iota
	// DecisionRelinquish gives the account up and logs this session out.
	DecisionRelinquish
)

// String returns the decision's name.
func (d Decision) String() string {
	switch d {
	case DecisionClaim:
		return "claim"
	case DecisionRelinquish:
		return "relinquish"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ParseDecision parses "claim" or "relinquish".
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "claim":
		return DecisionClaim, nil
	case "relinquish":
		return DecisionRelinquish, nil
	default:
		return 0, fmt.Errorf("unknown conflict decision %q (want claim or relinquish)", s)
	}
}

// Resolver decides what to do when the remote reports that another session
// owns the account. Resolve may block, typically on a user prompt. An error
// leaves the conflict unresolved; the next sync runs into it again.
type Resolver interface {
	Resolve(ctx context.Context) (Decision, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (Decision, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context) (Decision, error) {
	return f(ctx)
}

// StaticResolver always returns d.
func StaticResolver(d Decision) Resolver {
	return ResolverFunc(func(context.Context) (Decision, error) {
		return d, nil
	})
}

// handleConflict asks the resolver and carries out its decision. Concurrent
// conflicts collapse into the one already being resolved.
func (e *Engine) handleConflict(ctx context.Context) {
	if !e.resolving.CompareAndSwap(false, true) {
		e.logger.Debug("session conflict already being resolved")
		return
	}
	defer e.resolving.Store(false)

	e.logger.Warn("another session owns this account")

	decision, err := e.resolver.Resolve(ctx)
	if err != nil {
		e.logger.Warn("session conflict left unresolved", zap.Error(err))
		return
	}
	e.logger.Info("resolving session conflict", zap.Stringer("decision", decision))
	e.notify.Conflict(decision.String())

	switch decision {
	case DecisionClaim:
		if err := e.download(ctx, 0, true); err != nil {
			e.logger.Warn("reload after claiming session failed", zap.Error(err))
			e.notify.SyncFailed("claim", err)
			return
		}
		e.notify.DataReloaded()

	case DecisionRelinquish:
		if err := e.Logout(ctx); err != nil {
			e.logger.Warn("logout after relinquishing session failed", zap.Error(err))
		}
		if e.onRelinquish != nil {
			e.onRelinquish()
		}
	}
}
