// Package prompt asks the user questions on the terminal. Without a terminal
// every question falls back to a configured answer instead of blocking.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/tallybook/tally/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// ErrNotInteractive is returned by Confirm when there is no terminal to ask.
var ErrNotInteractive = errors.New("no terminal to confirm on")

// Interactive reports whether stdin and stdout are both terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ConflictResolver asks which session should own the account. It
// implements syncer.Resolver.
type ConflictResolver struct {
	// Fallback is returned without asking when there is no terminal.
	Fallback syncer.Decision

	// Interactive reports whether asking is possible (default: Interactive).
	Interactive func() bool

	// Ask shows the question (default: a huh select).
	Ask func(ctx context.Context) (syncer.Decision, error)

	Logger *zap.Logger
}

var _ syncer.Resolver = (*ConflictResolver)(nil)

// Resolve implements syncer.Resolver.
func (r *ConflictResolver) Resolve(ctx context.Context) (syncer.Decision, error) {
	interactive := r.Interactive
	if interactive == nil {
		interactive = Interactive
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !interactive() {
		logger.Info("no terminal for conflict prompt, using configured default",
			zap.Stringer("decision", r.Fallback))
		return r.Fallback, nil
	}

	ask := r.Ask
	if ask == nil {
		ask = askConflict
	}
	return ask(ctx)
}

func askConflict(ctx context.Context) (syncer.Decision, error) {
	choice := syncer.DecisionClaim.String()

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("This account is in use on another device").
			Description("Only one device syncs an account at a time.").
			Options(
				huh.NewOption("Use this device and reload data from the server", syncer.DecisionClaim.String()),
				huh.NewOption("Sign out here", syncer.DecisionRelinquish.String()),
			).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return 0, fmt.Errorf("conflict prompt: %w", err)
	}
	return syncer.ParseDecision(choice)
}

// Confirm asks a yes/no question. It returns ErrNotInteractive when there is
// no terminal.
func Confirm(ctx context.Context, title, description string) (bool, error) {
	if !Interactive() {
		return false, ErrNotInteractive
	}

	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
