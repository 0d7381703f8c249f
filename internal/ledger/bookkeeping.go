package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tallybook/tally/internal/store"
	"go.uber.org/zap"
)

// Credential is the remote service identity. Both fields must be present for
// the user to count as authenticated.
type Credential struct {
	Token   string
	Account string
}

// Valid reports whether both parts are set.
func (c Credential) Valid() bool {
	return c.Token != "" && c.Account != ""
}

// Credential returns the stored credential. ok is false unless both the
// token and account keys are present.
func (l *Ledger) Credential(ctx context.Context) (cred Credential, ok bool, err error) {
	token, _, err := l.kv.Get(ctx, KeyToken)
	if err != nil {
		return Credential{}, false, err
	}
	account, _, err := l.kv.Get(ctx, KeyAccount)
	if err != nil {
		return Credential{}, false, err
	}
	cred = Credential{Token: token, Account: account}
	return cred, cred.Valid(), nil
}

// SetCredential stores cred.
//
// The tombstone ledger follows the account. A ledger owned by another account
// is held back under a local key and the new account's held ledger, if any,
// is restored. A ledger without an owner (deletions made while signed out)
// is adopted by cred's account.
func (l *Ledger) SetCredential(ctx context.Context, cred Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("credential needs both a token and an account")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := store.Batch{
		Set: map[string]string{
			KeyToken:   cred.Token,
			KeyAccount: cred.Account,
		},
		Source: store.SourceSync,
	}
	if err := l.switchTombstones(ctx, &batch, cred.Account); err != nil {
		return err
	}
	return l.kv.Apply(ctx, batch)
}

// switchTombstones adds to b the writes that hand the tombstone ledger over
// to account. Callers hold l.mu.
func (l *Ledger) switchTombstones(ctx context.Context, b *store.Batch, account string) error {
	owner, _, err := l.kv.Get(ctx, KeyTombstoneOwner)
	if err != nil {
		return err
	}
	if owner == account {
		return nil
	}

	current, err := l.tombstones(ctx)
	if err != nil {
		return err
	}
	next := map[string][]string{}

	if owner == "" {
		next = current
	} else if n := TombstoneCount(current); n > 0 {
		raw, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to encode tombstones: %w", err)
		}
		b.Set[heldTombstonesKey(owner)] = string(raw)
		l.logger.Info("holding back deletions recorded for another account",
			zap.String("owner", owner), zap.Int("tombstones", n))
	}

	raw, ok, err := l.kv.Get(ctx, heldTombstonesKey(account))
	if err != nil {
		return err
	}
	if ok {
		var held map[string][]string
		if err := json.Unmarshal([]byte(raw), &held); err != nil {
			l.logger.Warn("corrupt held tombstone ledger, dropping it",
				zap.String("account", account), zap.Error(err))
		}
		for c, ids := range held {
			for _, id := range ids {
				addTombstone(next, c, id)
			}
		}
		b.Remove = append(b.Remove, heldTombstonesKey(account))
	}

	if TombstoneCount(next) > 0 {
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode tombstones: %w", err)
		}
		b.Set[KeyTombstones] = string(encoded)
	} else if TombstoneCount(current) > 0 {
		b.Remove = append(b.Remove, KeyTombstones)
	}
	b.Set[KeyTombstoneOwner] = account
	return nil
}

// LastSync returns the last successful sync time in epoch milliseconds, or 0.
func (l *Ledger) LastSync(ctx context.Context) (int64, error) {
	return l.lastSync(ctx)
}

func (l *Ledger) lastSync(ctx context.Context) (int64, error) {
	raw, ok, err := l.kv.Get(ctx, KeyLastSync)
	if err != nil || !ok {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		l.logger.Warn("corrupt last sync timestamp, treating as never synced", zap.String("value", raw))
		return 0, nil
	}
	return ts, nil
}

// AdvanceLastSync records ts as the last sync time unless the stored value is
// already newer. It returns the value in effect afterwards.
func (l *Ledger) AdvanceLastSync(ctx context.Context, ts int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.lastSync(ctx)
	if err != nil {
		return 0, err
	}
	if ts <= last {
		return last, nil
	}
	err = l.kv.Apply(ctx, store.Batch{
		Set:    map[string]string{KeyLastSync: strconv.FormatInt(ts, 10)},
		Source: store.SourceSync,
	})
	if err != nil {
		return last, fmt.Errorf("failed to store last sync: %w", err)
	}
	return ts, nil
}

// SessionID returns the persisted session identifier, creating it on first
// use. Without a stored credential it returns ErrNoCredential and creates
// nothing.
func (l *Ledger) SessionID(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok, err := l.Credential(ctx); err != nil {
		return "", err
	} else if !ok {
		return "", ErrNoCredential
	}

	id, ok, err := l.kv.Get(ctx, KeySessionID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	err = l.kv.Apply(ctx, store.Batch{
		Set:    map[string]string{KeySessionID: id},
		Source: store.SourceSync,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store session id: %w", err)
	}
	return id, nil
}

// Budget returns the budget amount and whether a budget is configured. A
// missing or corrupt amount reads as zero.
func (l *Ledger) Budget(ctx context.Context) (amount decimal.Decimal, configured bool, err error) {
	raw, ok, err := l.kv.Get(ctx, KeyBudgetAmount)
	if err != nil {
		return decimal.Zero, false, err
	}
	if ok {
		amount, err = decimal.NewFromString(strings.Trim(strings.TrimSpace(raw), `"`))
		if err != nil {
			l.logger.Warn("corrupt budget amount, reading as zero", zap.String("value", raw))
			amount = decimal.Zero
		}
	}

	flag, ok, err := l.kv.Get(ctx, KeyBudgetValid)
	if err != nil {
		return decimal.Zero, false, err
	}
	configured = ok && strings.TrimSpace(flag) == "true"
	return amount, configured, nil
}

// SetBudget stores amount and marks the budget as configured.
func (l *Ledger) SetBudget(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("budget must not be negative, got %s", amount)
	}
	return l.kv.Apply(ctx, store.Batch{
		Set: map[string]string{
			KeyBudgetAmount: amount.String(),
			KeyBudgetValid:  "true",
		},
		Source: store.SourceLocal,
	})
}

// Status summarizes the local state for display.
type Status struct {
	Authenticated bool           `json:"authenticated" yaml:"authenticated"`
	Account       string         `json:"account,omitempty" yaml:"account,omitempty"`
	SessionID     string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	LastSync      int64          `json:"lastSync" yaml:"lastSync"`
	Records       map[string]int `json:"records" yaml:"records"`
	Tombstones    int            `json:"tombstones" yaml:"tombstones"`
	Budget        string         `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// Status collects a Status without creating any key.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	var st Status

	cred, ok, err := l.Credential(ctx)
	if err != nil {
		return st, err
	}
	st.Authenticated = ok
	st.Account = cred.Account

	if st.SessionID, _, err = l.kv.Get(ctx, KeySessionID); err != nil {
		return st, err
	}
	if st.LastSync, err = l.LastSync(ctx); err != nil {
		return st, err
	}

	st.Records = make(map[string]int, len(Collections))
	for _, c := range Collections {
		recs, err := l.Records(ctx, c)
		if err != nil {
			return st, err
		}
		st.Records[string(c)] = len(recs)
	}

	tombs, err := l.Tombstones(ctx)
	if err != nil {
		return st, err
	}
	st.Tombstones = TombstoneCount(tombs)

	amount, configured, err := l.Budget(ctx)
	if err != nil {
		return st, err
	}
	if configured {
		st.Budget = amount.String()
	}
	return st, nil
}
