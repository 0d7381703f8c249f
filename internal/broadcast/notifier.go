package broadcast

import (
	"time"

	"go.uber.org/zap"
)

// Notifier formats engine events as messages and hands them to a
// Broadcaster.
type Notifier struct {
	out    Broadcaster
	logger *zap.Logger
}

// NewNotifier returns a Notifier publishing to out. A nil out discards.
func NewNotifier(out Broadcaster, logger *zap.Logger) *Notifier {
	if out == nil {
		out = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{out: out, logger: logger}
}

func (n *Notifier) send(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		n.logger.Error("failed to marshal broadcast data", zap.String("type", string(t)), zap.Error(err))
		return
	}
	n.out.Broadcast(msg)
}

// DataChanged reports that a download replaced keys.
func (n *Notifier) DataChanged(keys []string, full bool) {
	if keys == nil {
		keys = []string{}
	}
	n.send(MessageTypeDataChanged, DataChangedData{Keys: keys, Full: full})
}

// DataReloaded reports a reload after the session was claimed.
func (n *Notifier) DataReloaded() {
	n.send(MessageTypeDataReloaded, nil)
}

// AuthChanged reports a login or logout.
func (n *Notifier) AuthChanged(authenticated bool, account string) {
	n.send(MessageTypeAuthChanged, AuthChangedData{Authenticated: authenticated, Account: account})
}

// Logout reports a completed teardown.
func (n *Notifier) Logout() {
	n.send(MessageTypeLogout, nil)
}

// SyncComplete reports a successful pass.
func (n *Notifier) SyncComplete(trigger string, lastSync int64, took time.Duration) {
	n.send(MessageTypeSyncComplete, SyncCompleteData{Trigger: trigger, LastSync: lastSync, Duration: took})
}

// SyncFailed reports a failed step.
func (n *Notifier) SyncFailed(op string, err error) {
	n.send(MessageTypeSyncFailed, SyncFailedData{Op: op, Error: err.Error()})
}

// Conflict reports a session conflict and how it was resolved.
func (n *Notifier) Conflict(decision string) {
	n.send(MessageTypeConflict, ConflictData{Decision: decision})
}
