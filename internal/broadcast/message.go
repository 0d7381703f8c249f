// Package broadcast tells other observers of the local store that its
// contents changed.
//
// The engine publishes Messages through a Broadcaster. The websocket Server
// fans them out to connected clients (other CLI processes, UIs) so they can
// re-read the store. Recorder keeps them in memory for tests.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"
)

// MessageType defines the type of broadcast message
type MessageType string

const (
	// MessageTypeDataChanged indicates a download replaced local keys
	MessageTypeDataChanged MessageType = "data_changed"

	// MessageTypeDataReloaded indicates local data was reloaded after claiming a session
	MessageTypeDataReloaded MessageType = "data_reloaded"

	// MessageTypeAuthChanged indicates a login or logout
	MessageTypeAuthChanged MessageType = "auth_changed"

	// MessageTypeLogout indicates the session was torn down
	MessageTypeLogout MessageType = "logout"

	// MessageTypeSyncComplete indicates an upload/download pass succeeded
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncFailed indicates an upload or download failed
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeConflict indicates another session holds the account
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeHello is sent to each client when it connects
	MessageTypeHello MessageType = "hello"
)

// Message represents a broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DataChangedData lists the keys a download replaced
type DataChangedData struct {
	Keys []string `json:"keys"`
	Full bool     `json:"full"`
}

// AuthChangedData describes the new authentication state
type AuthChangedData struct {
	Authenticated bool   `json:"authenticated"`
	Account       string `json:"account,omitempty"`
}

// SyncCompleteData describes a finished sync pass
type SyncCompleteData struct {
	Trigger  string        `json:"trigger"` // periodic, manual, login
	LastSync int64         `json:"last_sync"`
	Duration time.Duration `json:"duration"`
}

// SyncFailedData describes a failed sync step
type SyncFailedData struct {
	Op    string `json:"op"` // upload, download
	Error string `json:"error"`
}

// ConflictData carries the decision taken for a session conflict
type ConflictData struct {
	Decision string `json:"decision,omitempty"`
}

// NewMessage builds a message of type t with data encoded as JSON. A nil data
// leaves Data empty.
func NewMessage(t MessageType, data any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = raw
	return msg, nil
}

// Broadcaster publishes messages. Broadcast never blocks on slow consumers.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Broadcast(Message) {}

// Multi fans a message out to several broadcasters.
type Multi []Broadcaster

func (m Multi) Broadcast(msg Message) {
	for _, b := range m {
		b.Broadcast(msg)
	}
}

// Recorder keeps every message it is given. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Broadcast(msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Types returns the recorded message types in order.
func (r *Recorder) Types() []MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]MessageType, len(r.messages))
	for i, m := range r.messages {
		types[i] = m.Type
	}
	return types
}

// Count returns how many messages of type t were recorded.
func (r *Recorder) Count(t MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Type == t {
			n++
		}
	}
	return n
}

// Reset forgets all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
