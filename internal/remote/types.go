package remote

import "encoding/json"

// Auth identifies the caller on every request.
type Auth struct {
	Token     string
	SessionID string
}

// UploadRequest is the body of POST /sync/upload.
type UploadRequest struct {
	AccountID string                     `json:"accountId"`
	Data      map[string]json.RawMessage `json:"data"`
	Deletions map[string][]string        `json:"deletions"`
	Timestamp int64                      `json:"timestamp"`
	SessionID string                     `json:"sessionId"`
}

// UploadResponse is the optional body of a successful upload.
type UploadResponse struct {
	SessionActive *bool `json:"sessionActive,omitempty"`
}

// DownloadRequest selects what GET /sync/download returns.
type DownloadRequest struct {
	AccountID string
	// Since is epoch ms. Zero asks for everything.
	Since int64
	// Claim takes over the account's authoritative session.
	Claim bool
}

// DownloadResponse is the body of GET /sync/download.
type DownloadResponse struct {
	Data map[string]json.RawMessage `json:"data"`
	// Timestamp is the server clock in epoch ms. It may be absent.
	Timestamp     *int64 `json:"timestamp,omitempty"`
	SessionActive *bool  `json:"sessionActive,omitempty"`
}

// CloseRequest is the body of POST /sync/close.
type CloseRequest struct {
	AccountID string `json:"accountId"`
}

// Bool returns a pointer to v, for building responses.
func Bool(v bool) *bool { return &v }

// Int64 returns a pointer to v, for building responses.
func Int64(v int64) *int64 { return &v }
