// Package devserver is an in-memory implementation of the tally sync service.
//
// It backs the engine's integration tests and the "tally devserver" command.
// State lives in memory and is lost on exit.
//
// Semantics:
//   - Tokens are HS256 JWTs whose "sub" claim is the account id. POST /token
//     issues one for any account.
//   - Each stored key remembers when it was last modified. A download with
//     since=N returns only keys modified after N.
//   - Tombstones are kept forever per collection. Uploaded and stored arrays
//     are filtered against them so a deleted id never comes back.
//   - One session per account is authoritative. The first session to sync
//     takes it; a download with claim=1 takes it over; POST /sync/close
//     releases it. Other sessions get 409 on upload and sessionActive:false
//     on download.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	// Secret signs and verifies tokens. Required.
	Secret string
	// TokenTTL is the lifetime of issued tokens. Zero means 24h.
	TokenTTL time.Duration
	// Now overrides the clock.
	Now    func() time.Time
	Logger *zap.Logger
}

type entry struct {
	raw      json.RawMessage
	modified int64
}

type account struct {
	data       map[string]entry
	tombstones map[string][]string
	session    string
}

// Server is the in-memory sync service.
type Server struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*account

	requests atomic.Int64
	failWith atomic.Int32
}

// New returns an empty Server.
func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, errors.New("devserver needs a signing secret")
	}
	s := &Server{
		secret:   []byte(opts.Secret),
		ttl:      opts.TokenTTL,
		now:      opts.Now,
		logger:   opts.Logger,
		accounts: make(map[string]*account),
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("devserver")
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/token", s.handleToken)

	r.Route("/sync", func(r chi.Router) {
		r.Use(s.count)
		r.Use(s.requireAuth)

		r.Post("/upload", s.handleUpload)
		r.Get("/download", s.handleDownload)
		r.Post("/close", s.handleClose)
	})

	return r
}

// IssueToken signs a token for accountID.
func (s *Server) IssueToken(accountID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Server) verify(token string) (string, error) {
	t, err := jwt.Parse(token, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !t.Valid {
		return "", errors.New("invalid token")
	}
	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

// Requests returns how many /sync requests have been received.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// FailWith makes every /sync request fail with status until called with 0.
func (s *Server) FailWith(status int) {
	s.failWith.Store(int32(status))
}

// Data returns a copy of the stored keys of accountID.
func (s *Server) Data(accountID string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]json.RawMessage{}
	if acct, ok := s.accounts[accountID]; ok {
		for k, e := range acct.data {
			out[k] = append(json.RawMessage(nil), e.raw...)
		}
	}
	return out
}

// Tombstones returns a copy of the tombstones of accountID.
func (s *Server) Tombstones(accountID string) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string][]string{}
	if acct, ok := s.accounts[accountID]; ok {
		for c, ids := range acct.tombstones {
			out[c] = append([]string(nil), ids...)
		}
	}
	return out
}

// Session returns the authoritative session of accountID, or "".
func (s *Server) Session(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[accountID]; ok {
		return acct.session
	}
	return ""
}

// Put stores raw under key for accountID as if another device had uploaded
// it.
func (s *Server) Put(accountID, key string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.account(accountID)
	acct.data[key] = entry{raw: acct.filter(key, raw), modified: s.now().UnixMilli()}
}

// account returns the state of id, creating it. Callers hold s.mu.
func (s *Server) account(id string) *account {
	acct, ok := s.accounts[id]
	if !ok {
		acct = &account{
			data:       make(map[string]entry),
			tombstones: make(map[string][]string),
		}
		s.accounts[id] = acct
	}
	return acct
}

// filter drops records of key whose id is tombstoned. Non-array values pass
// through unchanged.
func (a *account) filter(key string, raw json.RawMessage) json.RawMessage {
	dead := a.tombstones[key]
	if len(dead) == 0 {
		return raw
	}
	var recs []json.RawMessage
	if err := json.Unmarshal(raw, &recs); err != nil {
		return raw
	}

	kept := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		h, err := ledger.ParseHeader(rec)
		if err == nil && contains(dead, h.ID) {
			continue
		}
		kept = append(kept, rec)
	}
	if len(kept) == len(recs) {
		return raw
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return raw
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func contextWithAccount(r *http.Request, id string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, id)
}

func accountFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if code := s.failWith.Load(); code != 0 {
			http.Error(w, "injected failure", int(code))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sub, err := s.verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get(remote.SessionHeader) == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithAccount(r, sub)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type tokenReq struct {
	AccountID string `json:"accountId"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		http.Error(w, "accountId required", http.StatusBadRequest)
		return
	}
	token, err := s.IssueToken(req.AccountID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "accountId": req.AccountID})
}

// holds reports whether session may act for acct, taking the session when
// nobody holds it. Callers hold s.mu.
func holds(acct *account, session string) bool {
	if acct.session == "" {
		acct.session = session
	}
	return acct.session == session
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req remote.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.AccountID != accountFrom(r) {
		http.Error(w, "account mismatch", http.StatusForbidden)
		return
	}
	session := r.Header.Get(remote.SessionHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.account(req.AccountID)
	if !holds(acct, session) {
		http.Error(w, "session not active", http.StatusConflict)
		return
	}

	now := s.now().UnixMilli()

	for collection, ids := range req.Deletions {
		for _, id := range ids {
			if !contains(acct.tombstones[collection], id) {
				acct.tombstones[collection] = append(acct.tombstones[collection], id)
			}
		}
	}

	for key, raw := range req.Data {
		acct.data[key] = entry{raw: acct.filter(key, raw), modified: now}
	}

	// Apply new tombstones to keys this upload did not carry.
	for key, e := range acct.data {
		if _, uploaded := req.Data[key]; uploaded {
			continue
		}
		if filtered := acct.filter(key, e.raw); string(filtered) != string(e.raw) {
			acct.data[key] = entry{raw: filtered, modified: now}
		}
	}

	s.logger.Debug("upload",
		zap.String("account", req.AccountID),
		zap.Int("keys", len(req.Data)),
		zap.Int("deletions", countIDs(req.Deletions)))

	writeJSON(w, http.StatusOK, remote.UploadResponse{SessionActive: remote.Bool(true)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("accountId")
	if accountID != accountFrom(r) {
		http.Error(w, "account mismatch", http.StatusForbidden)
		return
	}
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	session := r.Header.Get(remote.SessionHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.account(accountID)
	if q.Get("claim") == "1" {
		if acct.session != session {
			s.logger.Info("session claimed", zap.String("account", accountID))
		}
		acct.session = session
	}
	if !holds(acct, session) {
		writeJSON(w, http.StatusOK, remote.DownloadResponse{
			Data:          map[string]json.RawMessage{},
			SessionActive: remote.Bool(false),
		})
		return
	}

	data := make(map[string]json.RawMessage)
	for key, e := range acct.data {
		if e.modified > since {
			data[key] = e.raw
		}
	}

	writeJSON(w, http.StatusOK, remote.DownloadResponse{
		Data:          data,
		Timestamp:     remote.Int64(s.now().UnixMilli()),
		SessionActive: remote.Bool(true),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req remote.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.AccountID != accountFrom(r) {
		http.Error(w, "account mismatch", http.StatusForbidden)
		return
	}
	session := r.Header.Get(remote.SessionHeader)

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[req.AccountID]; ok && acct.session == session {
		acct.session = ""
	}
	w.WriteHeader(http.StatusNoContent)
}

func countIDs(m map[string][]string) int {
	n := 0
	for _, ids := range m {
		n += len(ids)
	}
	return n
}

// Keys returns the stored keys of accountID, sorted.
func (s *Server) Keys(accountID string) []string {
	data := s.Data(accountID)
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
