// Package client is the device side of the cart: session identity, a local
// cart cache that keeps working offline, and the HTTP transport.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSessionID   = "X-Session-ID"
	HeaderFingerprint = "X-Device-Fingerprint"
	HeaderUserID      = "X-User-ID"
)

type SessionInfo struct {
	SessionID         string
	DeviceFingerprint string
	UserID            string
	IsGuest           bool
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

type SessionStore interface {
	LoadSession(ctx context.Context) (*SessionRecord, error)
	SaveSession(ctx context.Context, rec SessionRecord) error
}

// SessionContext owns the identity of this device. Create one at startup
// and pass it to everything that talks to the cart.
type SessionContext struct {
	mu          sync.RWMutex
	store       SessionStore
	logger      *slog.Logger
	now         func() time.Time
	fingerprint func() string

	info  SessionInfo
	token string
}

// NewSessionContext returns an uninitialized session. store may be nil, in
// which case nothing survives a restart.
func NewSessionContext(store SessionStore, logger *slog.Logger) *SessionContext {
	return &SessionContext{
		store:       store,
		logger:      logger,
		now:         time.Now,
		fingerprint: Fingerprint,
	}
}

// Initialize loads the persisted identity or creates a new guest one. It
// never fails: storage problems are logged and a fresh identity is used.
func (s *SessionContext) Initialize(ctx context.Context) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.store != nil {
		rec, err := s.store.LoadSession(ctx)
		switch {
		case err == nil:
			s.info = SessionInfo{
				SessionID:         rec.SessionID,
				DeviceFingerprint: rec.DeviceFingerprint,
				UserID:            rec.UserID,
				IsGuest:           rec.UserID == "",
				CreatedAt:         rec.CreatedAt,
				LastActivityAt:    now,
			}
			s.token = rec.Token
			s.persist(ctx)
			return s.info
		case !errors.Is(err, ErrNoRecord):
			s.logger.WarnContext(ctx, "could not load session, starting a new one", "error", err)
		}
	}

	s.info = SessionInfo{
		SessionID:         uuid.NewString(),
		DeviceFingerprint: s.fingerprint(),
		IsGuest:           true,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	s.token = ""
	s.persist(ctx)
	return s.info
}

// Authenticate attaches userID and its bearer token. Calling it again with
// the same user only refreshes the token.
func (s *SessionContext) Authenticate(ctx context.Context, userID, token string) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info.UserID = userID
	s.info.IsGuest = false
	s.info.LastActivityAt = s.now()
	s.token = token
	s.persist(ctx)
	return s.info
}

// Logout returns to guest mode on the same session id.
func (s *SessionContext) Logout(ctx context.Context) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info.UserID = ""
	s.info.IsGuest = true
	s.info.LastActivityAt = s.now()
	s.token = ""
	s.persist(ctx)
	return s.info
}

// Reset starts over as a new guest with a new session id. The previous
// guest cart is left to expire on the server.
func (s *SessionContext) Reset(ctx context.Context) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.info = SessionInfo{
		SessionID:         uuid.NewString(),
		DeviceFingerprint: s.info.DeviceFingerprint,
		IsGuest:           true,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if s.info.DeviceFingerprint == "" {
		s.info.DeviceFingerprint = s.fingerprint()
	}
	s.token = ""
	s.persist(ctx)
	return s.info
}

func (s *SessionContext) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Headers returns the identity headers for a cart API request.
func (s *SessionContext) Headers() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := http.Header{}
	h.Set(HeaderSessionID, s.info.SessionID)
	h.Set(HeaderFingerprint, s.info.DeviceFingerprint)
	if !s.info.IsGuest {
		h.Set(HeaderUserID, s.info.UserID)
		if s.token != "" {
			h.Set("Authorization", "Bearer "+s.token)
		}
	}
	return h
}

// persist must be called with mu held.
func (s *SessionContext) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	err := s.store.SaveSession(ctx, SessionRecord{
		SessionID:         s.info.SessionID,
		DeviceFingerprint: s.info.DeviceFingerprint,
		UserID:            s.info.UserID,
		Token:             s.token,
		CreatedAt:         s.info.CreatedAt,
		LastActivityAt:    s.info.LastActivityAt,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "could not persist session", "error", err)
	}
}
