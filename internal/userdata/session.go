// Package userdata keeps per-user trading data in sync across devices:
// profile and whitelist, Gate.io credentials, trades, trading slots, app
// preferences and the private support chat.
//
// Every operation takes an explicit *Session. Watch operations return their
// listener to the caller and also register it on the session, so closing the
// session releases all subscriptions.
package userdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"gateio-proxy/internal/docstore"
)

var (
	// ErrNoSession is returned when an operation is called without a session.
	ErrNoSession = errors.New("no active session")
	// ErrForbidden is returned when the session's role does not permit the operation.
	ErrForbidden = errors.New("permission denied")
	// ErrInvalidRole is returned for roles other than admin and user.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidIdentity is returned when an identity has no user id.
	ErrInvalidIdentity = errors.New("identity has no uid")
	// ErrWhitelistDenied is the error carried by a denied login.
	ErrWhitelistDenied = errors.New("user is not on the whitelist")
	// ErrInvalidInput is returned for empty or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the document store the service reads and writes.
type Store interface {
	Get(ctx context.Context, path string) (*docstore.Document, error)
	Set(ctx context.Context, path string, data map[string]any) error
	Merge(ctx context.Context, path string, data map[string]any) error
	Update(ctx context.Context, path string, data map[string]any) error
	Delete(ctx context.Context, path string) error
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error)
	Commit(ctx context.Context, writes ...docstore.Write) error
	WatchDocument(path string, fn func(*docstore.Document, error)) (*docstore.Listener, error)
	WatchQuery(collection string, q docstore.Query, fn func([]docstore.Document, error)) (*docstore.Listener, error)
}

// Role is a user's permission level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Identity is the authenticated account behind a session.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Profile is the whitelist entry stored at users/{uid}.
type Profile struct {
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	DisplayName string     `json:"display_name"`
	PhotoURL    string     `json:"photo_url"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// Session is one signed-in user.
type Session struct {
	Identity   Identity
	Profile    Profile
	Role       Role
	SuperAdmin bool

	mu        sync.Mutex
	listeners []*docstore.Listener
	closed    bool
}

func newSession(id Identity, p Profile, superAdmin bool) *Session {
	role := p.Role
	if role == "" {
		role = RoleUser
	}
	return &Session{Identity: id, Profile: p, Role: role, SuperAdmin: superAdmin}
}

// UID returns the session's user id.
func (s *Session) UID() string {
	return s.Identity.UID
}

// IsAdmin reports whether the session may use admin operations.
func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin || s.SuperAdmin
}

// Close releases every listener opened through the session. Later watch
// calls on a closed session fail with ErrNoSession.
func (s *Session) Close() {
	s.mu.Lock()
	ls := s.listeners
	s.listeners = nil
	s.closed = true
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
}

// track registers l on the session, closing it right away if the session
// was closed in the meantime.
func (s *Session) track(l *docstore.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrNoSession
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return nil
}

func (s *Session) active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// LoginStatus classifies a login attempt.
type LoginStatus int

const (
	LoginOK LoginStatus = iota
	LoginDenied
	LoginError
)

func (s LoginStatus) String() string {
	switch s {
	case LoginOK:
		return "ok"
	case LoginDenied:
		return "denied"
	default:
		return "error"
	}
}

// LoginResult is the outcome of Login or Restore. Session is set only for
// LoginOK; Err is set for LoginDenied (ErrWhitelistDenied) and LoginError.
type LoginResult struct {
	Status  LoginStatus
	Session *Session
	Err     error
}
