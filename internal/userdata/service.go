package userdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gateio-proxy/internal/docstore"
)

// Collection and document names.
const (
	usersCollection    = "users"
	chatsCollection    = "support_chats"
	settingsCollection = "settings"
	gateioSettingsDoc  = "gateio"
	prefsCollection    = "app_settings"
	prefsDoc           = "preferences"
	tradesCollection   = "trades"
	slotsCollection    = "slots"
	messagesCollection = "messages"
)

// Options configures the service.
type Options struct {
	// SuperAdminUID is the owner account; it may read every conversation and
	// manage the whitelist.
	SuperAdminUID string
	// AutoEnroll adds unknown accounts to the whitelist on first login
	// instead of denying them.
	AutoEnroll bool
}

// Service implements the sync operations.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "userdata"),
	}
}

func profilePath(uid string) string {
	return docstore.Path(usersCollection, uid)
}

// checkSegment rejects ids that would not address exactly one path segment.
func checkSegment(name, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%w: %s %q must not contain '/'", ErrInvalidInput, name, id)
	}
	return nil
}

// Login signs id in. A whitelisted account gets its login time and account
// details refreshed; an unknown account is denied unless auto-enroll is on.
func (s *Service) Login(ctx context.Context, id Identity) LoginResult {
	if id.UID == "" {
		return LoginResult{Status: LoginError, Err: ErrInvalidIdentity}
	}
	path := profilePath(id.UID)

	_, err := s.store.Get(ctx, path)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		if !s.opts.AutoEnroll {
			s.logger.Warn("login denied: not whitelisted", "uid", id.UID, "email", id.Email)
			return LoginResult{Status: LoginDenied, Err: ErrWhitelistDenied}
		}
		s.logger.Warn("auto-enrolling unknown account", "uid", id.UID, "email", id.Email)
		err = s.store.Set(ctx, path, map[string]any{
			"email":        id.Email,
			"role":         string(RoleUser),
			"display_name": id.DisplayName,
			"photo_url":    id.PhotoURL,
			"created_at":   docstore.ServerTimestamp,
			"last_login":   docstore.ServerTimestamp,
		})
	case err == nil:
		err = s.store.Update(ctx, path, map[string]any{
			"last_login":   docstore.ServerTimestamp,
			"display_name": id.DisplayName,
			"photo_url":    id.PhotoURL,
			"email":        id.Email,
		})
	}
	if err != nil {
		s.logger.Error("login failed", "uid", id.UID, "err", err)
		return LoginResult{Status: LoginError, Err: fmt.Errorf("login %s: %w", id.UID, err)}
	}

	return s.Restore(ctx, id)
}

// Restore resumes a session for an already authenticated identity without
// writing anything. It is denied when the account is not whitelisted.
func (s *Service) Restore(ctx context.Context, id Identity) LoginResult {
	if id.UID == "" {
		return LoginResult{Status: LoginError, Err: ErrInvalidIdentity}
	}

	doc, err := s.store.Get(ctx, profilePath(id.UID))
	if errors.Is(err, docstore.ErrNotFound) {
		return LoginResult{Status: LoginDenied, Err: ErrWhitelistDenied}
	}
	if err != nil {
		return LoginResult{Status: LoginError, Err: fmt.Errorf("read profile %s: %w", id.UID, err)}
	}

	var p Profile
	if err := doc.DataTo(&p); err != nil {
		return LoginResult{Status: LoginError, Err: fmt.Errorf("decode profile %s: %w", id.UID, err)}
	}

	superAdmin := s.opts.SuperAdminUID != "" && id.UID == s.opts.SuperAdminUID
	sess := newSession(id, p, superAdmin)
	s.logger.Debug("session ready",
		"uid", id.UID,
		"email", id.Email,
		"role", sess.Role,
		"super_admin", superAdmin,
	)
	return LoginResult{Status: LoginOK, Session: sess}
}

// watching registers l on sess, or reports why the watch could not start.
func watching(sess *Session, l *docstore.Listener, err error) (*docstore.Listener, error) {
	if err != nil {
		return nil, err
	}
	if err := sess.track(l); err != nil {
		return nil, err
	}
	return l, nil
}
