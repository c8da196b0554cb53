package userdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gateio-proxy/internal/docstore"
)

// UserSummary is the admin view of a whitelisted account. Credentials live in
// a separate document and are never part of it.
type UserSummary struct {
	UID         string     `json:"uid"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        Role       `json:"role"`
	LastLogin   *time.Time `json:"last_login"`
}

// ListUsers returns every whitelisted account. Admins only.
func (s *Service) ListUsers(ctx context.Context, sess *Session) ([]UserSummary, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	if !sess.IsAdmin() {
		return nil, ErrForbidden
	}

	docs, err := s.store.Query(ctx, usersCollection, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]UserSummary, 0, len(docs))
	for _, d := range docs {
		var p Profile
		if err := d.DataTo(&p); err != nil {
			s.logger.Warn("skipping unreadable profile", "uid", d.ID, "err", err)
			continue
		}
		users = append(users, UserSummary{
			UID:         d.ID,
			Email:       p.Email,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			LastLogin:   p.LastLogin,
		})
	}
	return users, nil
}

// AddToWhitelist creates the profile for uid so it can sign in. Super admin
// only; an empty role means RoleUser.
func (s *Service) AddToWhitelist(ctx context.Context, sess *Session, email, uid string, role Role) error {
	if !sess.active() {
		return ErrNoSession
	}
	if !sess.SuperAdmin {
		return ErrForbidden
	}
	uid = strings.TrimSpace(uid)
	if err := checkSegment("uid", uid); err != nil {
		return err
	}
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	err := s.store.Set(ctx, profilePath(uid), map[string]any{
		"email":        strings.TrimSpace(email),
		"role":         string(role),
		"display_name": "",
		"photo_url":    "",
		"created_at":   docstore.ServerTimestamp,
		"last_login":   nil,
	})
	if err != nil {
		return fmt.Errorf("add %s to whitelist: %w", uid, err)
	}
	s.logger.Info("user whitelisted", "uid", uid, "email", email, "role", role, "by", sess.UID())
	return nil
}

// ChangeRole sets the role of an existing account. Admins only.
func (s *Service) ChangeRole(ctx context.Context, sess *Session, uid string, role Role) error {
	if !sess.active() {
		return ErrNoSession
	}
	if !sess.IsAdmin() {
		return ErrForbidden
	}
	if err := checkSegment("uid", uid); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	if err := s.store.Update(ctx, profilePath(uid), map[string]any{"role": string(role)}); err != nil {
		return fmt.Errorf("change role of %s: %w", uid, err)
	}
	s.logger.Info("role changed", "uid", uid, "role", role, "by", sess.UID())
	return nil
}
