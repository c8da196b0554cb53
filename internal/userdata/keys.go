package userdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateio-proxy/internal/docstore"
)

// APIKeys are the user's Gate.io credentials, private to the owner.
type APIKeys struct {
	APIKey    string     `json:"api_key"`
	APISecret string     `json:"api_secret"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func keysPath(uid string) string {
	return docstore.Path(usersCollection, uid, settingsCollection, gateioSettingsDoc)
}

// SaveAPIKeys stores trimmed credentials for the session's user.
func (s *Service) SaveAPIKeys(ctx context.Context, sess *Session, apiKey, apiSecret string) error {
	if !sess.active() {
		return ErrNoSession
	}
	apiKey, apiSecret = strings.TrimSpace(apiKey), strings.TrimSpace(apiSecret)
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("%w: api key and secret are required", ErrInvalidInput)
	}

	err := s.store.Set(ctx, keysPath(sess.UID()), map[string]any{
		"api_key":    apiKey,
		"api_secret": apiSecret,
		"updated_at": docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("save api keys: %w", err)
	}
	s.logger.Info("api keys saved", "uid", sess.UID())
	return nil
}

// LoadAPIKeys returns the stored credentials, or nil when none are saved.
func (s *Service) LoadAPIKeys(ctx context.Context, sess *Session) (*APIKeys, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	doc, err := s.store.Get(ctx, keysPath(sess.UID()))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	return decodeKeys(doc)
}

// WatchAPIKeys calls fn whenever the credentials exist and change, for
// example after an update from another device.
func (s *Service) WatchAPIKeys(sess *Session, fn func(*APIKeys, error)) (*docstore.Listener, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	l, err := s.store.WatchDocument(keysPath(sess.UID()), func(doc *docstore.Document, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		if doc == nil {
			return
		}
		fn(decodeKeys(doc))
	})
	return watching(sess, l, err)
}

func decodeKeys(doc *docstore.Document) (*APIKeys, error) {
	var k APIKeys
	if err := doc.DataTo(&k); err != nil {
		return nil, fmt.Errorf("decode api keys: %w", err)
	}
	return &k, nil
}
