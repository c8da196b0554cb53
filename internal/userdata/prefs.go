package userdata

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"gateio-proxy/internal/docstore"
)

func prefsPath(uid string) string {
	return docstore.Path(usersCollection, uid, prefsCollection, prefsDoc)
}

// SavePreferences merges app preferences (theme, multipliers, ticker, ...)
// into the stored set.
func (s *Service) SavePreferences(ctx context.Context, sess *Session, prefs map[string]any) error {
	if !sess.active() {
		return ErrNoSession
	}
	data := maps.Clone(prefs)
	if data == nil {
		data = make(map[string]any)
	}
	data["updated_at"] = docstore.ServerTimestamp

	if err := s.store.Merge(ctx, prefsPath(sess.UID()), data); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// LoadPreferences returns the stored preferences, or nil when there are none.
func (s *Service) LoadPreferences(ctx context.Context, sess *Session) (map[string]any, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	doc, err := s.store.Get(ctx, prefsPath(sess.UID()))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return doc.Data, nil
}

// WatchPreferences delivers the preferences whenever they exist and change.
func (s *Service) WatchPreferences(sess *Session, fn func(map[string]any, error)) (*docstore.Listener, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	l, err := s.store.WatchDocument(prefsPath(sess.UID()), func(doc *docstore.Document, err error) {
		switch {
		case err != nil:
			fn(nil, err)
		case doc != nil:
			fn(doc.Data, nil)
		}
	})
	return watching(sess, l, err)
}
