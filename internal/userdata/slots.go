package userdata

import (
	"context"
	"fmt"
	"maps"

	"gateio-proxy/internal/docstore"
)

func slotsPath(uid string) string {
	return docstore.Path(usersCollection, uid, slotsCollection)
}

var slotQuery = docstore.Query{OrderBy: "slot_index", Direction: docstore.Asc}

// SaveSlots writes every trading slot in one atomic commit. Slot i is stored
// as slot_{i} with its index recorded in slot_index.
func (s *Service) SaveSlots(ctx context.Context, sess *Session, slots []map[string]any) error {
	if !sess.active() {
		return ErrNoSession
	}

	writes := make([]docstore.Write, len(slots))
	for i, slot := range slots {
		data := maps.Clone(slot)
		if data == nil {
			data = make(map[string]any)
		}
		data["slot_index"] = i
		data["updated_at"] = docstore.ServerTimestamp
		writes[i] = docstore.SetOp(docstore.Path(slotsPath(sess.UID()), fmt.Sprintf("slot_%d", i)), data)
	}

	if err := s.store.Commit(ctx, writes...); err != nil {
		return fmt.Errorf("save slots: %w", err)
	}
	s.logger.Debug("slots synced", "uid", sess.UID(), "count", len(slots))
	return nil
}

// LoadSlots returns the slots ordered by index.
func (s *Service) LoadSlots(ctx context.Context, sess *Session) ([]map[string]any, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	docs, err := s.store.Query(ctx, slotsPath(sess.UID()), slotQuery)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	return slotData(docs), nil
}

// WatchSlots delivers the slots ordered by index on every change.
func (s *Service) WatchSlots(sess *Session, fn func([]map[string]any, error)) (*docstore.Listener, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	l, err := s.store.WatchQuery(slotsPath(sess.UID()), slotQuery, func(docs []docstore.Document, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(slotData(docs), nil)
	})
	return watching(sess, l, err)
}

func slotData(docs []docstore.Document) []map[string]any {
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = d.Data
	}
	return out
}
