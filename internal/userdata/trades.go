package userdata

import (
	"context"
	"fmt"
	"maps"

	"gateio-proxy/internal/docstore"
)

// DefaultTradeLimit is how many trades list and watch return when no limit is given.
const DefaultTradeLimit = 100

// Record is a free-form stored record with its document id under "id".
type Record map[string]any

func tradesPath(uid string) string {
	return docstore.Path(usersCollection, uid, tradesCollection)
}

func tradeQuery(limit int) docstore.Query {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	return docstore.Query{OrderBy: "created_at", Direction: docstore.Desc, Limit: limit}
}

// SaveTrade stores a trade for the session's user and returns its id. The
// uid and created_at fields are set by the service.
func (s *Service) SaveTrade(ctx context.Context, sess *Session, trade map[string]any) (string, error) {
	if !sess.active() {
		return "", ErrNoSession
	}
	data := maps.Clone(trade)
	if data == nil {
		data = make(map[string]any)
	}
	delete(data, "id")
	data["uid"] = sess.UID()
	data["created_at"] = docstore.ServerTimestamp

	id, err := s.store.Add(ctx, tradesPath(sess.UID()), data)
	if err != nil {
		return "", fmt.Errorf("save trade: %w", err)
	}
	s.logger.Debug("trade saved", "uid", sess.UID(), "trade_id", id)
	return id, nil
}

// ListTrades returns the newest trades first.
func (s *Service) ListTrades(ctx context.Context, sess *Session, limit int) ([]Record, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	docs, err := s.store.Query(ctx, tradesPath(sess.UID()), tradeQuery(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return records(docs), nil
}

// WatchTrades delivers the newest trades first on every change.
func (s *Service) WatchTrades(sess *Session, limit int, fn func([]Record, error)) (*docstore.Listener, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	l, err := s.store.WatchQuery(tradesPath(sess.UID()), tradeQuery(limit), func(docs []docstore.Document, err error) {
		if err != nil {
			s.logger.Error("watch trades", "uid", sess.UID(), "err", err)
			fn(nil, err)
			return
		}
		fn(records(docs), nil)
	})
	return watching(sess, l, err)
}

// DeleteTrade removes a trade by id.
func (s *Service) DeleteTrade(ctx context.Context, sess *Session, tradeID string) error {
	if !sess.active() {
		return ErrNoSession
	}
	if err := checkSegment("trade id", tradeID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, docstore.Path(tradesPath(sess.UID()), tradeID)); err != nil {
		return fmt.Errorf("delete trade %s: %w", tradeID, err)
	}
	return nil
}

func records(docs []docstore.Document) []Record {
	out := make([]Record, len(docs))
	for i, d := range docs {
		r := Record(maps.Clone(d.Data))
		if r == nil {
			r = Record{}
		}
		r["id"] = d.ID
		out[i] = r
	}
	return out
}
