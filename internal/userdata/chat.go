package userdata

import (
	"context"
	"fmt"
	"strings"

	"gateio-proxy/internal/docstore"
)

const (
	chatLimit     = 200
	markReadLimit = 50
)

var chatQuery = docstore.Query{OrderBy: "created_at", Direction: docstore.Asc, Limit: chatLimit}

// conversation resolves which support thread an operation works on. A
// conversation is keyed by the user's uid; only the super admin may open
// someone else's.
// conversation picks the thread uid. Only the super admin may address
// another user's thread; anyone else always gets their own.
func conversation(sess *Session, target string) (string, error) {
	if !sess.SuperAdmin || target == "" {
		return sess.UID(), nil
	}
	if err := checkSegment("uid", target); err != nil {
		return "", err
	}
	return target, nil
}

func messagesPath(conv string) string {
	return docstore.Path(chatsCollection, conv, messagesCollection)
}

// SendSupportMessage posts text to the session user's support thread, or to
// target's thread when sent by the super admin. It returns the message id.
func (s *Service) SendSupportMessage(ctx context.Context, sess *Session, text, target string) (string, error) {
	if !sess.active() {
		return "", ErrNoSession
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: message text is empty", ErrInvalidInput)
	}

	author := sess.Identity.DisplayName
	if author == "" {
		author = "User"
	}
	conv, err := conversation(sess, target)
	if err != nil {
		return "", err
	}
	id, err := s.store.Add(ctx, messagesPath(conv), map[string]any{
		"text":         text,
		"author_uid":   sess.UID(),
		"author_name":  author,
		"author_email": sess.Identity.Email,
		"from_support": sess.SuperAdmin,
		"read":         false,
		"created_at":   docstore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("send support message: %w", err)
	}
	s.logger.Debug("support message sent", "uid", sess.UID(), "conversation", conv)
	return id, nil
}

// ListSupportMessages returns up to 200 messages of a thread, oldest first.
func (s *Service) ListSupportMessages(ctx context.Context, sess *Session, target string) ([]Record, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	conv, err := conversation(sess, target)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, messagesPath(conv), chatQuery)
	if err != nil {
		return nil, fmt.Errorf("list support messages: %w", err)
	}
	return records(docs), nil
}

// WatchSupportMessages delivers the thread, oldest first, on every change.
func (s *Service) WatchSupportMessages(sess *Session, target string, fn func([]Record, error)) (*docstore.Listener, error) {
	if !sess.active() {
		return nil, ErrNoSession
	}
	conv, err := conversation(sess, target)
	if err != nil {
		return nil, err
	}
	l, err := s.store.WatchQuery(messagesPath(conv), chatQuery, func(docs []docstore.Document, err error) {
		if err != nil {
			s.logger.Error("watch support messages", "conversation", conv, "err", err)
			fn(nil, err)
			return
		}
		fn(records(docs), nil)
	})
	return watching(sess, l, err)
}

// MarkMessagesRead flags the latest unread messages written by the other
// party as read. It returns how many were updated.
func (s *Service) MarkMessagesRead(ctx context.Context, sess *Session, target string) (int, error) {
	if !sess.active() {
		return 0, ErrNoSession
	}
	conv, err := conversation(sess, target)
	if err != nil {
		return 0, err
	}
	path := messagesPath(conv)
	docs, err := s.store.Query(ctx, path, docstore.Query{
		OrderBy:   "created_at",
		Direction: docstore.Desc,
		Limit:     markReadLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	var writes []docstore.Write
	for _, d := range docs {
		read, _ := d.Data["read"].(bool)
		author, _ := d.Data["author_uid"].(string)
		if read || author == sess.UID() {
			continue
		}
		writes = append(writes, docstore.UpdateOp(d.Path, map[string]any{"read": true}))
	}

	if err := s.store.Commit(ctx, writes...); err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return len(writes), nil
}
