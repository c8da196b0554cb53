package docstore

import (
	"context"
	"errors"
	"sync"
)

// Listener is a live subscription. Its callback runs on a dedicated goroutine
// once with the current state and again after every commit touching the
// watched document or collection. Bursts of commits may be coalesced into one
// delivery.
type Listener struct {
	target string
	isDoc  bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	hub    *hub
}

// Close stops the listener and waits for an in-flight callback to return.
// It must not be called from inside the listener's own callback.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.hub.remove(l)
		l.cancel()
		<-l.done
	})
}

// Done is closed once the listener has stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) matches(path string) bool {
	if l.isDoc {
		return path == l.target
	}
	collection, _ := parentOf(path)
	return collection == l.target
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type hub struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
}

func newHub() *hub {
	return &hub{listeners: make(map[*Listener]struct{})}
}

func (h *hub) add(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[l] = struct{}{}
}

func (h *hub) remove(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, l)
}

func (h *hub) notify(paths []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		for _, p := range paths {
			if l.matches(p) {
				l.signal()
				break
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	ls := make([]*Listener, 0, len(h.listeners))
	for l := range h.listeners {
		ls = append(ls, l)
	}
	h.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
}

// WatchDocument delivers the document at path, or nil when it does not exist.
func (s *Store) WatchDocument(path string, fn func(*Document, error)) (*Listener, error) {
	if _, err := splitPath(path, true); err != nil {
		return nil, err
	}
	return s.watch(path, true, func(ctx context.Context) {
		doc, err := getDocument(ctx, s.db, path)
		if errors.Is(err, ErrNotFound) {
			doc, err = nil, nil
		}
		if ctx.Err() != nil {
			return
		}
		fn(doc, err)
	}), nil
}

// WatchQuery delivers the result of q over collection.
func (s *Store) WatchQuery(collection string, q Query, fn func([]Document, error)) (*Listener, error) {
	if _, err := splitPath(collection, false); err != nil {
		return nil, err
	}
	return s.watch(collection, false, func(ctx context.Context) {
		docs, err := s.Query(ctx, collection, q)
		if ctx.Err() != nil {
			return
		}
		fn(docs, err)
	}), nil
}

func (s *Store) watch(target string, isDoc bool, deliver func(context.Context)) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		target: target,
		isDoc:  isDoc,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		hub:    s.hub,
	}
	s.hub.add(l)

	go func() {
		defer close(l.done)
		for {
			deliver(ctx)
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
		}
	}()

	s.logger.Debug("listener started", "target", target)
	return l
}
