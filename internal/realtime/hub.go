// Package realtime holds the canonical content of open documents and fans
// changes out to every subscribed editing session.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"inkwell/api/internal/logging"
	"inkwell/api/internal/store"
)

// Change is a new canonical content for a document. Origin identifies the
// writer so it can recognise its own echo.
type Change struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Origin     string `json:"origin"`
}

type documentStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	UpdateDocumentContent(ctx context.Context, id, content string) error
}

type publisher interface {
	Publish(ctx context.Context, change Change) error
}

type room struct {
	content     string
	loaded      bool
	subscribers map[uint64]func(Change)
}

// Hub is the single arbiter of canonical content within this process.
type Hub struct {
	store documentStore
	relay publisher

	mu     sync.Mutex
	rooms  map[string]*room
	nextID uint64
}

func NewHub(store documentStore) *Hub {
	return &Hub{store: store, rooms: map[string]*room{}}
}

// AttachRelay forwards every local change to other instances.
func (h *Hub) AttachRelay(relay publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = relay
}

// Content returns the canonical content. It is cached while the document
// has subscribers.
func (h *Hub) Content(ctx context.Context, documentID string) (string, error) {
	h.mu.Lock()
	if r, ok := h.rooms[documentID]; ok && r.loaded {
		content := r.content
		h.mu.Unlock()
		return content, nil
	}
	h.mu.Unlock()

	doc, err := h.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	if !ok {
		return doc.Content, nil
	}
	if !r.loaded {
		r.content = doc.Content
		r.loaded = true
	}
	return r.content, nil
}

// Replace persists content as the new canonical content and notifies every
// subscriber, the writer included.
func (h *Hub) Replace(ctx context.Context, documentID, content, origin string) error {
	if err := h.store.UpdateDocumentContent(ctx, documentID, content); err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	h.Publish(ctx, Change{DocumentID: documentID, Content: content, Origin: origin})
	return nil
}

// Publish announces content that has already been persisted.
func (h *Hub) Publish(ctx context.Context, change Change) {
	h.apply(change)

	h.mu.Lock()
	relay := h.relay
	h.mu.Unlock()
	if relay == nil {
		return
	}
	if err := relay.Publish(ctx, change); err != nil {
		logging.FromContext(ctx).Warn("relay document change",
			zap.String("document_id", change.DocumentID),
			zap.Error(err),
		)
	}
}

// ApplyRemote takes a change made on another instance. Documents nobody
// here has open are ignored.
func (h *Hub) ApplyRemote(change Change) {
	h.apply(change)
}

// Subscribe registers fn for changes to documentID. Callbacks run on the
// publishing goroutine, outside the hub lock.
func (h *Hub) Subscribe(documentID string, fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	r, ok := h.rooms[documentID]
	if !ok {
		r = &room{subscribers: map[uint64]func(Change){}}
		h.rooms[documentID] = r
	}
	r.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			r, ok := h.rooms[documentID]
			if !ok {
				return
			}
			delete(r.subscribers, id)
			if len(r.subscribers) == 0 {
				delete(h.rooms, documentID)
			}
		})
	}
}

// Subscribers reports how many sessions follow documentID.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[documentID]; ok {
		return len(r.subscribers)
	}
	return 0
}

func (h *Hub) apply(change Change) {
	h.mu.Lock()
	r, ok := h.rooms[change.DocumentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.content = change.Content
	r.loaded = true
	callbacks := make([]func(Change), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		callbacks = append(callbacks, fn)
	}
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(change)
	}
}
