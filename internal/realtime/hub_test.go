package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/store"
)

type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]string
	loads   int
	failErr error
}

func newMemoryStore(docs map[string]string) *memoryStore {
	return &memoryStore{docs: docs}
}

func (m *memoryStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	content, ok := m.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Content: content}, nil
}

func (m *memoryStore) UpdateDocumentContent(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.docs[id] = content
	return nil
}

func TestHubReplacePersistsAndNotifiesSubscribers(t *testing.T) {
	st := newMemoryStore(map[string]string{"doc-1": "old"})
	hub := NewHub(st)

	var got []Change
	unsubscribe := hub.Subscribe("doc-1", func(change Change) { got = append(got, change) })
	defer unsubscribe()

	require.NoError(t, hub.Replace(context.Background(), "doc-1", "new", "session-a"))

	assert.Equal(t, "new", st.docs["doc-1"])
	require.Len(t, got, 1)
	assert.Equal(t, Change{DocumentID: "doc-1", Content: "new", Origin: "session-a"}, got[0])

	content, err := hub.Content(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "new", content)
}

func TestHubReplaceFailureDoesNotNotify(t *testing.T) {
	st := newMemoryStore(map[string]string{"doc-1": "old"})
	st.failErr = errors.New("db down")
	hub := NewHub(st)

	called := false
	defer hub.Subscribe("doc-1", func(Change) { called = true })()

	err := hub.Replace(context.Background(), "doc-1", "new", "session-a")
	require.Error(t, err)
	assert.False(t, called)
}

func TestHubCachesContentOnlyWhileSubscribed(t *testing.T) {
	st := newMemoryStore(map[string]string{"doc-1": "v1"})
	hub := NewHub(st)
	ctx := context.Background()

	unsubscribe := hub.Subscribe("doc-1", func(Change) {})
	for i := 0; i < 3; i++ {
		_, err := hub.Content(ctx, "doc-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, st.loads)

	unsubscribe()
	assert.Zero(t, hub.Subscribers("doc-1"))
	_, err := hub.Content(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.loads)
}

func TestHubContentMissingDocument(t *testing.T) {
	hub := NewHub(newMemoryStore(map[string]string{}))
	_, err := hub.Content(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisRelayDeliversChangesAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	local := NewHub(newMemoryStore(map[string]string{"doc-1": "v1"}))
	local.AttachRelay(NewRedisRelay(client, "instance-a"))

	remote := NewHub(newMemoryStore(map[string]string{"doc-1": "v1"}))
	received := make(chan Change, 1)
	defer remote.Subscribe("doc-1", func(change Change) { received <- change })()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = NewRedisRelay(client, "instance-b").Run(ctx, remote.ApplyRemote)
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() > 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, local.Replace(ctx, "doc-1", "v2", "session-a"))

	select {
	case change := <-received:
		assert.Equal(t, "v2", change.Content)
		assert.Equal(t, "session-a", change.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("change was not relayed")
	}

	content, err := remote.Content(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", content)
}
