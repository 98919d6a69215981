package gdrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/source"
)

type driveFake struct {
	files    map[string]map[string]any
	contents map[string]string
	exports  map[string]string
	requests []string
}

func (f *driveFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests = append(f.requests, r.URL.Path+"?"+r.URL.RawQuery)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
	id := parts[0]
	meta, ok := f.files[id]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found: ` + id + `"}}`))
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "export":
		if r.URL.Query().Get("mimeType") != "text/markdown" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(f.exports[id]))
	case r.URL.Query().Get("alt") == "media":
		_, _ = w.Write([]byte(f.contents[id]))
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	}
}

func newTestProvider(t *testing.T, fake *driveFake) *Provider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), Config{HTTPClient: srv.Client(), Endpoint: srv.URL + "/"})
	require.NoError(t, err)
	return p
}

func TestFetchMetadata(t *testing.T) {
	fake := &driveFake{files: map[string]map[string]any{
		"file-1": {"id": "file-1", "name": "notes.md", "mimeType": "text/markdown", "modifiedTime": "2024-05-01T10:00:00.000Z"},
	}}
	p := newTestProvider(t, fake)

	meta, err := p.FetchMetadata(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Equal(t, source.Metadata{ID: "file-1", Name: "notes.md", MimeType: "text/markdown", ModifiedTime: "2024-05-01T10:00:00.000Z"}, meta)
	require.Len(t, fake.requests, 1)
	assert.Contains(t, fake.requests[0], "fields=")
}

func TestFetchMetadataMissingFile(t *testing.T) {
	p := newTestProvider(t, &driveFake{files: map[string]map[string]any{}})
	_, err := p.FetchMetadata(context.Background(), "gone")
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestFetchMetadataTrashedFile(t *testing.T) {
	fake := &driveFake{files: map[string]map[string]any{
		"file-1": {"id": "file-1", "name": "old.md", "mimeType": "text/markdown", "trashed": true},
	}}
	p := newTestProvider(t, fake)
	_, err := p.FetchMetadata(context.Background(), "file-1")
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestFetchContentDownloadsPlainFiles(t *testing.T) {
	fake := &driveFake{
		files:    map[string]map[string]any{"file-1": {"id": "file-1"}},
		contents: map[string]string{"file-1": "# Notes\n"},
	}
	p := newTestProvider(t, fake)

	content, err := p.FetchContent(context.Background(), source.Metadata{ID: "file-1", MimeType: "text/markdown"})
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n", content)
}

func TestFetchContentExportsGoogleDocs(t *testing.T) {
	fake := &driveFake{
		files:   map[string]map[string]any{"doc-1": {"id": "doc-1"}},
		exports: map[string]string{"doc-1": "Exported *text*\n"},
	}
	p := newTestProvider(t, fake)

	content, err := p.FetchContent(context.Background(), source.Metadata{ID: "doc-1", MimeType: source.MimeGoogleDoc})
	require.NoError(t, err)
	assert.Equal(t, "Exported *text*\n", content)
}

func TestFetchContentRejectsOversizedFiles(t *testing.T) {
	fake := &driveFake{
		files:    map[string]map[string]any{"big": {"id": "big"}},
		contents: map[string]string{"big": strings.Repeat("a", MaxContentSize+1)},
	}
	p := newTestProvider(t, fake)

	_, err := p.FetchContent(context.Background(), source.Metadata{ID: "big", MimeType: "text/plain"})
	assert.ErrorIs(t, err, source.ErrUnsupported)
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	p := newTestProvider(t, &driveFake{files: map[string]map[string]any{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.FetchMetadata(ctx, "file-1")
	assert.ErrorIs(t, err, context.Canceled)
}
