package archive

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	key := Key(Snapshot{
		DocumentID:   "7f1c",
		Provider:     "google_drive",
		FileID:       "abc_123",
		ModifiedTime: "2024-05-01T10:00:00.000Z",
	})
	want := "documents/7f1c/google_drive/abc_123/2024-05-01T10:00:00.000Z.md"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
}

func TestKeyEscapesSegments(t *testing.T) {
	key := Key(Snapshot{DocumentID: "doc", Provider: "p", FileID: "a/b"})
	want := "documents/doc/p/a%2Fb/unknown.md"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
}

func TestMinioArchiveRoundTrip(t *testing.T) {
	endpoint := os.Getenv("INKWELL_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("INKWELL_TEST_MINIO_ENDPOINT is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := New(ctx, Config{
		Endpoint:  endpoint,
		Bucket:    "inkwell-archive-test",
		AccessKey: os.Getenv("INKWELL_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("INKWELL_TEST_MINIO_SECRET_KEY"),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	snap := Snapshot{DocumentID: "doc-1", Provider: "google_drive", FileID: "file-1", ModifiedTime: "v1", Content: "# Notes\n"}
	key, err := a.Put(ctx, snap)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := a.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != snap.Content {
		t.Fatalf("expected %q, got %q", snap.Content, got)
	}
}
