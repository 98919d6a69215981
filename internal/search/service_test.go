package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeSearcher struct {
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)
	records  []DocumentRecord
}

func (f *fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (f *fakeSearcher) Healthy() bool { return true }

func (f *fakeSearcher) LoadAllRecords(context.Context) ([]DocumentRecord, error) {
	return f.records, nil
}

func TestSearchFallsBackToPgFTSWithoutMeili(t *testing.T) {
	var got Query
	pg := &fakeSearcher{searchFn: func(_ context.Context, q Query) ([]Result, int, error) {
		got = q
		return []Result{{ID: "doc-1", Title: "Release notes", Snippet: "ship <b>it</b>"}}, 1, nil
	}}
	svc := NewService(nil, pg)

	resp := svc.Search(context.Background(), Query{Text: "ship", OwnerID: "user-1", Limit: 5})

	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "doc-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Query != "ship" {
		t.Fatalf("expected query to be echoed, got %q", resp.Query)
	}
	if got.OwnerID != "user-1" || got.Limit != 5 {
		t.Fatalf("query not passed through: %+v", got)
	}
}

func TestSearchReturnsEmptyResultsOnError(t *testing.T) {
	pg := &fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}}
	resp := NewService(nil, pg).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestSearchNilResultsBecomeEmptySlice(t *testing.T) {
	pg := &fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, nil
	}}
	resp := NewService(nil, pg).Search(context.Background(), Query{Text: ""})
	if resp.Results == nil {
		t.Fatal("expected empty slice, got nil")
	}
}

func TestIndexingWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{})
	svc.IndexDocument(DocumentRecord{ID: "doc-1"})
	svc.DeleteDocument("doc-1")
	svc.ReindexAllFromPG(context.Background())
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"doc-1"`),
		"title":      json.RawMessage(`"Release notes"`),
		"text":       json.RawMessage(`"full text"`),
		"_formatted": json.RawMessage(`{"id":"doc-1","title":"<mark>Release</mark> notes","text":"full <mark>text</mark>"}`),
	}
	r := hitToResult(hit)
	if r.ID != "doc-1" || r.Title != "<mark>Release</mark> notes" || r.Snippet != "full <mark>text</mark>" {
		t.Fatalf("unexpected result: %+v", r)
	}
}
