package store

import (
	"database/sql"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = sql.ErrNoRows

// Document is a stored document. Content is the canonical rich form;
// SearchText is the plain source form last imported or refreshed, kept for
// full-text search.
type Document struct {
	ID         string
	Title      string
	Content    string
	SearchText string
	OwnerID    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SourceLink ties a document to the external file it was imported from.
// ExternalModifiedTime is the provider's opaque modification stamp as last
// seen; it is only ever compared for equality.
type SourceLink struct {
	DocumentID           string
	Provider             string
	ExternalFileID       string
	ExternalModifiedTime string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
