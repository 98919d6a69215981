package store

import (
	"context"
	"database/sql"
	"fmt"

	"inkwell/api/internal/convert"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, content, search_text, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, doc.ID, doc.Title, doc.Content, doc.SearchText, doc.OwnerID).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, search_text, owner_id, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, id).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.SearchText, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateDocumentContent stores edited rich content and refreshes the text
// the full-text fallback searches.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, id, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content=$2, search_text=$3, updated_at=NOW() WHERE id=$1
	`, id, content, convert.PlainText(content))
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	return requireRow(result, "update document content")
}

// DeleteOwnedDocument removes a document only when ownerID owns it. The
// source link goes with it through the foreign key cascade.
func (s *PostgresStore) DeleteOwnedDocument(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND owner_id=$2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result, "delete document")
}

func (s *PostgresStore) CreateSourceLink(ctx context.Context, link SourceLink) (SourceLink, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO external_source_links (document_id, provider, external_file_id, external_modified_time)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, link.DocumentID, link.Provider, link.ExternalFileID, link.ExternalModifiedTime).Scan(&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return SourceLink{}, fmt.Errorf("insert source link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetSourceLink(ctx context.Context, documentID string) (SourceLink, error) {
	var link SourceLink
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, provider, external_file_id, external_modified_time, created_at, updated_at
		FROM external_source_links
		WHERE document_id=$1
	`, documentID).Scan(&link.DocumentID, &link.Provider, &link.ExternalFileID, &link.ExternalModifiedTime, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return SourceLink{}, fmt.Errorf("get source link: %w", err)
	}
	return link, nil
}

// SourceRefresh is the outcome of a forced refresh from the external copy.
type SourceRefresh struct {
	DocumentID   string
	Content      string
	SearchText   string
	ModifiedTime string
}

// ApplySourceRefresh overwrites the document content and records the new
// remote modification stamp in one transaction.
func (s *PostgresStore) ApplySourceRefresh(ctx context.Context, refresh SourceRefresh) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents SET content=$2, search_text=$3, updated_at=NOW() WHERE id=$1
	`, refresh.DocumentID, refresh.Content, refresh.SearchText)
	if err != nil {
		return fmt.Errorf("refresh document content: %w", err)
	}
	if err := requireRow(result, "refresh document content"); err != nil {
		return err
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE external_source_links SET external_modified_time=$2, updated_at=NOW() WHERE document_id=$1
	`, refresh.DocumentID, refresh.ModifiedTime)
	if err != nil {
		return fmt.Errorf("refresh source link: %w", err)
	}
	if err := requireRow(result, "refresh source link"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh tx: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, action string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", action, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", action, ErrNotFound)
	}
	return nil
}
