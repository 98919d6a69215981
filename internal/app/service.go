package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"inkwell/api/internal/archive"
	"inkwell/api/internal/config"
	"inkwell/api/internal/convert"
	"inkwell/api/internal/diff"
	"inkwell/api/internal/editor"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/lock"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/search"
	"inkwell/api/internal/source"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

const (
	historyAuthor = "Inkwell"
	refreshOrigin = "source-refresh"
	historyLimit  = 50
)

type RefreshInput struct {
	DocumentID string `json:"documentId" validate:"required,uuid"`
	Force      bool   `json:"force"`
}

type RefreshResult struct {
	OK              bool          `json:"ok"`
	Unchanged       bool          `json:"unchanged,omitempty"`
	RequiresConfirm bool          `json:"requiresConfirm,omitempty"`
	DiffPreview     *diff.Preview `json:"diffPreview,omitempty"`
}

// ImportInput names the remote file by URL or by bare id, never both.
type ImportInput struct {
	FileURL string `json:"fileUrl" validate:"omitempty,url,max=2048"`
	FileID  string `json:"fileId" validate:"omitempty,max=256"`
}

type ImportResult struct {
	DocumentID string `json:"documentId"`
}

type LinkView struct {
	Provider             string `json:"provider"`
	ExternalFileID       string `json:"externalFileId"`
	ExternalModifiedTime string `json:"externalModifiedTime"`
}

type DocumentView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    *LinkView `json:"source"`
}

type dataStore interface {
	Ping(context.Context) error
	GetDocument(context.Context, string) (store.Document, error)
	CreateDocument(context.Context, store.Document) (store.Document, error)
	DeleteOwnedDocument(context.Context, string, string) error
	CreateSourceLink(context.Context, store.SourceLink) (store.SourceLink, error)
	GetSourceLink(context.Context, string) (store.SourceLink, error)
	ApplySourceRefresh(context.Context, store.SourceRefresh) error
}

// canonicalHub owns the live canonical content of open documents.
type canonicalHub interface {
	editor.Canonical
	Publish(context.Context, realtime.Change)
}

type historyService interface {
	CommitRevision(string, gitrepo.Content, string, string) (gitrepo.Revision, error)
	History(string, int) ([]gitrepo.Revision, error)
}

type snapshotArchive interface {
	Put(context.Context, archive.Snapshot) (string, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(search.DocumentRecord)
}

type refreshLocker interface {
	Acquire(context.Context, string) (*lock.Lease, error)
}

// Dependencies are the collaborators of a Service. History, Archive, Search
// and Locker may be left nil to disable them.
type Dependencies struct {
	Store     dataStore
	Hub       canonicalHub
	Provider  source.Provider
	Converter editor.Converter
	History   historyService
	Archive   snapshotArchive
	Search    searchIndex
	Locker    refreshLocker
}

type Service struct {
	cfg       config.Config
	store     dataStore
	hub       canonicalHub
	provider  source.Provider
	conv      editor.Converter
	history   historyService
	archive   snapshotArchive
	search    searchIndex
	locker    refreshLocker
	validate  *validator.Validate
	refreshes singleflight.Group
}

func New(cfg config.Config, deps Dependencies) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		hub:      deps.Hub,
		provider: deps.Provider,
		conv:     deps.Converter,
		history:  deps.History,
		archive:  deps.Archive,
		search:   deps.Search,
		locker:   deps.Locker,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) validateInput(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make([]map[string]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, map[string]string{"field": fieldErr.Field(), "rule": fieldErr.Tag()})
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", details)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RefreshFromSource reconciles a document owned by ownerID with its remote
// copy. Without force it only previews the differences; with force it
// overwrites the canonical content. Concurrent calls with the same arguments
// share one run, which outlives any single caller.
func (s *Service) RefreshFromSource(ctx context.Context, ownerID string, input RefreshInput) (RefreshResult, error) {
	if err := s.validateInput(input); err != nil {
		return RefreshResult{}, err
	}
	if _, err := s.ownedDocument(ctx, ownerID, input.DocumentID); err != nil {
		return RefreshResult{}, err
	}

	mode := "preview"
	if input.Force {
		mode = "force"
	}
	key := ownerID + "|" + input.DocumentID + "|" + mode
	flight := s.refreshes.DoChan(key, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), input.DocumentID, input.Force)
	})

	select {
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	case res := <-flight:
		if res.Shared {
			logging.FromContext(ctx).Debug("joined in-flight refresh", zap.String("document_id", input.DocumentID))
		}
		if res.Err != nil {
			return RefreshResult{}, res.Err
		}
		return res.Val.(RefreshResult), nil
	}
}

func (s *Service) refresh(ctx context.Context, documentID string, force bool) (result RefreshResult, err error) {
	logger := logging.FromContext(ctx).With(zap.String("document_id", documentID), zap.Bool("force", force))
	defer func() {
		if err != nil {
			metrics.RecordRefresh(metrics.RefreshError)
			logger.Warn("refresh from source failed", zap.Error(err))
		}
	}()

	link, err := s.store.GetSourceLink(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return RefreshResult{}, domainError(http.StatusNotFound, "LINK_NOT_FOUND", "Document has no linked source", nil)
	}
	if err != nil {
		return RefreshResult{}, err
	}

	if force && s.locker != nil {
		lease, err := s.locker.Acquire(ctx, "refresh:"+documentID)
		if err != nil {
			return RefreshResult{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release refresh lock failed", zap.Error(err))
			}
		}()
	}

	sourceCtx, cancel := s.sourceContext(ctx)
	defer cancel()

	meta, err := s.provider.FetchMetadata(sourceCtx, link.ExternalFileID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetch source metadata: %w", err)
	}
	if meta.ModifiedTime == link.ExternalModifiedTime {
		metrics.RecordRefresh(metrics.RefreshUnchanged)
		return RefreshResult{OK: true, Unchanged: true}, nil
	}

	remote, err := s.provider.FetchContent(sourceCtx, meta)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("fetch source content: %w", err)
	}

	if !force {
		canonical, err := s.hub.Content(ctx, documentID)
		if err != nil {
			return RefreshResult{}, fmt.Errorf("load canonical content: %w", err)
		}
		local, err := s.conv.RichToSource(canonical)
		if err != nil {
			return RefreshResult{}, conversionError(err)
		}
		preview := diff.Compute(local, remote)
		metrics.RecordRefresh(metrics.RefreshPreview)
		return RefreshResult{OK: true, RequiresConfirm: true, DiffPreview: &preview}, nil
	}

	rich, err := s.conv.SourceToRich(remote)
	if err != nil {
		return RefreshResult{}, conversionError(err)
	}
	err = s.store.ApplySourceRefresh(ctx, store.SourceRefresh{
		DocumentID:   documentID,
		Content:      rich,
		SearchText:   remote,
		ModifiedTime: meta.ModifiedTime,
	})
	if err != nil {
		logger.Error("apply source refresh failed", zap.Error(err))
		return RefreshResult{}, domainError(http.StatusInternalServerError, "PERSISTENCE_ERROR", "Failed to store document", nil)
	}
	s.hub.Publish(ctx, realtime.Change{DocumentID: documentID, Content: rich, Origin: refreshOrigin})

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		logger.Warn("reload refreshed document failed", zap.Error(err))
		doc = store.Document{ID: documentID}
	}
	s.recordSourceWrite(ctx, sourceWrite{
		document: doc,
		provider: link.Provider,
		meta:     meta,
		rich:     rich,
		source:   remote,
		message:  fmt.Sprintf("Refresh from %s (modified %s)", link.Provider, meta.ModifiedTime),
	})

	metrics.RecordRefresh(metrics.RefreshApplied)
	logger.Info("document refreshed from source", zap.String("modified_time", meta.ModifiedTime))
	return RefreshResult{OK: true}, nil
}

// ImportFromSource creates a document owned by ownerID from a remote file
// and links the two. A failed link removes the new document again.
func (s *Service) ImportFromSource(ctx context.Context, ownerID string, input ImportInput) (ImportResult, error) {
	result, err := s.importFromSource(ctx, ownerID, input)
	metrics.RecordImport(err == nil)
	if err != nil {
		logging.FromContext(ctx).Warn("import from source failed", zap.String("owner_id", ownerID), zap.Error(err))
	}
	return result, err
}

func (s *Service) importFromSource(ctx context.Context, ownerID string, input ImportInput) (ImportResult, error) {
	if err := s.validateInput(input); err != nil {
		return ImportResult{}, err
	}
	fileURL := strings.TrimSpace(input.FileURL)
	fileID := strings.TrimSpace(input.FileID)
	if (fileURL == "") == (fileID == "") {
		return ImportResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Provide exactly one of fileUrl or fileId", nil)
	}
	reference := fileURL
	if reference == "" {
		reference = fileID
	}
	externalID, err := source.ParseReference(reference)
	if err != nil {
		return ImportResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid file reference", nil)
	}

	sourceCtx, cancel := s.sourceContext(ctx)
	defer cancel()

	meta, err := s.provider.FetchMetadata(sourceCtx, externalID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("fetch source metadata: %w", err)
	}
	if !source.Supported(meta) {
		return ImportResult{}, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_SOURCE", fmt.Sprintf("Unsupported file type %q", meta.MimeType), nil)
	}
	if meta.ID == "" {
		meta.ID = externalID
	}
	text, err := s.provider.FetchContent(sourceCtx, meta)
	if err != nil {
		return ImportResult{}, fmt.Errorf("fetch source content: %w", err)
	}
	rich, err := s.conv.SourceToRich(text)
	if err != nil {
		return ImportResult{}, conversionError(err)
	}

	logger := logging.FromContext(ctx).With(zap.String("owner_id", ownerID), zap.String("external_file_id", meta.ID))
	doc, err := s.store.CreateDocument(ctx, store.Document{
		ID:         util.NewID(),
		Title:      source.TitleFromName(meta.Name),
		Content:    rich,
		SearchText: text,
		OwnerID:    ownerID,
	})
	if err != nil {
		logger.Error("create document failed", zap.Error(err))
		return ImportResult{}, domainError(http.StatusInternalServerError, "PERSISTENCE_ERROR", "Failed to store document", nil)
	}

	_, err = s.store.CreateSourceLink(ctx, store.SourceLink{
		DocumentID:           doc.ID,
		Provider:             s.provider.Name(),
		ExternalFileID:       meta.ID,
		ExternalModifiedTime: meta.ModifiedTime,
	})
	if err != nil {
		logger.Error("create source link failed", zap.String("document_id", doc.ID), zap.Error(err))
		s.rollbackImport(ctx, doc.ID, ownerID)
		return ImportResult{}, domainError(http.StatusInternalServerError, "PERSISTENCE_ERROR", "Failed to store source link", nil)
	}

	s.recordSourceWrite(ctx, sourceWrite{
		document: doc,
		provider: s.provider.Name(),
		meta:     meta,
		rich:     rich,
		source:   text,
		message:  fmt.Sprintf("Import from %s", s.provider.Name()),
	})
	logger.Info("document imported from source", zap.String("document_id", doc.ID))
	return ImportResult{DocumentID: doc.ID}, nil
}

// rollbackImport removes a document whose link could not be stored. A
// failure here is logged and counted; the caller still reports the link
// error.
func (s *Service) rollbackImport(ctx context.Context, documentID, ownerID string) {
	if err := s.store.DeleteOwnedDocument(context.WithoutCancel(ctx), documentID, ownerID); err != nil {
		metrics.RecordRollback(false)
		logging.FromContext(ctx).Error("rollback imported document failed",
			zap.String("document_id", documentID),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordRollback(true)
}

type sourceWrite struct {
	document store.Document
	provider string
	meta     source.Metadata
	rich     string
	source   string
	message  string
}

// recordSourceWrite commits a history revision, archives the fetched text
// and reindexes the document. Each step only logs its failure.
func (s *Service) recordSourceWrite(ctx context.Context, write sourceWrite) {
	logger := logging.FromContext(ctx).With(zap.String("document_id", write.document.ID))

	if s.history != nil {
		content := gitrepo.Content{Rich: write.rich, Source: write.source}
		if _, err := s.history.CommitRevision(write.document.ID, content, historyAuthor, write.message); err != nil {
			logger.Warn("commit history revision failed", zap.Error(err))
		}
	}

	if s.archive != nil {
		key, err := s.archive.Put(ctx, archive.Snapshot{
			DocumentID:   write.document.ID,
			Provider:     write.provider,
			FileID:       write.meta.ID,
			ModifiedTime: write.meta.ModifiedTime,
			Content:      write.source,
		})
		if err != nil {
			logger.Warn("archive source snapshot failed", zap.Error(err))
		} else {
			logger.Debug("archived source snapshot", zap.String("key", key))
		}
	}

	if s.search != nil && write.document.OwnerID != "" {
		s.search.IndexDocument(search.DocumentRecord{
			ID:      write.document.ID,
			Title:   write.document.Title,
			Text:    write.source,
			OwnerID: write.document.OwnerID,
		})
	}
}

func (s *Service) sourceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.SourceTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.SourceTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) ownedDocument(ctx context.Context, ownerID, documentID string) (store.Document, error) {
	if !util.ValidID(documentID) {
		return store.Document{}, store.ErrNotFound
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.OwnerID != ownerID {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, ownerID, documentID string) (DocumentView, error) {
	doc, err := s.ownedDocument(ctx, ownerID, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	content, err := s.hub.Content(ctx, documentID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("load canonical content: %w", err)
	}

	view := DocumentView{
		ID:        doc.ID,
		Title:     doc.Title,
		Content:   content,
		OwnerID:   doc.OwnerID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	link, err := s.store.GetSourceLink(ctx, documentID)
	switch {
	case err == nil:
		view.Source = &LinkView{
			Provider:             link.Provider,
			ExternalFileID:       link.ExternalFileID,
			ExternalModifiedTime: link.ExternalModifiedTime,
		}
	case !errors.Is(err, store.ErrNotFound):
		return DocumentView{}, err
	}
	return view, nil
}

func (s *Service) History(ctx context.Context, ownerID, documentID string) ([]gitrepo.Revision, error) {
	if _, err := s.ownedDocument(ctx, ownerID, documentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []gitrepo.Revision{}, nil
	}
	revisions, err := s.history.History(documentID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return revisions, nil
}

func (s *Service) Search(ctx context.Context, ownerID, text string, limit, offset int) search.Response {
	query := search.Query{Text: text, OwnerID: ownerID, Limit: limit, Offset: offset}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, query)
}

// OpenSourceSession starts an editing session on a document the owner can
// read. The caller must Close it.
func (s *Service) OpenSourceSession(ctx context.Context, ownerID, documentID string, listener func(editor.Event)) (*editor.Session, error) {
	if _, err := s.ownedDocument(ctx, ownerID, documentID); err != nil {
		return nil, err
	}
	return editor.New(documentID, s.conv, s.hub, editor.Options{
		ID:         util.NewID(),
		Debounce:   s.cfg.Debounce,
		NoticeTTL:  s.cfg.NoticeTTL,
		Equivalent: convert.Equivalent,
		Listener:   listener,
		Logger:     logging.FromContext(ctx),
	}), nil
}
