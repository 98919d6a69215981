// Package gdrive reads documents hosted in Google Drive.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inkwell/api/internal/logging"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/source"
)

// MaxContentSize bounds how much of a remote file is read.
const MaxContentSize = 10 * 1024 * 1024

const (
	exportMimeMarkdown = "text/markdown"
	metadataFields     = "id,name,mimeType,modifiedTime,trashed"
	defaultRPS         = 8.0
	defaultBurst       = 10
)

type Config struct {
	// CredentialsFile is a service account or authorized user JSON file.
	CredentialsFile string
	// APIKey reads publicly shared files without credentials.
	APIKey string
	// Endpoint overrides the Drive API base URL.
	Endpoint string
	// HTTPClient is used as is when set; credentials are then ignored.
	HTTPClient        *http.Client
	RequestsPerSecond float64
}

type Provider struct {
	svc     *drive.Service
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read drive credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, drive.DriveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse drive credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(creds.TokenSource))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	return &Provider{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(rps), defaultBurst),
		logger:  logging.L().Named("gdrive"),
	}, nil
}

func (p *Provider) Name() string {
	return source.ProviderGoogleDrive
}

func (p *Provider) FetchMetadata(ctx context.Context, fileID string) (source.Metadata, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return source.Metadata{}, err
	}
	start := time.Now()
	file, err := p.svc.Files.Get(fileID).
		Fields(googleapi.Field(metadataFields)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	metrics.RecordSourceCall("metadata", time.Since(start))
	if err != nil {
		return source.Metadata{}, fmt.Errorf("fetch drive metadata %s: %w", fileID, wrapError(err))
	}
	if file.Trashed {
		return source.Metadata{}, fmt.Errorf("fetch drive metadata %s: %w", fileID, source.ErrNotFound)
	}
	return source.Metadata{
		ID:           file.Id,
		Name:         file.Name,
		MimeType:     file.MimeType,
		ModifiedTime: file.ModifiedTime,
	}, nil
}

// FetchContent exports Google Docs as Markdown and downloads every other
// file as stored.
func (p *Provider) FetchContent(ctx context.Context, meta source.Metadata) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	defer func() { metrics.RecordSourceCall("content", time.Since(start)) }()

	var (
		resp *http.Response
		err  error
	)
	if meta.MimeType == source.MimeGoogleDoc {
		resp, err = p.svc.Files.Export(meta.ID, exportMimeMarkdown).Context(ctx).Download()
	} else {
		resp, err = p.svc.Files.Get(meta.ID).SupportsAllDrives(true).Context(ctx).Download()
	}
	if err != nil {
		return "", fmt.Errorf("download drive file %s: %w", meta.ID, wrapError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxContentSize+1))
	if err != nil {
		return "", fmt.Errorf("read drive file %s: %w", meta.ID, err)
	}
	if len(data) > MaxContentSize {
		p.logger.Warn("remote file exceeds size limit", zap.String("file_id", meta.ID), zap.Int("limit", MaxContentSize))
		return "", fmt.Errorf("read drive file %s: %w: larger than %d bytes", meta.ID, source.ErrUnsupported, MaxContentSize)
	}
	return string(data), nil
}

// wrapError maps Drive API errors onto source sentinels.
func wrapError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return source.ErrNotFound
	default:
		return err
	}
}
