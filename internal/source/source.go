// Package source describes externally hosted copies of documents and the
// provider contract used to read them.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	ErrNotFound         = errors.New("source file not found")
	ErrInvalidReference = errors.New("invalid source reference")
	ErrUnsupported      = errors.New("unsupported source file")
)

const (
	MimeGoogleDoc       = "application/vnd.google-apps.document"
	MimeMarkdown        = "text/markdown"
	MimeXMarkdown       = "text/x-markdown"
	MimePlainText       = "text/plain"
	ProviderGoogleDrive = "google_drive"
)

// Metadata is what a provider reports about a remote file.
type Metadata struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
}

// Provider reads remote files. FetchMetadata and FetchContent return
// ErrNotFound when the file does not exist or is not visible.
type Provider interface {
	Name() string
	FetchMetadata(ctx context.Context, fileID string) (Metadata, error)
	FetchContent(ctx context.Context, meta Metadata) (string, error)
}

var (
	pathIDPattern = regexp.MustCompile(`/(?:document|file|spreadsheets|presentation)/(?:u/\d+/)?d/([A-Za-z0-9_-]+)`)
	bareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
)

// ParseReference extracts a file id from a share URL or accepts a bare id.
// Recognised URLs carry the id as /document/d/{id}, /file/d/{id} or ?id={id}.
func ParseReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	if !strings.Contains(ref, "/") && !strings.Contains(ref, "?") {
		if bareIDPattern.MatchString(ref) {
			return ref, nil
		}
		return "", fmt.Errorf("%w: %q is not a file id", ErrInvalidReference, ref)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, u.Scheme)
	}
	if m := pathIDPattern.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}
	if id := u.Query().Get("id"); bareIDPattern.MatchString(id) {
		return id, nil
	}
	return "", fmt.Errorf("%w: no file id in %q", ErrInvalidReference, ref)
}

var supportedMimeTypes = map[string]struct{}{
	MimeGoogleDoc: {},
	MimeMarkdown:  {},
	MimeXMarkdown: {},
	MimePlainText: {},
}

var supportedExtensions = map[string]struct{}{
	".md":       {},
	".markdown": {},
	".txt":      {},
}

// Supported reports whether meta describes a file that can be imported as
// source text.
func Supported(meta Metadata) bool {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(meta.MimeType, ";", 2)[0]))
	if _, ok := supportedMimeTypes[mime]; ok {
		return true
	}
	_, ok := supportedExtensions[strings.ToLower(path.Ext(meta.Name))]
	return ok
}

// TitleFromName derives a document title from a remote file name.
func TitleFromName(name string) string {
	name = strings.TrimSpace(name)
	ext := path.Ext(name)
	if _, ok := supportedExtensions[strings.ToLower(ext)]; ok {
		name = strings.TrimSuffix(name, ext)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "Untitled"
	}
	return name
}
