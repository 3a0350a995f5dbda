// Package blobstore keeps uploaded audio and artwork on the local filesystem
// and hands out the public URLs they are served under.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for a path with no stored blob.
	ErrNotFound = errors.New("blobstore: blob not found")
	// ErrInvalidPath rejects empty, absolute, escaping or reserved paths.
	ErrInvalidPath = errors.New("blobstore: invalid path")
)

// Object describes a stored blob.
type Object struct {
	Path        string
	Size        int64
	URL         string
	ContentType string
}

// Files starting with these prefixes are the store's own and never addressable.
const (
	tempPrefix = ".upload-"
	typePrefix = ".type-"
)

// Store writes blobs under a root directory.
type Store struct {
	root    string
	baseURL string
	log     *zap.Logger
}

// New creates the root directory if needed.
func New(root, publicBaseURL string, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobstore: root is required")
	}
	if _, err := url.Parse(publicBaseURL); err != nil {
		return nil, fmt.Errorf("blobstore: public base url: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir blob root: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, baseURL: strings.TrimRight(publicBaseURL, "/"), log: log.Named("blobstore")}, nil
}

// Put stores r at p, replacing any existing blob. The write is atomic: readers
// see either the old bytes or the new ones. contentType is served back with
// the blob; when empty it is guessed from the extension.
func (s *Store) Put(ctx context.Context, p string, r io.Reader, contentType string) (Object, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	dst := s.fsPath(clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, fmt.Errorf("mkdir %s: %w", clean, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", clean, err)
	}
	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("put %s: %w", clean, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("put %s: %w", clean, err)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(clean))
	}
	if err := s.writeType(dst, contentType); err != nil {
		return Object{}, fmt.Errorf("put %s: %w", clean, err)
	}
	s.log.Debug("blob stored", zap.String("path", clean), zap.Int64("bytes", n), zap.String("content_type", contentType))
	return Object{Path: clean, Size: n, URL: s.urlFor(clean), ContentType: contentType}, nil
}

// ContentType returns the type recorded for p by Put, or "" if none was.
func (s *Store) ContentType(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(typeFile(s.fsPath(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return strings.TrimSpace(string(b)), err
}

func (s *Store) writeType(dst, contentType string) error {
	tf := typeFile(dst)
	if contentType == "" {
		if err := os.Remove(tf); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(tf, []byte(contentType), 0o644)
}

func typeFile(dst string) string {
	return filepath.Join(filepath.Dir(dst), typePrefix+filepath.Base(dst))
}

// Open returns the blob at p for reading.
func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.fsPath(clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", clean, ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// URL returns the durable public URL of p. It does not check that p exists.
func (s *Store) URL(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return s.urlFor(clean), nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := s.fsPath(clean)
	if err := os.Remove(dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", clean, ErrNotFound)
		}
		return err
	}
	if err := os.Remove(typeFile(dst)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("stale content type", zap.String("path", clean), zap.Error(err))
	}
	s.log.Debug("blob deleted", zap.String("path", clean))
	return nil
}

// Clear removes every blob and keeps the root.
func (s *Store) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", e.Name(), err)
		}
	}
	s.log.Info("blob store cleared", zap.String("root", s.root))
	return nil
}

func (s *Store) fsPath(clean string) string {
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *Store) urlFor(clean string) string {
	parts := strings.Split(clean, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return s.baseURL + "/blobs/" + strings.Join(parts, "/")
}

// cleanPath normalises a slash-separated relative path.
func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	for _, part := range strings.Split(clean, "/") {
		if strings.HasPrefix(part, tempPrefix) || strings.HasPrefix(part, typePrefix) {
			return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
		}
	}
	return clean, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
