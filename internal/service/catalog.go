package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/auth"
	"github.com/jask/beatadmin/internal/blobstore"
	"github.com/jask/beatadmin/internal/docstore"
)

// BeatsCollection holds catalog entries.
const BeatsCollection = "beats"

// ErrInvalidBeat is returned when a catalog entry is missing required input.
var ErrInvalidBeat = errors.New("invalid beat")

// DocumentStore is the slice of the document store the services use.
type DocumentStore interface {
	Create(ctx context.Context, collection string, fields docstore.Fields) (docstore.Document, error)
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	List(ctx context.Context, collection string) ([]docstore.Document, error)
	Delete(ctx context.Context, collection, id string) error
	Watch(ctx context.Context, collection string) (<-chan docstore.Snapshot, error)
}

// BlobStore stores uploaded files and resolves their public URLs.
type BlobStore interface {
	Put(ctx context.Context, p string, r io.Reader, contentType string) (blobstore.Object, error)
	URL(p string) (string, error)
	Delete(ctx context.Context, p string) error
}

// Beat is a catalog entry.
type Beat struct {
	ID         string
	Title      string
	Genre      string
	BPM        int
	PriceCents int64
	AudioURL   string
	AudioPath  string
	CoverURL   string
	CoverPath  string
	UploadedBy string
	CreatedAt  time.Time
}

// Upload is a file picked for upload. An empty ContentType is guessed from
// Name by the blob store.
type Upload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// BeatInput is what the upload form collects.
type BeatInput struct {
	Title      string
	Genre      string
	BPM        int
	PriceCents int64
	Audio      *Upload
	Cover      *Upload // optional
}

// CatalogService uploads and lists beats.
type CatalogService struct {
	Docs  DocumentStore
	Blobs BlobStore
	Auth  auth.Provider
	Log   *zap.Logger
}

// Create validates in, uploads its files under beats/<uid>/ and stores the
// entry. Nothing is written when a precondition fails. If the entry cannot
// be stored the uploaded files are removed.
func (s *CatalogService) Create(ctx context.Context, in BeatInput) (Beat, error) {
	if err := validateBeat(in); err != nil {
		return Beat{}, err
	}
	if s.Auth == nil {
		return Beat{}, auth.ErrUnauthenticated
	}
	who, err := s.Auth.Current(ctx)
	if err != nil {
		return Beat{}, err
	}

	b := Beat{
		Title:      strings.TrimSpace(in.Title),
		Genre:      strings.TrimSpace(in.Genre),
		BPM:        in.BPM,
		PriceCents: in.PriceCents,
		UploadedBy: who.UID,
		CreatedAt:  time.Now().UTC(),
	}

	var uploaded []string
	cleanup := func() {
		for _, p := range uploaded {
			if err := s.Blobs.Delete(context.WithoutCancel(ctx), p); err != nil {
				s.log().Warn("orphaned upload", zap.String("path", p), zap.Error(err))
			}
		}
	}

	b.AudioPath, b.AudioURL, err = s.upload(ctx, who.UID, in.Audio)
	if err != nil {
		return Beat{}, err
	}
	uploaded = append(uploaded, b.AudioPath)

	if in.Cover != nil {
		b.CoverPath, b.CoverURL, err = s.upload(ctx, who.UID, in.Cover)
		if err != nil {
			cleanup()
			return Beat{}, err
		}
		uploaded = append(uploaded, b.CoverPath)
	}

	doc, err := s.Docs.Create(ctx, BeatsCollection, beatFields(b))
	if err != nil {
		s.log().Error("create beat failed", zap.String("title", b.Title), zap.Error(err))
		cleanup()
		return Beat{}, fmt.Errorf("create beat: %w", err)
	}
	s.log().Info("beat created", zap.String("id", doc.ID), zap.String("uploaded_by", who.UID))
	return beatFrom(doc), nil
}

func (s *CatalogService) upload(ctx context.Context, uid string, u *Upload) (string, string, error) {
	p := path.Join("beats", uid, uuid.NewString()+"-"+safeName(u.Name))
	if _, err := s.Blobs.Put(ctx, p, u.Body, u.ContentType); err != nil {
		s.log().Error("upload failed", zap.String("path", p), zap.Error(err))
		return "", "", fmt.Errorf("upload %s: %w", u.Name, err)
	}
	url, err := s.Blobs.URL(p)
	if err != nil {
		return "", "", fmt.Errorf("resolve url %s: %w", p, err)
	}
	return p, url, nil
}

// List returns every beat, oldest first.
func (s *CatalogService) List(ctx context.Context) ([]Beat, error) {
	docs, err := s.Docs.List(ctx, BeatsCollection)
	if err != nil {
		return nil, fmt.Errorf("list beats: %w", err)
	}
	return beatsFrom(docs), nil
}

// Search ranks beats against q; see RankBeats.
func (s *CatalogService) Search(ctx context.Context, q string) ([]Beat, error) {
	beats, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return RankBeats(beats, q), nil
}

// Delete removes the entry, then its files. A file that cannot be removed is
// logged and left behind.
func (s *CatalogService) Delete(ctx context.Context, id string) error {
	doc, err := s.Docs.Get(ctx, BeatsCollection, id)
	if err != nil {
		return fmt.Errorf("delete beat: %w", err)
	}
	if err := s.Docs.Delete(ctx, BeatsCollection, id); err != nil {
		s.log().Error("delete beat failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete beat: %w", err)
	}
	b := beatFrom(doc)
	for _, p := range []string{b.AudioPath, b.CoverPath} {
		if p == "" {
			continue
		}
		if err := s.Blobs.Delete(ctx, p); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			s.log().Warn("orphaned upload", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}

// Watch streams the catalog on subscribe and after every change.
func (s *CatalogService) Watch(ctx context.Context) (<-chan []Beat, error) {
	snaps, err := s.Docs.Watch(ctx, BeatsCollection)
	if err != nil {
		return nil, err
	}
	out := make(chan []Beat, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			beats := beatsFrom(snap.Documents)
			select {
			case <-out:
			default:
			}
			select {
			case out <- beats:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *CatalogService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func validateBeat(in BeatInput) error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidBeat)
	case in.Audio == nil || in.Audio.Body == nil:
		return fmt.Errorf("%w: audio file is required", ErrInvalidBeat)
	case in.BPM < 0 || in.BPM > 999:
		return fmt.Errorf("%w: bpm %d out of range", ErrInvalidBeat, in.BPM)
	case in.PriceCents < 0:
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidBeat)
	case in.Cover != nil && in.Cover.Body == nil:
		return fmt.Errorf("%w: cover file is empty", ErrInvalidBeat)
	}
	return nil
}

// ParsePrice converts a dollar amount such as "1,250.50" to cents.
func ParsePrice(s string) (int64, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), "$")
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q", ErrInvalidBeat, s)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: price cannot be negative", ErrInvalidBeat)
	}
	return int64(math.Round(f * 100)), nil
}

func safeName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r < 0x20:
			return '_'
		}
		return r
	}, base)
}

func beatFields(b Beat) docstore.Fields {
	return docstore.Fields{
		"title":       b.Title,
		"genre":       b.Genre,
		"bpm":         b.BPM,
		"price_cents": b.PriceCents,
		"audio_url":   b.AudioURL,
		"audio_path":  b.AudioPath,
		"cover_url":   b.CoverURL,
		"cover_path":  b.CoverPath,
		"uploaded_by": b.UploadedBy,
		"created_at":  b.CreatedAt,
	}
}

func beatFrom(d docstore.Document) Beat {
	created := d.Time("created_at")
	if created.IsZero() {
		created = d.CreatedAt
	}
	return Beat{
		ID:         d.ID,
		Title:      d.String("title"),
		Genre:      d.String("genre"),
		BPM:        int(d.Int("bpm")),
		PriceCents: d.Int("price_cents"),
		AudioURL:   d.String("audio_url"),
		AudioPath:  d.String("audio_path"),
		CoverURL:   d.String("cover_url"),
		CoverPath:  d.String("cover_path"),
		UploadedBy: d.String("uploaded_by"),
		CreatedAt:  created,
	}
}

func beatsFrom(docs []docstore.Document) []Beat {
	out := make([]Beat, 0, len(docs))
	for _, d := range docs {
		out = append(out, beatFrom(d))
	}
	return out
}
