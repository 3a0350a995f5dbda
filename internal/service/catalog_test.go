package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jask/beatadmin/internal/auth"
	"github.com/jask/beatadmin/internal/blobstore"
	"github.com/jask/beatadmin/internal/database"
	"github.com/jask/beatadmin/internal/docstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	docs    *docstore.Store
	blobs   *blobstore.Store
	blobDir string
	catalog *CatalogService
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	migrations, err := filepath.Abs("../database/migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	docs := docstore.New(db, nil)
	t.Cleanup(func() {
		_ = docs.Close()
		_ = db.Close()
	})

	blobDir := filepath.Join(tmpDir, "blobs")
	blobs, err := blobstore.New(blobDir, "http://localhost:8787", nil)
	require.NoError(t, err)

	return &fixture{
		docs:    docs,
		blobs:   blobs,
		blobDir: blobDir,
		catalog: &CatalogService{
			Docs:  docs,
			Blobs: blobs,
			Auth:  auth.StaticProvider{Identity: auth.Identity{UID: "admin-1"}},
		},
	}, ctx
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// dot files are the store's content type records
		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			n++
		}
		return nil
	}))
	return n
}

func audio(name string) *Upload {
	return &Upload{Name: name, Body: strings.NewReader("RIFF....WAVE")}
}

func TestCatalogCreateUploadsAndStores(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)

	beat, err := f.catalog.Create(ctx, BeatInput{
		Title:      "  Night Drive ",
		Genre:      "trap",
		BPM:        140,
		PriceCents: 2999,
		Audio:      audio("night drive.wav"),
		Cover:      &Upload{Name: "cover.png", Body: strings.NewReader("png")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, beat.ID)
	require.Equal(t, "Night Drive", beat.Title)
	require.Equal(t, 140, beat.BPM)
	require.Equal(t, int64(2999), beat.PriceCents)
	require.Equal(t, "admin-1", beat.UploadedBy)
	require.True(t, strings.HasPrefix(beat.AudioPath, "beats/admin-1/"))
	require.True(t, strings.HasSuffix(beat.AudioPath, "-night drive.wav"))
	require.True(t, strings.HasPrefix(beat.AudioURL, "http://localhost:8787/blobs/beats/admin-1/"))
	require.Contains(t, beat.AudioURL, "night%20drive.wav")
	require.NotEmpty(t, beat.CoverURL)
	require.False(t, beat.CreatedAt.IsZero())

	rc, err := f.blobs.Open(ctx, beat.AudioPath)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "RIFF....WAVE", string(body))

	beats, err := f.catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 1)
	require.Equal(t, beat.ID, beats[0].ID)
	require.Equal(t, beat.AudioURL, beats[0].AudioURL)
}

func TestCatalogCreatePreconditionsWriteNothing(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)

	cases := []struct {
		name string
		in   BeatInput
		svc  *CatalogService
		want error
	}{
		{name: "blank title", in: BeatInput{Title: "  ", Audio: audio("a.wav")}, want: ErrInvalidBeat},
		{name: "no audio", in: BeatInput{Title: "x"}, want: ErrInvalidBeat},
		{name: "negative price", in: BeatInput{Title: "x", PriceCents: -1, Audio: audio("a.wav")}, want: ErrInvalidBeat},
		{
			name: "signed out",
			in:   BeatInput{Title: "x", Audio: audio("a.wav")},
			svc:  &CatalogService{Docs: f.docs, Blobs: f.blobs, Auth: auth.StaticProvider{}},
			want: auth.ErrUnauthenticated,
		},
		{
			name: "no provider",
			in:   BeatInput{Title: "x", Audio: audio("a.wav")},
			svc:  &CatalogService{Docs: f.docs, Blobs: f.blobs},
			want: auth.ErrUnauthenticated,
		},
	}
	for _, tc := range cases {
		svc := tc.svc
		if svc == nil {
			svc = f.catalog
		}
		_, err := svc.Create(ctx, tc.in)
		require.ErrorIs(t, err, tc.want, tc.name)
	}

	beats, err := f.catalog.List(ctx)
	require.NoError(t, err)
	require.Empty(t, beats)
	require.Zero(t, countFiles(t, f.blobDir))
}

type failingDocs struct {
	DocumentStore
}

func (failingDocs) Create(context.Context, string, docstore.Fields) (docstore.Document, error) {
	return docstore.Document{}, errors.New("disk full")
}

func TestCatalogCreateRemovesUploadsWhenStoreFails(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)
	svc := &CatalogService{Docs: failingDocs{f.docs}, Blobs: f.blobs, Auth: f.catalog.Auth}

	_, err := svc.Create(ctx, BeatInput{
		Title: "Orphan",
		Audio: audio("a.wav"),
		Cover: &Upload{Name: "c.jpg", Body: strings.NewReader("jpg")},
	})
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, countFiles(t, f.blobDir))
}

func TestCatalogDeleteRemovesBlobs(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)

	beat, err := f.catalog.Create(ctx, BeatInput{Title: "Gone", Audio: audio("gone.mp3")})
	require.NoError(t, err)
	require.Equal(t, 1, countFiles(t, f.blobDir))

	require.NoError(t, f.catalog.Delete(ctx, beat.ID))
	require.Zero(t, countFiles(t, f.blobDir))

	_, err = f.blobs.Open(ctx, beat.AudioPath)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	require.ErrorIs(t, f.catalog.Delete(ctx, beat.ID), docstore.ErrNotFound)
}

func TestCatalogWatchFollowsChanges(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)
	wctx, stop := context.WithCancel(ctx)
	defer stop()

	ch, err := f.catalog.Watch(wctx)
	require.NoError(t, err)

	next := func(want int) []Beat {
		t.Helper()
		for {
			select {
			case beats := <-ch:
				if len(beats) == want {
					return beats
				}
			case <-ctx.Done():
				t.Fatalf("no snapshot with %d beats", want)
			}
		}
	}
	require.Empty(t, next(0))

	_, err = f.catalog.Create(ctx, BeatInput{Title: "Live", Audio: audio("live.wav")})
	require.NoError(t, err)
	require.Equal(t, "Live", next(1)[0].Title)

	stop()
	for range ch {
	}
}

func TestCatalogSearch(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)
	for _, in := range []BeatInput{
		{Title: "Midnight Drill", Genre: "drill"},
		{Title: "Sunset Boulevard", Genre: "lofi"},
		{Title: "Midnite Run", Genre: "trap"},
	} {
		in.Audio = audio("x.wav")
		_, err := f.catalog.Create(ctx, in)
		require.NoError(t, err)
	}

	got, err := f.catalog.Search(ctx, "midnigt")
	require.NoError(t, err)
	require.Equal(t, []string{"Midnight Drill", "Midnite Run"}, titles(got))

	got, err = f.catalog.Search(ctx, "midnite")
	require.NoError(t, err)
	require.Equal(t, []string{"Midnite Run"}, titles(got))

	got, err = f.catalog.Search(ctx, "LOFI")
	require.NoError(t, err)
	require.Equal(t, []string{"Sunset Boulevard"}, titles(got))

	got, err = f.catalog.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func titles(beats []Beat) []string {
	out := make([]string, 0, len(beats))
	for _, b := range beats {
		out = append(out, b.Title)
	}
	return out
}

func TestParsePrice(t *testing.T) {
	t.Parallel()
	cases := map[string]int64{
		"":         0,
		"29.99":    2999,
		"$1,250.5": 125050,
		" 10 ":     1000,
		"0.5":      50,
	}
	for in, want := range cases {
		got, err := ParsePrice(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParsePrice("-5")
	require.ErrorIs(t, err, ErrInvalidBeat)
	_, err = ParsePrice("ten")
	require.ErrorIs(t, err, ErrInvalidBeat)
}

func TestSafeName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "beat.wav", safeName(`C:\music\beat.wav`))
	require.Equal(t, "beat.wav", safeName("../../beat.wav"))
	require.Equal(t, "upload", safeName("  "))
}

func TestCatalogCreateKeepsUploadContentType(t *testing.T) {
	t.Parallel()
	f, ctx := newFixture(t)

	beat, err := f.catalog.Create(ctx, BeatInput{
		Title: "Typed",
		Audio: &Upload{Name: "typed", ContentType: "audio/wav", Body: strings.NewReader("RIFF")},
		Cover: &Upload{Name: "cover.png", Body: strings.NewReader("png")},
	})
	require.NoError(t, err)

	ct, err := f.blobs.ContentType(beat.AudioPath)
	require.NoError(t, err)
	require.Equal(t, "audio/wav", ct)
	ct, err = f.blobs.ContentType(beat.CoverPath)
	require.NoError(t, err)
	require.Equal(t, "image/png", ct)
}
