package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/database"
	"github.com/jask/beatadmin/internal/database/repository"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("docstore: store closed")

// Tx is the view of the store inside RunInTx. All reads and writes go through
// one SQLite transaction; watchers hear about the writes once, after commit.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Create(ctx context.Context, collection string, fields Fields) (Document, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
}

// Store is a document store backed by the documents table.
type Store struct {
	db   *sql.DB
	docs *repository.DocumentRepo
	log  *zap.Logger
	now  func() time.Time
	hub  *hub
	file *fileWatcher
}

// New returns a store on an already migrated database and starts its
// snapshot dispatcher. Close stops it; the database handle stays open.
func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		db:   db,
		docs: repository.NewDocumentRepo(),
		log:  log.Named("docstore"),
		now:  database.Now,
	}
	s.hub = newHub(s.log)
	s.hub.start(s.loadSnapshot)
	return s
}

// Close stops the dispatcher and file watcher and closes every watch channel.
func (s *Store) Close() error {
	var err error
	if s.file != nil {
		err = s.file.stop()
	}
	s.hub.close()
	return err
}

func (s *Store) Create(ctx context.Context, collection string, fields Fields) (Document, error) {
	var doc Document
	err := s.RunInTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.Create(ctx, collection, fields)
		return err
	})
	return doc, err
}

func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDocument(ctx, s.docs, s.db, collection, id)
}

func (s *Store) List(ctx context.Context, collection string) ([]Document, error) {
	return listDocuments(ctx, s.docs, s.db, collection)
}

// Update merges fields into the stored document; a nil value removes the key.
func (s *Store) Update(ctx context.Context, collection, id string, fields Fields) error {
	return s.RunInTx(ctx, func(tx Tx) error {
		return tx.Update(ctx, collection, id, fields)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.RunInTx(ctx, func(tx Tx) error {
		return tx.Delete(ctx, collection, id)
	})
}

// RunInTx runs fn in one transaction. If fn returns an error nothing is
// written and no watcher is notified.
func (s *Store) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	t := &sqlTx{store: s, dirty: map[string]struct{}{}}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		t.tx = tx
		return fn(t)
	})
	if err != nil {
		return err
	}
	collections := make([]string, 0, len(t.dirty))
	for c := range t.dirty {
		collections = append(collections, c)
	}
	s.hub.markDirty(collections...)
	return nil
}

// Purge deletes every document in every collection.
func (s *Store) Purge(ctx context.Context) ([]string, error) {
	var cleared []string
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		cleared, err = s.docs.DeleteAll(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("purge documents: %w", err)
	}
	s.log.Info("documents purged", zap.Strings("collections", cleared))
	s.hub.markDirty(cleared...)
	return cleared, nil
}

// Watch subscribes to full snapshots of collection. The current snapshot
// arrives first, then one per committed change. A subscriber that falls
// behind only ever sees the newest snapshot. The channel closes when ctx is
// done or the store is closed.
func (s *Store) Watch(ctx context.Context, collection string) (<-chan Snapshot, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	sub, err := s.hub.subscribe(ctx, collection)
	if err != nil {
		return nil, err
	}
	return sub.ch, nil
}

func (s *Store) loadSnapshot(ctx context.Context, collection string) ([]Document, error) {
	return s.List(ctx, collection)
}

type sqlTx struct {
	store *Store
	tx    *sql.Tx
	dirty map[string]struct{}
}

func (t *sqlTx) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDocument(ctx, t.store.docs, t.tx, collection, id)
}

func (t *sqlTx) List(ctx context.Context, collection string) ([]Document, error) {
	return listDocuments(ctx, t.store.docs, t.tx, collection)
}

func (t *sqlTx) Create(ctx context.Context, collection string, fields Fields) (Document, error) {
	if err := validCollection(collection); err != nil {
		return Document{}, err
	}
	data, err := encodeFields(fields)
	if err != nil {
		return Document{}, err
	}
	now := t.store.now()
	row := repository.Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.store.docs.Insert(ctx, t.tx, row); err != nil {
		return Document{}, fmt.Errorf("create %s: %w", collection, err)
	}
	t.dirty[collection] = struct{}{}
	t.store.log.Debug("document created", zap.String("collection", collection), zap.String("id", row.ID))
	return toDocument(row)
}

func (t *sqlTx) Update(ctx context.Context, collection, id string, fields Fields) error {
	current, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	data, err := encodeFields(merge(current.Fields, fields))
	if err != nil {
		return err
	}
	if err := t.store.docs.UpdateData(ctx, t.tx, collection, id, data, t.store.now()); err != nil {
		return mapErr(err, collection, id)
	}
	t.dirty[collection] = struct{}{}
	t.store.log.Debug("document updated", zap.String("collection", collection), zap.String("id", id))
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, collection, id string) error {
	if err := t.store.docs.Delete(ctx, t.tx, collection, id); err != nil {
		return mapErr(err, collection, id)
	}
	t.dirty[collection] = struct{}{}
	t.store.log.Debug("document deleted", zap.String("collection", collection), zap.String("id", id))
	return nil
}

func getDocument(ctx context.Context, repo *repository.DocumentRepo, q repository.Querier, collection, id string) (Document, error) {
	row, err := repo.Get(ctx, q, collection, id)
	if err != nil {
		return Document{}, mapErr(err, collection, id)
	}
	return toDocument(*row)
}

func listDocuments(ctx context.Context, repo *repository.DocumentRepo, q repository.Querier, collection string) ([]Document, error) {
	rows, err := repo.List(ctx, q, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		d, err := toDocument(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func toDocument(r repository.Document) (Document, error) {
	fields, err := decodeFields(r.Data)
	if err != nil {
		return Document{}, fmt.Errorf("%s/%s: %w", r.Collection, r.ID, err)
	}
	return Document{
		ID:         r.ID,
		Collection: r.Collection,
		Fields:     fields,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func mapErr(err error, collection, id string) error {
	if errors.Is(err, repository.ErrNoDocument) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", collection, id, err)
}

func validCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return errors.New("docstore: collection name required")
	}
	return nil
}
