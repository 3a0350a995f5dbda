// Package selection keeps a collection of items of which at most one is
// active, and moves the active marker on request.
//
// Two activation strategies exist. Atomic performs the whole move in one
// store transaction, so the at-most-one invariant holds for concurrent
// callers and a failed activation changes nothing. BestEffort issues one
// independent write per affected item; a failed write leaves the others
// applied, and two concurrent callers can leave zero, one or two items active.
package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jask/beatadmin/internal/docstore"
)

const (
	fieldValue     = "value"
	fieldActive    = "active"
	fieldCreatedAt = "created_at"

	bestEffortWrites = 4
)

var (
	// ErrNotFound means the item id is not in the collection.
	ErrNotFound = docstore.ErrNotFound
	// ErrEmptyValue rejects blank values on Add.
	ErrEmptyValue = errors.New("selection: value is empty")
	// ErrPartialActivation marks a best-effort activation where some writes failed.
	ErrPartialActivation = errors.New("selection: activation partially applied")
)

// Strategy selects how Activate writes.
type Strategy string

const (
	Atomic     Strategy = "atomic"
	BestEffort Strategy = "best_effort"
)

// ParseStrategy maps a config value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Atomic, "":
		return Atomic, nil
	case BestEffort:
		return BestEffort, nil
	default:
		return "", fmt.Errorf("selection: unknown strategy %q", s)
	}
}

// Item is one selectable entry.
type Item struct {
	ID        string
	Value     string
	Active    bool
	CreatedAt time.Time
}

// Store is the document store the manager persists through.
type Store interface {
	Create(ctx context.Context, collection string, fields docstore.Fields) (docstore.Document, error)
	List(ctx context.Context, collection string) ([]docstore.Document, error)
	Update(ctx context.Context, collection, id string, fields docstore.Fields) error
	Delete(ctx context.Context, collection, id string) error
	Watch(ctx context.Context, collection string) (<-chan docstore.Snapshot, error)
}

// Transactor is implemented by stores that can run the atomic strategy.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(tx docstore.Tx) error) error
}

// ActivationError reports a best-effort activation in which some writes
// failed. Writes that succeeded are not rolled back.
type ActivationError struct {
	Target string
	Failed []string // ids whose write failed
	Err    error    // joined write errors
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %d of the writes failed: %v", e.Target, len(e.Failed), e.Err)
}

func (e *ActivationError) Unwrap() []error { return []error{ErrPartialActivation, e.Err} }

// Manager enforces the single-active-item rule over one collection.
type Manager struct {
	store      Store
	collection string
	strategy   Strategy
	log        *zap.Logger
}

// New returns a manager for collection. The atomic strategy needs a store
// that implements Transactor.
func New(store Store, collection string, strategy Strategy, log *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("selection: store is nil")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("selection: collection is required")
	}
	if strategy == "" {
		strategy = Atomic
	}
	if _, ok := store.(Transactor); strategy == Atomic && !ok {
		return nil, errors.New("selection: atomic strategy needs a transactional store")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      store,
		collection: collection,
		strategy:   strategy,
		log:        log.Named("selection").With(zap.String("collection", collection)),
	}, nil
}

func (m *Manager) Strategy() Strategy { return m.strategy }

// Add stores a new inactive item. Values need not be unique.
func (m *Manager) Add(ctx context.Context, value string) (Item, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Item{}, ErrEmptyValue
	}
	doc, err := m.store.Create(ctx, m.collection, docstore.Fields{
		fieldValue:     value,
		fieldActive:    false,
		fieldCreatedAt: time.Now().UTC(),
	})
	if err != nil {
		m.log.Error("add failed", zap.Error(err))
		return Item{}, fmt.Errorf("add: %w", err)
	}
	return itemFrom(doc), nil
}

// Remove deletes the item. Nothing else references items.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, m.collection, id); err != nil {
		m.log.Error("remove failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// List returns the items in creation order.
func (m *Manager) List(ctx context.Context) ([]Item, error) {
	docs, err := m.store.List(ctx, m.collection)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return itemsFrom(docs), nil
}

// Active returns the first active item, or nil when none is active.
func (m *Manager) Active(ctx context.Context) (*Item, error) {
	items, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Active {
			return &items[i], nil
		}
	}
	return nil, nil
}

// Activate makes targetID the only active item. An unknown id fails with
// ErrNotFound before anything is written.
func (m *Manager) Activate(ctx context.Context, targetID string) error {
	var err error
	switch m.strategy {
	case BestEffort:
		err = m.activateBestEffort(ctx, targetID)
	default:
		err = m.activateAtomic(ctx, targetID)
	}
	if err != nil {
		m.log.Error("activate failed", zap.String("target", targetID), zap.String("strategy", string(m.strategy)), zap.Error(err))
		return err
	}
	m.log.Info("activated", zap.String("target", targetID), zap.String("strategy", string(m.strategy)))
	return nil
}

func (m *Manager) activateAtomic(ctx context.Context, targetID string) error {
	txr := m.store.(Transactor)
	return txr.RunInTx(ctx, func(tx docstore.Tx) error {
		docs, err := tx.List(ctx, m.collection)
		if err != nil {
			return err
		}
		items := itemsFrom(docs)
		target := find(items, targetID)
		if target == nil {
			return fmt.Errorf("activate %s: %w", targetID, ErrNotFound)
		}
		for _, it := range items {
			if it.ID != targetID && it.Active {
				if err := tx.Update(ctx, m.collection, it.ID, docstore.Fields{fieldActive: false}); err != nil {
					return fmt.Errorf("deactivate %s: %w", it.ID, err)
				}
			}
		}
		if target.Active {
			return nil
		}
		if err := tx.Update(ctx, m.collection, targetID, docstore.Fields{fieldActive: true}); err != nil {
			return fmt.Errorf("activate %s: %w", targetID, err)
		}
		return nil
	})
}

// activateBestEffort reads the collection once, clears the other active
// items concurrently and then marks the target. Failed writes are collected,
// not undone.
func (m *Manager) activateBestEffort(ctx context.Context, targetID string) error {
	items, err := m.List(ctx)
	if err != nil {
		return err
	}
	if find(items, targetID) == nil {
		return fmt.Errorf("activate %s: %w", targetID, ErrNotFound)
	}

	var (
		mu     sync.Mutex
		failed []string
		errs   []error
	)
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, id)
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}

	var g errgroup.Group
	g.SetLimit(bestEffortWrites)
	for _, it := range items {
		if it.ID == targetID || !it.Active {
			continue
		}
		id := it.ID
		g.Go(func() error {
			if err := m.store.Update(ctx, m.collection, id, docstore.Fields{fieldActive: false}); err != nil {
				record(id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.store.Update(ctx, m.collection, targetID, docstore.Fields{fieldActive: true}); err != nil {
		record(targetID, err)
	}

	if len(errs) > 0 {
		return &ActivationError{Target: targetID, Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// Watch streams the full item list on subscribe and after every change.
func (m *Manager) Watch(ctx context.Context) (<-chan []Item, error) {
	snaps, err := m.store.Watch(ctx, m.collection)
	if err != nil {
		return nil, err
	}
	out := make(chan []Item, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			items := itemsFrom(snap.Documents)
			// keep only the newest list if the reader is behind
			select {
			case <-out:
			default:
			}
			select {
			case out <- items:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func itemFrom(d docstore.Document) Item {
	created := d.Time(fieldCreatedAt)
	if created.IsZero() {
		created = d.CreatedAt
	}
	return Item{
		ID:        d.ID,
		Value:     d.String(fieldValue),
		Active:    d.Bool(fieldActive),
		CreatedAt: created,
	}
}

func itemsFrom(docs []docstore.Document) []Item {
	items := make([]Item, 0, len(docs))
	for _, d := range docs {
		items = append(items, itemFrom(d))
	}
	return items
}

func find(items []Item, id string) *Item {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
	}
	return nil
}
