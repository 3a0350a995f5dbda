package selection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jask/beatadmin/internal/database"
	"github.com/jask/beatadmin/internal/docstore"
)

const phones = "phoneNumbers"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openStore(t *testing.T) (*docstore.Store, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath, ""))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	s := docstore.New(db, nil)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s, ctx
}

// plainStore hides RunInTx so only per-item writes are possible.
type plainStore struct{ s *docstore.Store }

func (p plainStore) Create(ctx context.Context, c string, f docstore.Fields) (docstore.Document, error) {
	return p.s.Create(ctx, c, f)
}
func (p plainStore) List(ctx context.Context, c string) ([]docstore.Document, error) {
	return p.s.List(ctx, c)
}
func (p plainStore) Update(ctx context.Context, c, id string, f docstore.Fields) error {
	return p.s.Update(ctx, c, id, f)
}
func (p plainStore) Delete(ctx context.Context, c, id string) error { return p.s.Delete(ctx, c, id) }
func (p plainStore) Watch(ctx context.Context, c string) (<-chan docstore.Snapshot, error) {
	return p.s.Watch(ctx, c)
}

// flakyStore fails per-item updates for the listed ids.
type flakyStore struct {
	plainStore
	fail map[string]error
}

func (f flakyStore) Update(ctx context.Context, c, id string, fields docstore.Fields) error {
	if err, ok := f.fail[id]; ok {
		return err
	}
	return f.plainStore.Update(ctx, c, id, fields)
}

// failingTxStore fails updates of one id inside transactions.
type failingTxStore struct {
	*docstore.Store
	failID string
}

func (f failingTxStore) RunInTx(ctx context.Context, fn func(docstore.Tx) error) error {
	return f.Store.RunInTx(ctx, func(tx docstore.Tx) error {
		return fn(failingTx{Tx: tx, failID: f.failID})
	})
}

type failingTx struct {
	docstore.Tx
	failID string
}

func (f failingTx) Update(ctx context.Context, c, id string, fields docstore.Fields) error {
	if id == f.failID {
		return errors.New("write rejected")
	}
	return f.Tx.Update(ctx, c, id, fields)
}

// barrierStore holds every List until n callers have read, forcing
// concurrent activations to act on the same stale view.
type barrierStore struct {
	plainStore
	wg *sync.WaitGroup
}

func (b barrierStore) List(ctx context.Context, c string) ([]docstore.Document, error) {
	docs, err := b.plainStore.List(ctx, c)
	b.wg.Done()
	b.wg.Wait()
	return docs, err
}

func newManager(t *testing.T, store Store, strategy Strategy) *Manager {
	t.Helper()
	m, err := New(store, phones, strategy, nil)
	require.NoError(t, err)
	return m
}

func seed(t *testing.T, ctx context.Context, m *Manager, values ...string) []Item {
	t.Helper()
	items := make([]Item, 0, len(values))
	for _, v := range values {
		it, err := m.Add(ctx, v)
		require.NoError(t, err)
		items = append(items, it)
	}
	return items
}

// forceActive writes active flags directly, bypassing the manager.
func forceActive(t *testing.T, ctx context.Context, s *docstore.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.Update(ctx, phones, id, docstore.Fields{fieldActive: true}))
	}
}

func activeIDs(t *testing.T, ctx context.Context, m *Manager) []string {
	t.Helper()
	items, err := m.List(ctx)
	require.NoError(t, err)
	var out []string
	for _, it := range items {
		if it.Active {
			out = append(out, it.ID)
		}
	}
	return out
}

func strategies(t *testing.T, s *docstore.Store) map[Strategy]*Manager {
	return map[Strategy]*Manager{
		Atomic:     newManager(t, s, Atomic),
		BestEffort: newManager(t, plainStore{s}, BestEffort),
	}
}

func TestActivateMovesActiveMarker(t *testing.T) {
	t.Parallel()
	for _, strategy := range []Strategy{Atomic, BestEffort} {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()
			s, ctx := openStore(t)
			m := strategies(t, s)[strategy]

			items := seed(t, ctx, m, "+61 400 000 001", "+61 400 000 002")
			forceActive(t, ctx, s, items[0].ID)

			require.NoError(t, m.Activate(ctx, items[1].ID))

			got, err := m.List(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.False(t, got[0].Active)
			require.True(t, got[1].Active)

			active, err := m.Active(ctx)
			require.NoError(t, err)
			require.Equal(t, items[1].ID, active.ID)
		})
	}
}

func TestActivateLeavesExactlyOneActive(t *testing.T) {
	t.Parallel()
	for _, strategy := range []Strategy{Atomic, BestEffort} {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()
			s, ctx := openStore(t)
			m := strategies(t, s)[strategy]

			items := seed(t, ctx, m, "a", "b", "c", "d", "e")
			// start from a state that already breaks the rule
			forceActive(t, ctx, s, items[0].ID, items[2].ID, items[4].ID)

			for _, target := range []int{3, 3, 0, 4, 1} {
				require.NoError(t, m.Activate(ctx, items[target].ID))
				require.Equal(t, []string{items[target].ID}, activeIDs(t, ctx, m))
			}
		})
	}
}

func TestActivateUnknownID(t *testing.T) {
	t.Parallel()
	for _, strategy := range []Strategy{Atomic, BestEffort} {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()
			s, ctx := openStore(t)
			m := strategies(t, s)[strategy]

			err := m.Activate(ctx, "x")
			require.ErrorIs(t, err, ErrNotFound)
			items, err := m.List(ctx)
			require.NoError(t, err)
			require.Empty(t, items)

			seeded := seed(t, ctx, m, "a", "b")
			forceActive(t, ctx, s, seeded[0].ID)
			require.ErrorIs(t, m.Activate(ctx, "x"), ErrNotFound)
			require.Equal(t, []string{seeded[0].ID}, activeIDs(t, ctx, m))
		})
	}
}

func TestAddIsInactive(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	m := newManager(t, s, Atomic)

	it, err := m.Add(ctx, "  +1 555 0100 ")
	require.NoError(t, err)
	require.False(t, it.Active)
	require.Equal(t, "+1 555 0100", it.Value)
	require.False(t, it.CreatedAt.IsZero())

	// duplicates are allowed
	_, err = m.Add(ctx, "+1 555 0100")
	require.NoError(t, err)

	items, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, got := range items {
		require.False(t, got.Active)
	}

	_, err = m.Add(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyValue)
}

func TestRemoveThenActivateFails(t *testing.T) {
	t.Parallel()
	for _, strategy := range []Strategy{Atomic, BestEffort} {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()
			s, ctx := openStore(t)
			m := strategies(t, s)[strategy]

			items := seed(t, ctx, m, "a", "b")
			require.NoError(t, m.Remove(ctx, items[0].ID))
			require.ErrorIs(t, m.Activate(ctx, items[0].ID), ErrNotFound)
			require.ErrorIs(t, m.Remove(ctx, items[0].ID), ErrNotFound)
			require.Empty(t, activeIDs(t, ctx, m))
		})
	}
}

func TestAtomicFailureRollsBack(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	items := seed(t, ctx, newManager(t, s, Atomic), "a", "b", "c")
	forceActive(t, ctx, s, items[0].ID)

	m := newManager(t, failingTxStore{Store: s, failID: items[2].ID}, Atomic)
	err := m.Activate(ctx, items[2].ID)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPartialActivation)

	// the deactivation of a was rolled back with the failed write
	require.Equal(t, []string{items[0].ID}, activeIDs(t, ctx, m))
}

func TestBestEffortPartialFailureIsNotRolledBack(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	items := seed(t, ctx, newManager(t, s, Atomic), "a", "b", "c")
	forceActive(t, ctx, s, items[0].ID, items[1].ID)

	rejected := errors.New("write rejected")
	m := newManager(t, flakyStore{plainStore: plainStore{s}, fail: map[string]error{items[0].ID: rejected}}, BestEffort)

	err := m.Activate(ctx, items[2].ID)
	require.ErrorIs(t, err, ErrPartialActivation)
	require.ErrorIs(t, err, rejected)
	var aerr *ActivationError
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, items[2].ID, aerr.Target)
	require.Equal(t, []string{items[0].ID}, aerr.Failed)

	// b was deactivated and c activated; a stayed active
	require.ElementsMatch(t, []string{items[0].ID, items[2].ID}, activeIDs(t, ctx, m))
}

func TestBestEffortTargetVanishesLeavesNoneActive(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	items := seed(t, ctx, newManager(t, s, Atomic), "a", "b")
	forceActive(t, ctx, s, items[0].ID)

	gone := fmt.Errorf("%s: %w", items[1].ID, docstore.ErrNotFound)
	m := newManager(t, flakyStore{plainStore: plainStore{s}, fail: map[string]error{items[1].ID: gone}}, BestEffort)

	err := m.Activate(ctx, items[1].ID)
	require.ErrorIs(t, err, ErrPartialActivation)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, activeIDs(t, ctx, m), "known weak point: zero items active after a partial failure")
}

// orderedStore records per-item writes and holds deactivations briefly so an
// early target write would overtake them.
type orderedStore struct {
	plainStore
	target string
	mu     *sync.Mutex
	writes *[]string
}

func (o orderedStore) Update(ctx context.Context, c, id string, fields docstore.Fields) error {
	if id != o.target {
		time.Sleep(20 * time.Millisecond)
	}
	o.mu.Lock()
	*o.writes = append(*o.writes, id)
	o.mu.Unlock()
	return o.plainStore.Update(ctx, c, id, fields)
}

func TestBestEffortWritesTargetAfterDeactivations(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	items := seed(t, ctx, newManager(t, s, Atomic), "a", "b", "c", "d")
	forceActive(t, ctx, s, items[0].ID, items[1].ID, items[2].ID)

	var (
		mu     sync.Mutex
		writes []string
	)
	m := newManager(t, orderedStore{plainStore: plainStore{s}, target: items[3].ID, mu: &mu, writes: &writes}, BestEffort)
	require.NoError(t, m.Activate(ctx, items[3].ID))

	require.Len(t, writes, 4)
	require.ElementsMatch(t, []string{items[0].ID, items[1].ID, items[2].ID}, writes[:3])
	require.Equal(t, items[3].ID, writes[3])
	require.Equal(t, []string{items[3].ID}, activeIDs(t, ctx, m))
}

func TestConcurrentAtomicActivationsKeepInvariant(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	m := newManager(t, s, Atomic)
	items := seed(t, ctx, m, "a", "b", "c", "d")

	errs := make([]error, 20)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Activate(ctx, items[i%len(items)].ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, activeIDs(t, ctx, m), 1)
}

// Two best-effort callers that read before either writes both win: the
// accepted race of the per-item strategy.
func TestConcurrentBestEffortActivationsMayBothWin(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	items := seed(t, ctx, newManager(t, s, Atomic), "a", "b")

	var barrier sync.WaitGroup
	barrier.Add(2)
	m := newManager(t, barrierStore{plainStore: plainStore{s}, wg: &barrier}, BestEffort)

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = m.Activate(ctx, id)
		}(i, it.ID)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// the barrier only admits two reads, so check through an unwrapped store
	active := activeIDs(t, ctx, newManager(t, plainStore{s}, BestEffort))
	require.LessOrEqual(t, len(active), 2)
	require.ElementsMatch(t, []string{items[0].ID, items[1].ID}, active)
}

func TestWatchStreamsItems(t *testing.T) {
	t.Parallel()
	s, ctx := openStore(t)
	m := newManager(t, s, Atomic)
	items := seed(t, ctx, m, "a", "b")

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	ch, err := m.Watch(watchCtx)
	require.NoError(t, err)

	require.NoError(t, m.Activate(ctx, items[1].ID))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			require.True(t, ok)
			if len(got) == 2 && got[1].Active && !got[0].Active {
				stop()
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with b active")
		}
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)

	_, err := New(plainStore{s}, phones, Atomic, nil)
	require.Error(t, err, "atomic needs transactions")

	_, err = New(s, " ", Atomic, nil)
	require.Error(t, err)

	m, err := New(s, phones, "", nil)
	require.NoError(t, err)
	require.Equal(t, Atomic, m.Strategy())
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", Atomic, false},
		{"atomic", Atomic, false},
		{" Best_Effort ", BestEffort, false},
		{"lock", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}
