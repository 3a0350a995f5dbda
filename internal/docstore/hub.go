package docstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// hub fans committed changes out to watchers. Writers only mark collections
// dirty; a single dispatcher goroutine reloads each dirty collection and
// offers the snapshot to its subscribers, so snapshots reach a subscriber in
// commit order and a slow reader never blocks a writer.
//
// Lock order: hub.mu before subscriber.mu.
type hub struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	dirty  map[string]struct{}
	closed bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    uint64 // dispatcher only
}

type subscriber struct {
	collection string
	mu         sync.Mutex
	ch         chan Snapshot
	closed     bool
}

type loadFunc func(ctx context.Context, collection string) ([]Document, error)

func newHub(log *zap.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		log:    log,
		subs:   make(map[string]map[*subscriber]struct{}),
		dirty:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *hub) start(load loadFunc) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(load)
	}()
}

func (h *hub) run(load loadFunc) {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		for _, c := range h.takeDirty() {
			docs, err := load(h.ctx, c)
			if err != nil {
				if h.ctx.Err() != nil {
					return
				}
				h.log.Error("snapshot load failed", zap.String("collection", c), zap.Error(err))
				continue
			}
			h.seq++
			snap := Snapshot{Collection: c, Documents: docs, Seq: h.seq}
			for _, sub := range h.subscribers(c) {
				sub.offer(snap)
			}
		}
	}
}

func (h *hub) subscribe(ctx context.Context, collection string) (*subscriber, error) {
	sub := &subscriber{collection: collection, ch: make(chan Snapshot, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	set := h.subs[collection]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[collection] = set
	}
	set[sub] = struct{}{}
	// the initial snapshot goes to every watcher of the collection; a repeat is harmless
	h.dirty[collection] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	h.signal()

	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
		case <-h.done:
		}
		h.unsubscribe(sub)
	}()
	return sub, nil
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if set := h.subs[sub.collection]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.collection)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// markDirty queues a snapshot for each watched collection among collections.
func (h *hub) markDirty(collections ...string) {
	h.mu.Lock()
	queued := false
	for _, c := range collections {
		if _, watched := h.subs[c]; watched {
			h.dirty[c] = struct{}{}
			queued = true
		}
	}
	h.mu.Unlock()
	if queued {
		h.signal()
	}
}

// markAllDirty queues a snapshot for every watched collection.
func (h *hub) markAllDirty() {
	h.mu.Lock()
	for c := range h.subs {
		h.dirty[c] = struct{}{}
	}
	queued := len(h.dirty) > 0
	h.mu.Unlock()
	if queued {
		h.signal()
	}
}

func (h *hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *hub) takeDirty() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.dirty))
	for c := range h.dirty {
		out = append(out, c)
	}
	h.dirty = make(map[string]struct{})
	return out
}

func (h *hub) subscribers(collection string) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs[collection]))
	for sub := range h.subs[collection] {
		out = append(out, sub)
	}
	return out
}

func (h *hub) watching() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// offer replaces any undelivered snapshot with snap.
func (s *subscriber) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
