package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeHandle struct {
	id        int
	createdAt time.Time
	closed    atomic.Int32
	results   []search.Result
	lastQuery search.Query
	mu        sync.Mutex
}

func (h *fakeHandle) CreatedAt() time.Time { return h.createdAt }

func (h *fakeHandle) Query(_ context.Context, q search.Query) ([]search.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastQuery = q
	return h.results, nil
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

func (h *fakeHandle) isClosed() bool { return h.closed.Load() > 0 }

// fakeEngine opens numbered fake handles. When gate is set, OpenSearcher
// signals started and blocks until gate is closed.
type fakeEngine struct {
	mu        sync.Mutex
	opens     int
	handles   []*fakeHandle
	createdAt time.Time
	openErr   error
	results   []search.Result

	gate    chan struct{}
	started chan struct{}
}

func (e *fakeEngine) OpenWriter(context.Context, string, string, search.WriteMode) (search.IndexWriter, error) {
	return nil, search.ErrWriterClosed
}

func (e *fakeEngine) OpenSearcher(context.Context, string, string) (search.Handle, error) {
	e.mu.Lock()
	e.opens++
	gate, started := e.gate, e.started
	e.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	h := &fakeHandle{id: len(e.handles) + 1, createdAt: e.createdAt, results: e.results}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
