package mount

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/clouddrive-sync/internal/remoteclient"
)

// refreshRequest is one enqueued "directory was opened" event.
type refreshRequest struct {
	key      string
	fileID   string
	enqueued time.Time
}

// refreshQueue is the bounded FIFO of recently opened directories
// (spec §4.9.1: "capped at 100 entries; overflow evicts oldest").
type refreshQueue struct {
	mu       sync.Mutex
	order    *list.List
	byKey    map[string]*list.Element
	notifyCh chan struct{}
}

func newRefreshQueue() *refreshQueue {
	return &refreshQueue{
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		notifyCh: make(chan struct{}, 1),
	}
}

// Enqueue adds or refreshes key's position at the back of the queue,
// evicting the oldest entry if the queue is already at capacity.
func (q *refreshQueue) Enqueue(key, fileID string, now time.Time) {
	q.mu.Lock()

	if el, ok := q.byKey[key]; ok {
		q.order.Remove(el)
	} else if q.order.Len() >= refreshQueueCap {
		oldest := q.order.Front()
		if oldest != nil {
			q.order.Remove(oldest)
			delete(q.byKey, oldest.Value.(*refreshRequest).key)
		}
	}

	el := q.order.PushBack(&refreshRequest{key: key, fileID: fileID, enqueued: now})
	q.byKey[key] = el

	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest request, or nil if the queue is empty.
func (q *refreshQueue) pop() *refreshRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.order.Front()
	if front == nil {
		return nil
	}

	req := front.Value.(*refreshRequest)
	q.order.Remove(front)
	delete(q.byKey, req.key)

	return req
}

// lister performs one paginated listing of a remote folder; satisfied by
// *remoteclient.Client.
type lister interface {
	List(ctx context.Context, parentID, marker string, limit int) ([]remoteclient.Entry, string, error)
}

const refreshListPageSize = 200

// refreshWorker is the single background worker processing refreshQueue
// (spec §4.9.1: "A single background worker processes a bounded map of
// recently opened directories").
type refreshWorker struct {
	queue  *refreshQueue
	remote lister
	tree   *tree
	logger *slog.Logger
}

func newRefreshWorker(remote lister, tree *tree, logger *slog.Logger) *refreshWorker {
	return &refreshWorker{
		queue:  newRefreshQueue(),
		remote: remote,
		tree:   tree,
		logger: logger,
	}
}

// Run drains the queue until ctx is canceled, servicing requests still
// within the freshness window and silently dropping stale ones (spec
// §4.9.1: "serviced in FIFO order if their enqueue time is within the
// last 10 minutes").
func (w *refreshWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.notifyCh:
			w.drain(ctx)
		}
	}
}

func (w *refreshWorker) drain(ctx context.Context) {
	for {
		req := w.queue.pop()
		if req == nil {
			return
		}

		if time.Since(req.enqueued) >= refreshWindow {
			continue
		}

		if err := w.service(ctx, req); err != nil {
			w.logger.Warn("folder refresh failed",
				slog.String("key", req.key), slog.String("error", err.Error()))
		}
	}
}

// service lists req's children and reconciles them into the tree: new
// names are added, names no longer present are removed, identity is by
// fileId (spec §4.9.1).
func (w *refreshWorker) service(ctx context.Context, req *refreshRequest) error {
	seen := make(map[string]bool)

	var marker string

	for {
		children, next, err := w.remote.List(ctx, req.fileID, marker, refreshListPageSize)
		if err != nil {
			return err
		}

		for _, c := range children {
			seen[c.Name] = true
			w.tree.upsertChild(req.key, req.fileID, c.FileID, c.Name, c.Type == remoteclient.TypeFolder)
		}

		if next == "" {
			break
		}

		marker = next
	}

	w.tree.pruneMissing(req.key, seen)
	w.tree.markRefreshed(req.key, time.Now())

	return nil
}
