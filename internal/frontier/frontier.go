// Package frontier implements the per-site URL queue with deduplication and
// in-flight tracking.
//
// A canonical URL is in exactly one state at any moment: queued, in progress,
// or visited. All transitions happen under one mutex, so at most one worker
// ever owns a URL.
package frontier

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/sentinel-crawler/sentinel/internal/policy"
	"github.com/sentinel-crawler/sentinel/internal/urlutil"
)

// DefaultMaxQueue bounds the queue; enqueues beyond it fail with ErrQueueFull.
const DefaultMaxQueue = 10_000

// ErrQueueFull is returned when the bounded queue cannot accept another URL.
// Callers log and drop.
var ErrQueueFull = errors.New("frontier queue full")

// Task is one unit of crawl work. URL is always canonical.
type Task struct {
	URL       string
	ParentURL string
	Depth     int
}

// Stats is a point-in-time snapshot of frontier counters.
type Stats struct {
	Queued     int
	InProgress int
	Visited    int
	Enqueued   int
	Duplicates int
	Blocked    int
	Dropped    int
}

// Frontier is the thread-safe per-site URL queue.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue      *list.List
	queued     map[string]struct{}
	inProgress map[string]struct{}
	visited    map[string]struct{}

	maxQueue int
	closed   bool

	canon      *urlutil.Canonicalizer
	classifier *policy.Classifier

	enqueued   int
	duplicates int
	blocked    int
	dropped    int
}

// New creates a frontier scoped by the canonicalizer and filtered by the
// block classifier. maxQueue <= 0 selects DefaultMaxQueue.
func New(canon *urlutil.Canonicalizer, classifier *policy.Classifier, maxQueue int) *Frontier {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	f := &Frontier{
		queue:      list.New(),
		queued:     make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		visited:    make(map[string]struct{}),
		maxQueue:   maxQueue,
		canon:      canon,
		classifier: classifier,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue canonicalizes raw and appends it unless it is invalid, out of
// scope, blocked, already seen, or the queue is full. Blocked URLs are
// counted and marked visited so they are never reconsidered.
func (f *Frontier) Enqueue(raw, parent string, depth int) (bool, error) {
	canonical, err := f.canon.Canonicalize(raw)
	if err != nil {
		// Invalid and out-of-scope URLs are discarded silently.
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, nil
	}
	if f.seenLocked(canonical) {
		f.duplicates++
		return false, nil
	}

	if _, blocked := f.classifier.Classify(canonical); blocked {
		f.blocked++
		f.visited[canonical] = struct{}{}
		return false, nil
	}

	if f.queue.Len() >= f.maxQueue {
		f.dropped++
		return false, ErrQueueFull
	}

	f.queue.PushBack(Task{URL: canonical, ParentURL: parent, Depth: depth})
	f.queued[canonical] = struct{}{}
	f.enqueued++
	f.cond.Signal()
	return true, nil
}

// seenLocked reports whether the canonical URL is in visited, in progress,
// or already queued. Caller holds the mutex.
func (f *Frontier) seenLocked(canonical string) bool {
	if _, ok := f.visited[canonical]; ok {
		return true
	}
	if _, ok := f.inProgress[canonical]; ok {
		return true
	}
	_, ok := f.queued[canonical]
	return ok
}

// Dequeue blocks until a task is available, the frontier is closed, or the
// context is cancelled. It atomically moves the URL into the in-progress set.
// The second return is false on close or cancellation.
func (f *Frontier) Dequeue(ctx context.Context) (Task, bool) {
	wake := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer wake()

	f.mu.Lock()
	defer f.mu.Unlock()

	for f.queue.Len() == 0 && !f.closed && ctx.Err() == nil {
		f.cond.Wait()
	}
	if f.queue.Len() == 0 || ctx.Err() != nil {
		return Task{}, false
	}

	task := f.queue.Remove(f.queue.Front()).(Task)
	delete(f.queued, task.URL)
	f.inProgress[task.URL] = struct{}{}
	return task, true
}

// MarkDone moves an in-progress URL to visited.
func (f *Frontier) MarkDone(canonical string) {
	f.finish(canonical)
}

// MarkFailed moves a permanently failed URL to visited.
func (f *Frontier) MarkFailed(canonical string) {
	f.finish(canonical)
}

func (f *Frontier) finish(canonical string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inProgress, canonical)
	f.visited[canonical] = struct{}{}
}

// MarkRetry removes the URL from in-progress and re-enqueues its task at the
// head of the queue. The retry budget is tracked by the caller.
func (f *Frontier) MarkRetry(task Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inProgress, task.URL)
	f.queue.PushFront(task)
	f.queued[task.URL] = struct{}{}
	f.cond.Signal()
}

// PendingCount is queued plus in-progress work. A site is drained when this
// reaches zero and all workers are idle.
func (f *Frontier) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len() + len(f.inProgress)
}

// Close wakes all blocked dequeues; they drain the remaining queue and then
// return false.
func (f *Frontier) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (f *Frontier) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Stats returns a snapshot of the frontier counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Queued:     f.queue.Len(),
		InProgress: len(f.inProgress),
		Visited:    len(f.visited),
		Enqueued:   f.enqueued,
		Duplicates: f.duplicates,
		Blocked:    f.blocked,
		Dropped:    f.dropped,
	}
}
