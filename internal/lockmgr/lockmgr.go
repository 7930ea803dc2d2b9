// Package lockmgr implements the lock manager: per-table mutual
// exclusion keyed by (project, branch, bucket, table), plus the idempotency
// cache check that every write request passes through before it acquires a
// table lock.
//
// The key->lock map is created lazily under a short guard. FIFO ordering
// and wait-time accounting are layered on top of a plain sync.Mutex per
// key; the fairness invariant is cheap to get right directly.
package lockmgr

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keboola/storage-backend/internal/errs"
)

// Key identifies one table-scoped lock.
type Key struct {
	Project string
	Branch  string
	Bucket  string
	Table   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Project, k.Branch, k.Bucket, k.Table)
}

var (
	waitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage_backend",
		Subsystem: "lockmgr",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire a per-table lock.",
		Buckets:   prometheus.DefBuckets,
	}, nil)
	heldTables = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storage_backend",
		Subsystem: "lockmgr",
		Name:      "tracked_tables",
		Help:      "Number of table locks currently tracked (held or idle, not yet reaped).",
	})
	idempotencyConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storage_backend",
		Subsystem: "lockmgr",
		Name:      "idempotency_conflicts_total",
		Help:      "Requests rejected because an idempotency key was reused with a different request fingerprint.",
	})
)

func init() {
	prometheus.MustRegister(waitSeconds, heldTables, idempotencyConflicts)
}

type tableLock struct {
	mu       sync.Mutex
	waiters  *list.List // of chan struct{}, FIFO by arrival order
	waitersL sync.Mutex
	lastUsed time.Time
}

// fifoAcquire blocks until it is this caller's turn, honoring arrival order
// even when multiple goroutines are already blocked on mu.Lock (which makes
// no ordering guarantee of its own).
func (t *tableLock) fifoAcquire(ctx context.Context) error {
	ch := make(chan struct{})
	t.waitersL.Lock()
	elem := t.waiters.PushBack(ch)
	t.waitersL.Unlock()

	// Wait for our turn: we're at the front of the queue.
	for {
		t.waitersL.Lock()
		front := t.waiters.Front()
		isFront := front == elem
		t.waitersL.Unlock()
		if isFront {
			break
		}
		select {
		case <-ctx.Done():
			t.waitersL.Lock()
			t.waiters.Remove(elem)
			t.waitersL.Unlock()
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	for !t.mu.TryLock() {
		select {
		case <-ctx.Done():
			t.waitersL.Lock()
			t.waiters.Remove(elem)
			t.waitersL.Unlock()
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	t.waitersL.Lock()
	t.waiters.Remove(elem)
	t.waitersL.Unlock()
	return nil
}

func (t *tableLock) release() {
	t.mu.Unlock()
}

// Manager owns the lazily-created per-table lock map and the idempotency
// cache consultation. idemStore abstracts the registry's idempotency table
// so lockmgr doesn't import registry directly (it's consumed by registry's
// callers, not the other way round).
type Manager struct {
	mu    sync.Mutex
	locks map[Key]*tableLock

	idem IdempotencyStore
}

// IdempotencyStore is the subset of the registry the lock manager needs.
type IdempotencyStore interface {
	GetIdempotent(ctx context.Context, key string) (fingerprint, body string, status int, found bool, err error)
	PutIdempotent(ctx context.Context, key, fingerprint, body string, status int, now time.Time) error
}

func New(idem IdempotencyStore) *Manager {
	return &Manager{
		locks: make(map[Key]*tableLock),
		idem:  idem,
	}
}

func (m *Manager) lockFor(k Key) *tableLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &tableLock{waiters: list.New()}
		m.locks[k] = l
		heldTables.Set(float64(len(m.locks)))
	}
	l.lastUsed = time.Now()
	return l
}

// Acquire blocks (honoring ctx cancellation) until the lock for k is free,
// recording the wait time. The returned release func must be called exactly
// once, typically via defer.
func (m *Manager) Acquire(ctx context.Context, k Key) (release func(), err error) {
	start := time.Now()
	l := m.lockFor(k)
	if err := l.fifoAcquire(ctx); err != nil {
		return nil, errs.Wrap(errs.Timeout, fmt.Sprintf("acquiring lock for %s", k), err)
	}
	waitSeconds.WithLabelValues().Observe(time.Since(start).Seconds())
	return l.release, nil
}

// Reap removes locks that have not been touched since before cutoff and are
// not currently held. Intended to run on a slow periodic cadence (e.g. every
// few minutes) from a background janitor goroutine owned by internal/core.
func (m *Manager) Reap(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, l := range m.locks {
		if l.lastUsed.After(cutoff) {
			continue
		}
		if l.mu.TryLock() {
			l.mu.Unlock()
			delete(m.locks, k)
			removed++
		}
	}
	heldTables.Set(float64(len(m.locks)))
	return removed
}

// Fingerprint computes the stable request fingerprint used for idempotency
// checks: a hash over method, normalized path, authenticated project id, and
// the canonicalised body.
func Fingerprint(method, normalizedPath, projectID string, canonicalBody []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(normalizedPath))
	h.Write([]byte{0})
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotentResult is returned by CheckIdempotency when a cached response
// should be replayed instead of re-executing the write.
type IdempotentResult struct {
	StatusCode int
	Body       string
}

// CheckIdempotency consults the idempotency cache before the caller
// acquires the table lock A nil *IdempotentResult with a nil
// error means "miss": proceed, then call RecordIdempotent on completion.
func (m *Manager) CheckIdempotency(ctx context.Context, idemKey, fingerprint string) (*IdempotentResult, error) {
	if idemKey == "" {
		return nil, nil
	}
	cachedFP, body, status, found, err := m.idem.GetIdempotent(ctx, idemKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if cachedFP != fingerprint {
		idempotencyConflicts.Inc()
		return nil, errs.New(errs.Conflict, "idempotency key reused with a different request")
	}
	return &IdempotentResult{StatusCode: status, Body: body}, nil
}

// RecordIdempotent caches a completed write's response under idemKey. A
// no-op if idemKey is empty (idempotency keys are optional).
func (m *Manager) RecordIdempotent(ctx context.Context, idemKey, fingerprint, body string, status int) error {
	if idemKey == "" {
		return nil
	}
	return m.idem.PutIdempotent(ctx, idemKey, fingerprint, body, status, time.Now())
}
