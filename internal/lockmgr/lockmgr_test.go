package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/errs"
)

type fakeIdemStore struct {
	mu   sync.Mutex
	rows map[string][4]any // fingerprint, body, status, found-marker
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{rows: make(map[string][4]any)}
}

func (f *fakeIdemStore) GetIdempotent(ctx context.Context, key string) (string, string, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return "", "", 0, false, nil
	}
	return row[0].(string), row[1].(string), row[2].(int), true, nil
}

func (f *fakeIdemStore) PutIdempotent(ctx context.Context, key, fingerprint, body string, status int, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key] = [4]any{fingerprint, body, status, true}
	return nil
}

func TestAcquireSerializesSameKey(t *testing.T) {
	m := New(newFakeIdemStore())
	k := Key{Project: "p1", Branch: "default", Bucket: "in_c_s", Table: "orders"}

	var counter int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), k)
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&counter, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxConcurrent)
}

func TestDifferentTablesProceedInParallel(t *testing.T) {
	m := New(newFakeIdemStore())
	k1 := Key{Project: "p1", Branch: "default", Bucket: "in_c_s", Table: "a"}
	k2 := Key{Project: "p1", Branch: "default", Bucket: "in_c_s", Table: "b"}

	release1, err := m.Acquire(context.Background(), k1)
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := m.Acquire(context.Background(), k2)
		require.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different table should not block behind an unrelated table's lock")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	m := New(newFakeIdemStore())
	k := Key{Project: "p1", Branch: "default", Bucket: "in_c_s", Table: "orders"}

	release, err := m.Acquire(context.Background(), k)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, k)
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.CodeOf(err))
}

func TestReapRemovesOnlyUnusedLocks(t *testing.T) {
	m := New(newFakeIdemStore())
	k := Key{Project: "p1", Branch: "default", Bucket: "in_c_s", Table: "orders"}

	release, err := m.Acquire(context.Background(), k)
	require.NoError(t, err)
	release()

	removed := m.Reap(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
}

func TestCheckIdempotencyMissThenHit(t *testing.T) {
	m := New(newFakeIdemStore())
	ctx := context.Background()

	res, err := m.CheckIdempotency(ctx, "key1", "fp1")
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, m.RecordIdempotent(ctx, "key1", "fp1", `{"ok":true}`, 201))

	res, err = m.CheckIdempotency(ctx, "key1", "fp1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 201, res.StatusCode)
}

func TestCheckIdempotencyConflictOnDifferentFingerprint(t *testing.T) {
	m := New(newFakeIdemStore())
	ctx := context.Background()

	require.NoError(t, m.RecordIdempotent(ctx, "key1", "fp1", "{}", 200))

	_, err := m.CheckIdempotency(ctx, "key1", "fp-different")
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.CodeOf(err))
}

func TestFingerprintIsStableAndSensitiveToInputs(t *testing.T) {
	a := Fingerprint("POST", "/projects/p1/branches/default/buckets/in.s/tables/t", "p1", []byte(`{"a":1}`))
	b := Fingerprint("POST", "/projects/p1/branches/default/buckets/in.s/tables/t", "p1", []byte(`{"a":1}`))
	c := Fingerprint("POST", "/projects/p1/branches/default/buckets/in.s/tables/t", "p1", []byte(`{"a":2}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
