package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

func newTestQueue(t *testing.T) (*syncqueue.Queue, *vaxstore.Store) {
	t.Helper()
	store, err := vaxstore.Open(context.Background(), vaxstore.DefaultConfig(":memory:"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return syncqueue.New(store, nil, nil), store
}

func enqueueN(t *testing.T, q *syncqueue.Queue, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		id, err := q.Enqueue(context.Background(), ActionRecordVaccination, map[string]int{"childId": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// failing replays fail for the listed ids and succeed otherwise.
func failing(ids ...int64) ReplayerFunc {
	fail := map[int64]bool{}
	for _, id := range ids {
		fail[id] = true
	}
	return func(_ context.Context, item syncqueue.Item) error {
		if fail[item.ID] {
			return errors.New("remote unavailable")
		}
		return nil
	}
}

func TestDrainNoHeadOfLineBlocking(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 3)

	m := NewManager(q, failing(ids[0]), nil, nil)
	res, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Successful: 2, Failed: 0, Remaining: 1}, res)

	for _, id := range ids[1:] {
		_, found, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.False(t, found, "item %d should be removed", id)
	}
	first, found, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, first.Attempts)
}

func TestDrainPartialFailureAccounting(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 5)

	m := NewManager(q, failing(ids[1], ids[3]), nil, nil)
	res, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Successful: 3, Failed: 0, Remaining: 2}, res)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, ids[1], pending[0].ID)
	require.Equal(t, ids[3], pending[1].ID)
	for _, it := range pending {
		require.Equal(t, 1, it.Attempts)
		require.Equal(t, syncqueue.StatusPending, it.Status)
	}
}

func TestDrainAbandonsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 1)
	m := NewManager(q, failing(ids[0]), nil, nil)

	res, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Remaining: 1}, res)
	res, err = m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Remaining: 1}, res)

	res, err = m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Failed: 1, Remaining: 0}, res)

	// Later passes no longer see the abandoned item.
	res, err = m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	item, found, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, syncqueue.StatusFailed, item.Status)
}

func TestDrainReplaysInSnapshotOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 4)

	var seen []int64
	m := NewManager(q, ReplayerFunc(func(_ context.Context, item syncqueue.Item) error {
		seen = append(seen, item.ID)
		var payload map[string]int
		require.NoError(t, json.Unmarshal(item.Data, &payload))
		require.Equal(t, len(seen), payload["childId"])
		return nil
	}), nil, nil)

	_, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, ids, seen)
}

func TestDrainExcludesItemsEnqueuedMidPass(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueueN(t, q, 2)

	var late int64
	m := NewManager(q, ReplayerFunc(func(ctx context.Context, item syncqueue.Item) error {
		if late == 0 {
			id, err := q.Enqueue(ctx, ActionRecordVisit, map[string]string{"visit": "late"})
			require.NoError(t, err)
			late = id
		}
		require.NotEqual(t, late, item.ID)
		return nil
	}), nil, nil)

	res, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Successful: 2, Remaining: 1}, res)
}

func TestDrainSingleFlight(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	enqueueN(t, q, 3)

	var mu sync.Mutex
	attempts := map[int64]int{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m := NewManager(q, ReplayerFunc(func(_ context.Context, item syncqueue.Item) error {
		once.Do(func() { close(entered) })
		<-release
		mu.Lock()
		attempts[item.ID]++
		mu.Unlock()
		return nil
	}), nil, nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Drain(ctx)
			require.NoError(t, err)
			results[i] = res
		}(i)
		if i == 0 {
			<-entered
		}
	}
	close(release)
	wg.Wait()

	require.Len(t, attempts, 3)
	for id, n := range attempts {
		require.Equal(t, 1, n, "item %d attempted more than once", id)
	}
	require.Equal(t, 3, results[0].Successful)
	has, err := q.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, has)
}

func TestDrainSharedPassOutlivesFirstCaller(t *testing.T) {
	q, _ := newTestQueue(t)
	enqueueN(t, q, 3)

	var mu sync.Mutex
	attempts := map[int64]int{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m := NewManager(q, ReplayerFunc(func(ctx context.Context, item syncqueue.Item) error {
		once.Do(func() { close(entered) })
		<-release
		mu.Lock()
		attempts[item.ID]++
		mu.Unlock()
		return ctx.Err()
	}), nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Drain(firstCtx)
		firstErr <- err
	}()
	<-entered

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := m.Drain(context.Background())
		second <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return m.waiting() == 2 }, time.Second, time.Millisecond)

	// The first caller stops waiting; the pass keeps going for the second.
	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	out := <-second
	require.NoError(t, out.err)
	require.Equal(t, Result{Successful: 3}, out.res)
	require.Len(t, attempts, 3)
	for id, n := range attempts {
		require.Equal(t, 1, n, "item %d attempted more than once", id)
	}
}

func TestDrainPassTimeoutBoundsSharedPass(t *testing.T) {
	q, _ := newTestQueue(t)
	enqueueN(t, q, 2)

	m := NewManager(q, ReplayerFunc(func(ctx context.Context, _ syncqueue.Item) error {
		<-ctx.Done()
		return ctx.Err()
	}), &Config{PassTimeout: 20 * time.Millisecond}, nil)

	res, err := m.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Remaining: 2}, res)

	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, 1, pending[0].Attempts)
	require.Zero(t, pending[1].Attempts)
}

func TestDrainPropagatesStoreUnavailable(t *testing.T) {
	q, store := newTestQueue(t)
	enqueueN(t, q, 1)
	require.NoError(t, store.Close())

	m := NewManager(q, failing(), nil, nil)
	_, err := m.Drain(context.Background())
	require.ErrorIs(t, err, vaxstore.ErrStoreUnavailable)
}

func TestDrainStopsAttemptingWhenCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	m := NewManager(q, ReplayerFunc(func(context.Context, syncqueue.Item) error {
		calls++
		cancel()
		return nil
	}), nil, nil)

	res, err := m.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, Result{Successful: 1, Remaining: 2}, res)

	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, ids[1], pending[0].ID)
	require.Zero(t, pending[0].Attempts)
}

func TestDrainRecordsStageMetrics(t *testing.T) {
	q, _ := newTestQueue(t)
	ids := enqueueN(t, q, 2)

	var mu sync.Mutex
	var timings []StageTiming
	m := NewManager(q, failing(ids[1]), &Config{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, st StageTiming) {
			mu.Lock()
			timings = append(timings, st)
			mu.Unlock()
		}),
	}, nil)

	_, err := m.Drain(context.Background())
	require.NoError(t, err)

	stages := map[string]int{}
	replayErrors := 0
	for _, st := range timings {
		stages[st.Operation+"/"+st.Stage]++
		if st.Operation == MetricsOpReplay && st.Error {
			replayErrors++
			require.Equal(t, ActionRecordVaccination, st.Action)
			require.Equal(t, 1, st.Attempt)
		}
	}
	require.Equal(t, map[string]int{
		"drain/snapshot": 1,
		"drain/replay":   1,
		"drain/apply":    1,
		"drain/total":    1,
		"replay/replay":  2,
	}, stages)
	require.Equal(t, 1, replayErrors)
}
