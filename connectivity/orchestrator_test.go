package connectivity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

type notification struct {
	Message  string
	Severity Severity
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []notification
}

func (r *recordingNotifier) Notify(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, notification{Message: message, Severity: severity})
}

func (r *recordingNotifier) bySeverity(s Severity) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification
	for _, n := range r.seen {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}

func newTestQueue(t *testing.T) *syncqueue.Queue {
	t.Helper()
	store, err := vaxstore.Open(context.Background(), vaxstore.DefaultConfig(":memory:"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return syncqueue.New(store, nil, nil)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackoffMin = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	return cfg
}

func TestInitialState(t *testing.T) {
	q := newTestQueue(t)
	m := replay.NewManager(q, replay.ReplayerFunc(func(context.Context, syncqueue.Item) error { return nil }), nil, nil)

	online := New(q, m, NewManualSignals(true), &recordingNotifier{}, testConfig(), nil)
	require.NoError(t, online.Start(context.Background()))
	defer online.Stop()
	require.Equal(t, StateOnlineIdle, online.Status().State)
	require.True(t, online.Status().IsOnline)

	offline := New(q, m, NewManualSignals(false), &recordingNotifier{}, testConfig(), nil)
	require.NoError(t, offline.Start(context.Background()))
	defer offline.Stop()
	require.Equal(t, StateOffline, offline.Status().State)
	require.False(t, offline.Status().IsOnline)

	require.Error(t, offline.Start(context.Background()))
}

func TestOfflineEnqueueThenReconnect(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	var replayed atomic.Int32
	m := replay.NewManager(q, replay.ReplayerFunc(func(context.Context, syncqueue.Item) error {
		replayed.Add(1)
		return nil
	}), nil, nil)
	signals := NewManualSignals(false)
	notes := &recordingNotifier{}

	o := New(q, m, signals, notes, testConfig(), nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	_, err := o.QueueAction(ctx, "recordVaccination", map[string]any{"childId": 1, "vaccineId": "bcg"})
	require.NoError(t, err)

	has, err := q.HasPending(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.True(t, o.Status().PendingSync)
	deferred := notes.bySeverity(SeverityInfo)
	require.Len(t, deferred, 1)
	require.Contains(t, deferred[0].Message, "recordVaccination")
	require.Zero(t, replayed.Load())

	signals.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(notes.bySeverity(SeveritySuccess)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	success := notes.bySeverity(SeveritySuccess)[0]
	require.Equal(t, "Synced 1 pending change.", success.Message)
	require.Equal(t, int32(1), replayed.Load())

	has, err = q.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, has)

	require.Eventually(t, func() bool {
		st := o.Status()
		return st.State == StateOnlineIdle && !st.PendingSync && st.SyncProgress == 100
	}, 2*time.Second, 5*time.Millisecond)
	st := o.Status()
	require.NotNil(t, st.LastResult)
	require.Equal(t, replay.Result{Successful: 1}, *st.LastResult)
	require.False(t, st.LastSyncAt.IsZero())
}

// gatedDrainer blocks every Drain until release is closed.
type gatedDrainer struct {
	started chan struct{}
	release chan struct{}
	result  replay.Result
	calls   atomic.Int32
	once    sync.Once

	cancelled atomic.Bool // ctx was done when the drain was released
}

func newGatedDrainer(res replay.Result) *gatedDrainer {
	return &gatedDrainer{started: make(chan struct{}), release: make(chan struct{}), result: res}
}

func (d *gatedDrainer) Drain(ctx context.Context) (replay.Result, error) {
	d.calls.Add(1)
	d.once.Do(func() { close(d.started) })
	<-d.release
	if ctx.Err() != nil {
		d.cancelled.Store(true)
	}
	return d.result, nil
}

func TestProgressAndStateDuringDrain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	d := newGatedDrainer(replay.Result{})
	signals := NewManualSignals(false)

	o := New(q, d, signals, &recordingNotifier{}, testConfig(), nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	signals.SetOnline(true)
	<-d.started

	st := o.Status()
	require.Equal(t, StateOnlineSyncing, st.State)
	require.Equal(t, 0, st.SyncProgress)
	require.True(t, st.IsOnline)

	close(d.release)
	require.Eventually(t, func() bool {
		st := o.Status()
		return st.State == StateOnlineIdle && st.SyncProgress == 100
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGoingOfflineMidDrainKeepsOfflineState(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, "recordVisit", nil)
	require.NoError(t, err)

	d := newGatedDrainer(replay.Result{Successful: 2})
	signals := NewManualSignals(false)
	notes := &recordingNotifier{}

	o := New(q, d, signals, notes, testConfig(), nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	signals.SetOnline(true)
	<-d.started
	signals.SetOnline(false)
	require.Equal(t, StateOffline, o.Status().State)
	close(d.release)

	// The in-flight result is still reported but the state stays Offline.
	require.Eventually(t, func() bool {
		return len(notes.bySeverity(SeveritySuccess)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	st := o.Status()
	require.Equal(t, StateOffline, st.State)
	require.Equal(t, 100, st.SyncProgress)
	require.True(t, st.PendingSync, "pending flag is recomputed from the queue")
	require.Len(t, notes.bySeverity(SeverityWarning), 1)
	require.Equal(t, int32(1), d.calls.Load())
}

func TestTriggerSync(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	m := replay.NewManager(q, replay.ReplayerFunc(func(context.Context, syncqueue.Item) error { return nil }), nil, nil)
	signals := NewManualSignals(false)
	cfg := testConfig()
	cfg.DrainOnEnqueue = false

	o := New(q, m, signals, &recordingNotifier{}, cfg, nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	_, err := o.TriggerSync(ctx)
	require.ErrorIs(t, err, ErrOffline)

	_, err = o.QueueAction(ctx, "registerChild", map[string]string{"id": "c1"})
	require.NoError(t, err)

	signals.SetOnline(true)
	require.Eventually(t, func() bool { return !o.Status().PendingSync }, 2*time.Second, 5*time.Millisecond)

	_, err = o.QueueAction(ctx, "registerChild", map[string]string{"id": "c2"})
	require.NoError(t, err)
	require.True(t, o.Status().PendingSync)

	// The background loop may already be draining; either way the item is synced once.
	_, err = o.TriggerSync(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !o.Status().PendingSync }, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerSyncCallerTimeoutLeavesPassRunning(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	d := newGatedDrainer(replay.Result{Successful: 1})
	cfg := testConfig()
	cfg.DrainOnStart = false
	cfg.DrainOnEnqueue = false

	o := New(q, d, NewManualSignals(true), &recordingNotifier{}, cfg, nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	callerCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := o.TriggerSync(callerCtx)
		errc <- err
	}()
	<-d.started

	// A second caller with a short deadline joins and gives up.
	shortCtx, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err := o.TriggerSync(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	close(d.release)

	require.Eventually(t, func() bool {
		st := o.Status()
		return st.State == StateOnlineIdle && st.LastResult != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, replay.Result{Successful: 1}, *o.Status().LastResult)
	require.False(t, d.cancelled.Load(), "the pass must not inherit a caller's context")
	require.Equal(t, int32(1), d.calls.Load())
}

func TestEnqueueDuringOutageRespectsBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	var mu sync.Mutex
	attempts := map[int64]int{}
	m := replay.NewManager(q, replay.ReplayerFunc(func(_ context.Context, item syncqueue.Item) error {
		mu.Lock()
		attempts[item.ID]++
		mu.Unlock()
		return errors.New("503")
	}), nil, nil)
	cfg := testConfig()
	cfg.BackoffMin = 300 * time.Millisecond
	cfg.BackoffMax = time.Second

	o := New(q, m, NewManualSignals(true), &recordingNotifier{}, cfg, nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	var first int64
	for i := 0; i < 4; i++ {
		id, err := o.QueueAction(ctx, "recordVisit", map[string]int{"n": i})
		require.NoError(t, err)
		if i == 0 {
			first = id
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	// Enqueues while a retry is scheduled do not trigger extra passes.
	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for _, it := range pending {
		require.LessOrEqual(t, it.Attempts, 1, "item %d replayed ahead of the backoff", it.ID)
	}

	// The first item is abandoned on the backoff schedule: 0, +300ms, +600ms.
	require.Eventually(t, func() bool {
		failed, err := q.ListFailed(ctx)
		return err == nil && len(failed) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	failed, err = q.ListFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, first, failed[0].ID)
	mu.Lock()
	require.Equal(t, 3, attempts[first])
	mu.Unlock()
}

func TestRetryWithBackoffUntilAbandoned(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	var attempts atomic.Int32
	m := replay.NewManager(q, replay.ReplayerFunc(func(context.Context, syncqueue.Item) error {
		attempts.Add(1)
		return errors.New("503")
	}), nil, nil)
	signals := NewManualSignals(false)
	notes := &recordingNotifier{}

	o := New(q, m, signals, notes, testConfig(), nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	_, err := o.QueueAction(ctx, "recordVaccination", map[string]string{"vaccineId": "opv1"})
	require.NoError(t, err)
	signals.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(notes.bySeverity(SeverityError)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, strings.HasPrefix(notes.bySeverity(SeverityError)[0].Message, "1 change failed to sync"))
	require.Equal(t, int32(3), attempts.Load())

	failed, err := q.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Eventually(t, func() bool { return !o.Status().PendingSync }, time.Second, 5*time.Millisecond)

	// No further passes once nothing is pending.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), attempts.Load())
}

func TestDrainOnStartWhenOnline(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, err := q.Enqueue(ctx, "recordVisit", nil)
	require.NoError(t, err)
	m := replay.NewManager(q, replay.ReplayerFunc(func(context.Context, syncqueue.Item) error { return nil }), nil, nil)

	o := New(q, m, NewManualSignals(true), &recordingNotifier{}, testConfig(), nil)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	require.Eventually(t, func() bool {
		has, err := q.HasPending(ctx)
		return err == nil && !has
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeAndStop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	d := newGatedDrainer(replay.Result{})
	close(d.release)
	signals := NewManualSignals(false)

	o := New(q, d, signals, &recordingNotifier{}, testConfig(), nil)
	require.NoError(t, o.Start(ctx))

	updates, cancel := o.Subscribe()
	defer cancel()
	first := <-updates
	require.Equal(t, StateOffline, first.State)

	_, err := o.QueueAction(ctx, "recordVisit", nil)
	require.NoError(t, err)
	next := <-updates
	require.True(t, next.PendingSync)

	o.Stop()
	_, open := <-updates
	require.False(t, open)

	// Signals after Stop no longer reach the orchestrator.
	signals.SetOnline(true)
	require.Equal(t, StateOffline, o.Status().State)
	require.Zero(t, d.calls.Load())
}
