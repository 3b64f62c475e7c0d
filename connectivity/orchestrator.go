// Package connectivity bridges online/offline transitions to the sync
// manager and publishes the sync status shown to the user.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
)

// ErrOffline is returned by TriggerSync while the device is offline.
var ErrOffline = errors.New("offline")

type State int

const (
	StateOffline State = iota
	StateOnlineIdle
	StateOnlineSyncing
)

func (s State) String() string {
	switch s {
	case StateOnlineIdle:
		return "online-idle"
	case StateOnlineSyncing:
		return "online-syncing"
	default:
		return "offline"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Queue is the part of the sync queue the orchestrator needs.
type Queue interface {
	Enqueue(ctx context.Context, action string, data any) (int64, error)
	HasPending(ctx context.Context) (bool, error)
}

type Drainer interface {
	Drain(ctx context.Context) (replay.Result, error)
}

// Config holds configuration for the orchestrator
type Config struct {
	BackoffMin        time.Duration // 1s
	BackoffMax        time.Duration // 60s
	RetryWhilePending bool          // re-drain with exponential backoff while items stay pending
	DrainOnStart      bool          // drain at Start when online with pending items
	DrainOnEnqueue    bool          // drain right after QueueAction when online
	Now               func() time.Time
}

func DefaultConfig() *Config {
	return &Config{
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		RetryWhilePending: true,
		DrainOnStart:      true,
		DrainOnEnqueue:    true,
		Now:               time.Now,
	}
}

// Status is the sync state published to the rest of the application. It is
// derived from the queue at defined points and never edited directly.
type Status struct {
	State        State          `json:"state"`
	IsOnline     bool           `json:"isOnline"`
	PendingSync  bool           `json:"pendingSync"`
	SyncProgress int            `json:"syncProgress"`
	LastResult   *replay.Result `json:"lastResult,omitempty"`
	LastSyncAt   time.Time      `json:"lastSyncAt,omitzero"`
}

// Orchestrator owns the Offline / OnlineIdle / OnlineSyncing state machine.
type Orchestrator struct {
	queue    Queue
	drainer  Drainer
	signals  Signals
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	wake     chan struct{}
	enqueued chan struct{}

	mu          sync.Mutex
	state       State
	pending     bool
	progress    int
	lastResult  *replay.Result
	lastSyncAt  time.Time
	subscribers map[int]chan Status
	nextSub     int
	inflight    *syncPass

	unsubscribe func()
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	passWG      sync.WaitGroup
}

// syncPass is one drain shared by the loop and manual triggers.
type syncPass struct {
	done chan struct{}
	res  replay.Result
	err  error
}

// New creates an orchestrator. notifier may be nil, in which case
// notifications are only logged.
func New(queue Queue, drainer Drainer, signals Signals, notifier Notifier, config *Config, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Orchestrator{
		queue:       queue,
		drainer:     drainer,
		signals:     signals,
		notifier:    notifier,
		config:      config,
		logger:      logger,
		wake:        make(chan struct{}, 1),
		enqueued:    make(chan struct{}, 1),
		subscribers: make(map[int]chan Status),
	}
}

// Start subscribes to connectivity signals and starts the sync loop. The
// initial state is OnlineIdle when the signals report connectivity, else Offline.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx, o.cancel = runCtx, cancel
	if o.signals.Online() {
		o.state = StateOnlineIdle
	} else {
		o.state = StateOffline
	}
	o.publishLocked()
	o.mu.Unlock()

	o.unsubscribe = o.signals.Subscribe(o.handleOnline, o.handleOffline)
	// Catch a transition that happened between reading the state and subscribing.
	if online := o.signals.Online(); online != o.IsOnline() {
		if online {
			o.handleOnline()
		} else {
			o.handleOffline()
		}
	}
	o.refreshPending(ctx)

	o.wg.Add(1)
	go o.run(runCtx)

	if o.config.DrainOnStart && o.IsOnline() && o.Status().PendingSync {
		o.triggerWake()
	}
	o.logger.Info("sync orchestrator started", "state", o.Status().State)
	return nil
}

// Stop unsubscribes from signals, stops the sync loop and waits for it. A
// drain in progress stops attempting new items; outcomes already obtained
// are still recorded.
func (o *Orchestrator) Stop() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	// Cancelling under mu keeps new passes from starting once Stop is underway.
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
	o.passWG.Wait()

	o.mu.Lock()
	for id, ch := range o.subscribers {
		close(ch)
		delete(o.subscribers, id)
	}
	o.mu.Unlock()
}

// QueueAction records an action for replay. It works in every state; while
// offline the user is told that the action was deferred.
func (o *Orchestrator) QueueAction(ctx context.Context, action string, data any) (int64, error) {
	id, err := o.queue.Enqueue(ctx, action, data)
	if err != nil {
		return 0, err
	}
	o.refreshPending(ctx)

	if !o.IsOnline() {
		o.notifier.Notify(fmt.Sprintf("You are offline. %s was saved and will sync when the connection returns.", action), SeverityInfo)
	} else if o.config.DrainOnEnqueue {
		o.nudge()
	}
	return id, nil
}

// TriggerSync runs a drain now, or joins the one in progress. ctx bounds how
// long the caller waits, not the pass itself; Stop ends the pass.
func (o *Orchestrator) TriggerSync(ctx context.Context) (replay.Result, error) {
	if !o.IsOnline() {
		return replay.Result{}, ErrOffline
	}
	return o.sync(ctx)
}

func (o *Orchestrator) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != StateOffline
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// Subscribe returns a stream of status snapshots starting with the current
// one. Slow readers only see the latest snapshot.
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	ch <- o.statusLocked()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			if _, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(ch)
			}
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) handleOnline() {
	o.mu.Lock()
	if o.state != StateOffline {
		o.mu.Unlock()
		return
	}
	o.state = StateOnlineSyncing
	o.progress = 0
	o.publishLocked()
	o.mu.Unlock()

	o.logger.Info("connectivity restored")
	o.notifier.Notify("Back online. Syncing pending changes...", SeverityInfo)
	o.triggerWake()
}

func (o *Orchestrator) handleOffline() {
	o.mu.Lock()
	if o.state == StateOffline {
		o.mu.Unlock()
		return
	}
	o.state = StateOffline
	o.publishLocked()
	o.mu.Unlock()

	o.logger.Info("connectivity lost")
	o.notifier.Notify("You are offline. Changes will be synced when the connection returns.", SeverityWarning)
}

// triggerWake wakes the sync loop without blocking. The wake skips any
// pending retry delay and restarts the backoff.
func (o *Orchestrator) triggerWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// nudge asks the sync loop to drain after an enqueue. Unlike triggerWake it
// respects the current retry delay.
func (o *Orchestrator) nudge() {
	select {
	case o.enqueued <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	backoff := o.config.BackoffMin
	// Drains triggered by enqueues wait until holdUntil after a failed pass.
	var holdUntil time.Time
	var retry *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
			backoff = o.config.BackoffMin
			holdUntil = time.Time{}
		case <-o.enqueued:
			if wait := time.Until(holdUntil); wait > 0 {
				if retry == nil {
					retry = time.NewTimer(wait)
					retryC = retry.C
				}
				continue
			}
		case <-retryC:
		}
		stopRetry()

		res, err := o.sync(ctx)
		if errors.Is(err, ErrOffline) || ctx.Err() != nil {
			continue
		}
		if err == nil && res.Remaining == 0 {
			backoff = o.config.BackoffMin
			holdUntil = time.Time{}
			continue
		}
		holdUntil = time.Now().Add(backoff)
		if o.config.RetryWhilePending && o.IsOnline() {
			o.logger.Debug("scheduling sync retry", "backoff", backoff, "remaining", res.Remaining)
			retry = time.NewTimer(backoff)
			retryC = retry.C
		}
		backoff *= 2
		if backoff > o.config.BackoffMax {
			backoff = o.config.BackoffMax
		}
	}
}

// sync coalesces loop-driven and manual drains so that each pass is reported
// once. The pass runs on the orchestrator's own context; ctx only bounds the
// wait of this caller.
func (o *Orchestrator) sync(ctx context.Context) (replay.Result, error) {
	o.mu.Lock()
	if o.runCtx == nil {
		o.mu.Unlock()
		return replay.Result{}, ErrOffline
	}
	if err := o.runCtx.Err(); err != nil {
		o.mu.Unlock()
		return replay.Result{}, err
	}
	p := o.inflight
	if p == nil {
		p = &syncPass{done: make(chan struct{})}
		o.inflight = p
		o.passWG.Add(1)
		go o.runPass(o.runCtx, p)
	}
	o.mu.Unlock()

	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return replay.Result{}, ctx.Err()
	}
}

func (o *Orchestrator) runPass(ctx context.Context, p *syncPass) {
	defer o.passWG.Done()
	p.res, p.err = o.syncOnce(ctx)

	o.mu.Lock()
	o.inflight = nil
	o.mu.Unlock()
	close(p.done)
}

func (o *Orchestrator) syncOnce(ctx context.Context) (replay.Result, error) {
	o.mu.Lock()
	if o.state == StateOffline {
		o.mu.Unlock()
		return replay.Result{}, ErrOffline
	}
	o.state = StateOnlineSyncing
	o.progress = 0
	o.publishLocked()
	o.mu.Unlock()

	res, err := o.drainer.Drain(ctx)

	pending, perr := o.queue.HasPending(context.WithoutCancel(ctx))
	if perr != nil {
		o.logger.Error("failed to check pending sync items", "error", perr)
	}

	o.mu.Lock()
	o.progress = 100
	if perr == nil {
		o.pending = pending
	}
	if err == nil {
		r := res
		o.lastResult = &r
		o.lastSyncAt = o.config.Now()
	}
	// Going offline mid-drain keeps the Offline state; the result is still reported.
	if o.state == StateOnlineSyncing {
		o.state = StateOnlineIdle
	}
	o.publishLocked()
	o.mu.Unlock()

	o.notifyResult(res, err)
	return res, err
}

func (o *Orchestrator) notifyResult(res replay.Result, err error) {
	if err != nil {
		o.logger.Error("sync pass failed", "error", err)
		o.notifier.Notify("Sync failed: "+err.Error(), SeverityError)
		return
	}
	if res.Successful > 0 {
		o.notifier.Notify(fmt.Sprintf("Synced %d pending %s.", res.Successful, changes(res.Successful)), SeveritySuccess)
	}
	if res.Failed > 0 {
		o.notifier.Notify(fmt.Sprintf("%d %s failed to sync and will not be retried automatically.", res.Failed, changes(res.Failed)), SeverityError)
	}
}

func changes(n int) string {
	if n == 1 {
		return "change"
	}
	return "changes"
}

// refreshPending recomputes PendingSync from the queue.
func (o *Orchestrator) refreshPending(ctx context.Context) {
	pending, err := o.queue.HasPending(ctx)
	if err != nil {
		o.logger.Error("failed to check pending sync items", "error", err)
		return
	}
	o.mu.Lock()
	if o.pending != pending {
		o.pending = pending
		o.publishLocked()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) statusLocked() Status {
	return Status{
		State:        o.state,
		IsOnline:     o.state != StateOffline,
		PendingSync:  o.pending,
		SyncProgress: o.progress,
		LastResult:   o.lastResult,
		LastSyncAt:   o.lastSyncAt,
	}
}

func (o *Orchestrator) publishLocked() {
	st := o.statusLocked()
	for _, ch := range o.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
