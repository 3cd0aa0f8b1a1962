package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// PollInterval is the period of authoritative time fetches.
	PollInterval = 20 * time.Second
	// TickInterval is the period of the local display countdown.
	TickInterval = time.Second
)

// ReconcilerState is the display state of the countdown.
type ReconcilerState string

const (
	StateUnsynced ReconcilerState = "unsynced"
	StateSynced   ReconcilerState = "synced"
	StateLocked   ReconcilerState = "locked"
)

// TimerView is what the exam page renders.
type TimerView struct {
	State     ReconcilerState
	DisplayMs int64
	Server    *model.AttemptTimeResponse
	SyncedAt  time.Time
	Err       error
}

// TimeReconciler counts an attempt down locally between server fetches.
// The local count is advisory; only a fetched server state can lock.
type TimeReconciler struct {
	api       TimeSource
	page      *Page
	clk       clock.Clock
	attemptID uuid.UUID
	log       zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	state     ReconcilerState
	last      *model.AttemptTimeResponse
	syncedAt  time.Time
	localMs   int64
	lastErr   error
	fetching  bool
	zeroAsked bool
	poll      clock.Timer
	tick      clock.Timer
	unsub     func()
	stopped   chan struct{}
	// watchDone is closed when the context watcher exits.
	watchDone chan struct{}

	onChange func(TimerView)
	onLocked func(TimerView)
}

// NewTimeReconciler builds a reconciler for one attempt.
func NewTimeReconciler(api TimeSource, page *Page, clk clock.Clock, attemptID uuid.UUID, log zerolog.Logger) *TimeReconciler {
	return &TimeReconciler{
		api:       api,
		page:      page,
		clk:       clk,
		attemptID: attemptID,
		log:       log.With().Str("component", "time_reconciler").Str("attempt_id", attemptID.String()).Logger(),
		state:     StateUnsynced,
	}
}

// OnChange registers a callback for every view change. Call before Start.
func (r *TimeReconciler) OnChange(fn func(TimerView)) { r.onChange = fn }

// OnLocked registers a callback fired once when the server reports the
// attempt locked. Call before Start.
func (r *TimeReconciler) OnLocked(fn func(TimerView)) { r.onLocked = fn }

// Start fetches once, then polls, ticks and refetches when the page becomes
// visible, until Stop or ctx is done.
func (r *TimeReconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx = ctx
	r.stopped = make(chan struct{})
	r.unsub = r.page.Subscribe(func(s Signal) {
		if s.Kind == SignalVisible {
			r.Refresh()
		}
	})
	r.mu.Unlock()

	r.Refresh()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.state == StateLocked {
		return
	}
	r.poll = r.clk.AfterFunc(PollInterval, r.onPoll)
	r.tick = r.clk.AfterFunc(TickInterval, r.onTick)
	if ctx.Done() != nil {
		stopped, done := r.stopped, make(chan struct{})
		r.watchDone = done
		go func() {
			defer close(done)
			select {
			case <-ctx.Done():
				r.Stop()
			case <-stopped:
			}
		}()
	}
}

// Stop cancels timers and detaches from the page.
func (r *TimeReconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopped)
	r.stopTimersLocked()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// View returns the current display state.
func (r *TimeReconciler) View() TimerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Locked reports whether the last server state locked the attempt.
func (r *TimeReconciler) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateLocked
}

func (r *TimeReconciler) viewLocked() TimerView {
	v := TimerView{State: r.state, Server: r.last, SyncedAt: r.syncedAt, Err: r.lastErr}
	if r.state == StateSynced {
		v.DisplayMs = r.localMs
	}
	return v
}

func (r *TimeReconciler) stopTimersLocked() {
	if r.poll != nil {
		r.poll.Stop()
		r.poll = nil
	}
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
}

// Refresh fetches the server state now. A fetch already in flight makes
// it a no-op. Failures keep the previous state.
func (r *TimeReconciler) Refresh() {
	r.mu.Lock()
	if !r.running || r.fetching || r.state == StateLocked {
		r.mu.Unlock()
		return
	}
	r.fetching = true
	ctx := r.ctx
	r.mu.Unlock()

	resp, err := r.api.Time(ctx, r.attemptID)

	r.mu.Lock()
	r.fetching = false
	if err != nil {
		r.lastErr = err
		view := r.viewLocked()
		r.mu.Unlock()
		r.log.Warn().Err(err).Msg("time fetch failed")
		r.emit(view, false)
		return
	}

	r.lastErr = nil
	r.last = resp
	r.syncedAt = r.clk.Now()
	r.localMs = resp.RemainingMs
	r.zeroAsked = false
	newlyLocked := false
	if resp.Locked {
		newlyLocked = r.state != StateLocked
		r.state = StateLocked
		r.stopTimersLocked()
	} else {
		r.state = StateSynced
	}
	view := r.viewLocked()
	r.mu.Unlock()

	if newlyLocked {
		r.log.Info().Str("status", string(resp.Status)).Msg("attempt locked")
	}
	r.emit(view, newlyLocked)
}

func (r *TimeReconciler) emit(v TimerView, locked bool) {
	if r.onChange != nil {
		r.onChange(v)
	}
	if locked && r.onLocked != nil {
		r.onLocked(v)
	}
}

func (r *TimeReconciler) onPoll() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.poll = r.clk.AfterFunc(PollInterval, r.onPoll)
	r.mu.Unlock()

	r.Refresh()
}

func (r *TimeReconciler) onTick() {
	r.mu.Lock()
	if !r.running || r.state == StateLocked {
		r.mu.Unlock()
		return
	}
	r.tick = r.clk.AfterFunc(TickInterval, r.onTick)
	if r.state != StateSynced {
		r.mu.Unlock()
		return
	}
	r.localMs -= TickInterval.Milliseconds()
	if r.localMs < 0 {
		r.localMs = 0
	}
	askServer := r.localMs == 0 && !r.zeroAsked
	if askServer {
		r.zeroAsked = true
	}
	view := r.viewLocked()
	r.mu.Unlock()

	r.emit(view, false)
	if askServer {
		r.Refresh()
	}
}
