package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
)

// DebounceDelay is the quiet period after the last edit before a save.
const DebounceDelay = time.Second

// AutosaveStatus is the save indicator shown to the test-taker.
type AutosaveStatus string

const (
	StatusIdle   AutosaveStatus = "idle"
	StatusSaving AutosaveStatus = "saving"
	StatusSaved  AutosaveStatus = "saved"
	StatusQueued AutosaveStatus = "queued"
	StatusError  AutosaveStatus = "error"
)

// AutosaveState is the observable state of the queue. SavedAt is set for
// StatusSaved and Message for StatusError.
type AutosaveState struct {
	Status  AutosaveStatus
	SavedAt time.Time
	Message string
}

// AutosaveKey is the local storage key of the queued documents of an
// attempt. The value maps question ids to queuedDoc.
func AutosaveKey(attemptID uuid.UUID) string {
	return "autosave:" + attemptID.String()
}

// queuedDoc is one question's entry under AutosaveKey.
type queuedDoc struct {
	Doc      json.RawMessage `json:"doc"`
	QueuedAt int64           `json:"queuedAt"`
}

// queuedMu serializes read-modify-write of AutosaveKey between the
// Autosave instances of one process.
var queuedMu sync.Mutex

func readQueued(st Storage, attemptID uuid.UUID) (map[string]queuedDoc, error) {
	docs := map[string]queuedDoc{}
	raw, ok := st.Get(AutosaveKey(attemptID))
	if !ok {
		return docs, nil
	}
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return map[string]queuedDoc{}, err
	}
	return docs, nil
}

// Autosave delivers the latest version of one answer document to the
// server. Edits are debounced, at most one save is in flight, and failed
// or offline saves wait in local storage.
type Autosave struct {
	saver      AnswerSaver
	store      Storage
	page       *Page
	clk        clock.Clock
	attemptID  uuid.UUID
	questionID string
	log        zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	locked    bool
	latest    json.RawMessage
	seq       uint64
	savedSeq  uint64
	inflight  bool
	timer     clock.Timer
	backoff   *Backoff
	state     AutosaveState
	unsub     func()
	onState   func(AutosaveState)
	pending   []AutosaveState
}

// NewAutosave builds the queue for one question of an attempt.
func NewAutosave(saver AnswerSaver, store Storage, page *Page, clk clock.Clock, attemptID uuid.UUID, questionID string, log zerolog.Logger) *Autosave {
	return &Autosave{
		saver:      saver,
		store:      store,
		page:       page,
		clk:        clk,
		attemptID:  attemptID,
		questionID: questionID,
		log:        log.With().Str("component", "autosave").Str("attempt_id", attemptID.String()).Logger(),
		ctx:        context.Background(),
		backoff:    NewBackoff(),
		state:      AutosaveState{Status: StatusIdle},
	}
}

// OnState registers a callback for state changes. Call before Start.
func (a *Autosave) OnState(fn func(AutosaveState)) { a.onState = fn }

// State returns the current state.
func (a *Autosave) State() AutosaveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start listens for recovery and unload signals and retries any document
// a previous session left queued.
func (a *Autosave) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.ctx = ctx
	a.unsub = a.page.Subscribe(a.onSignal)
	_, queued := a.loadQueued()
	a.mu.Unlock()

	if queued {
		a.flushQueue()
	}
}

// Stop cancels pending timers, detaches from the page and keeps an unsaved
// document in local storage.
func (a *Autosave) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancelTimerLocked()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	a.mu.Unlock()

	a.persistPending()
}

// Lock makes the document read-only. Later edits are ignored and nothing
// more is sent.
func (a *Autosave) Lock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked = true
	a.cancelTimerLocked()
}

// OnChange records a new version of the document and restarts the
// debounce. A pending retry is superseded.
func (a *Autosave) OnChange(doc json.RawMessage) {
	a.mu.Lock()
	if a.locked {
		a.mu.Unlock()
		return
	}
	a.latest = append(json.RawMessage(nil), doc...)
	a.seq++
	a.backoff.Reset()
	a.scheduleLocked(DebounceDelay, a.saveNow)
	a.mu.Unlock()
}

// Retry resets the backoff and flushes immediately.
func (a *Autosave) Retry() {
	a.mu.Lock()
	a.backoff.Reset()
	a.cancelTimerLocked()
	a.mu.Unlock()

	a.flushQueue()
}

// Flush sends the pending document now, skipping the debounce.
func (a *Autosave) Flush() {
	a.mu.Lock()
	a.cancelTimerLocked()
	a.mu.Unlock()

	a.saveNow()
}

func (a *Autosave) onSignal(s Signal) {
	switch s.Kind {
	case SignalVisible, SignalOnline:
		a.flushQueue()
	case SignalBeforeUnload:
		a.persistPending()
	}
}

func (a *Autosave) scheduleLocked(d time.Duration, f func()) {
	a.cancelTimerLocked()
	var t clock.Timer
	t = a.clk.AfterFunc(d, func() {
		a.mu.Lock()
		if a.timer != t {
			a.mu.Unlock()
			return
		}
		a.timer = nil
		a.mu.Unlock()
		f()
	})
	a.timer = t
}

func (a *Autosave) cancelTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// flushQueue adopts a document found in local storage when memory holds
// none, then saves.
func (a *Autosave) flushQueue() {
	a.mu.Lock()
	if a.locked {
		a.mu.Unlock()
		return
	}
	if !a.page.Online() {
		a.setStateLocked(AutosaveState{Status: StatusQueued})
		a.unlock()
		return
	}
	if a.latest == nil {
		if q, ok := a.loadQueued(); ok {
			a.latest = q.Doc
			a.seq++
		}
	}
	a.mu.Unlock()

	a.saveNow()
}

func (a *Autosave) loadQueued() (queuedDoc, bool) {
	queuedMu.Lock()
	defer queuedMu.Unlock()
	docs, err := readQueued(a.store, a.attemptID)
	if err != nil {
		a.log.Warn().Err(err).Msg("discarding unreadable queued documents")
		_ = a.store.Remove(AutosaveKey(a.attemptID))
		return queuedDoc{}, false
	}
	q, ok := docs[a.questionID]
	if !ok || len(q.Doc) == 0 {
		return queuedDoc{}, false
	}
	return q, true
}

// updateQueued applies fn to the stored entries and writes the result back,
// removing the key once no question is left.
func (a *Autosave) updateQueued(fn func(map[string]queuedDoc)) error {
	queuedMu.Lock()
	defer queuedMu.Unlock()
	docs, err := readQueued(a.store, a.attemptID)
	if err != nil {
		a.log.Warn().Err(err).Msg("replacing unreadable queued documents")
	}
	fn(docs)
	if len(docs) == 0 {
		return a.store.Remove(AutosaveKey(a.attemptID))
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return a.store.Set(AutosaveKey(a.attemptID), string(raw))
}

func (a *Autosave) dropQueuedLocked() error {
	return a.updateQueued(func(docs map[string]queuedDoc) { delete(docs, a.questionID) })
}

func (a *Autosave) saveNow() {
	a.mu.Lock()
	if a.locked || a.latest == nil || a.seq == a.savedSeq {
		a.mu.Unlock()
		return
	}
	if !a.page.Online() {
		a.queueLocked(a.latest)
		a.setStateLocked(AutosaveState{Status: StatusQueued})
		a.unlock()
		return
	}
	if a.inflight {
		a.mu.Unlock()
		return
	}
	a.inflight = true
	doc, seq, ctx := a.latest, a.seq, a.ctx
	a.setStateLocked(AutosaveState{Status: StatusSaving})
	a.unlock()

	resp, err := a.saver.SaveAnswer(ctx, a.attemptID, a.questionID, doc)

	a.mu.Lock()
	defer a.unlock()
	a.inflight = false

	if err != nil {
		a.onFailureLocked(doc, err)
		return
	}

	a.backoff.Reset()
	a.savedSeq = seq
	ts := a.clk.Now()
	if resp != nil && !resp.UpdatedAt.IsZero() {
		ts = resp.UpdatedAt
	}
	a.setStateLocked(AutosaveState{Status: StatusSaved, SavedAt: ts})
	if seq == a.seq {
		if err := a.dropQueuedLocked(); err != nil {
			a.log.Warn().Err(err).Msg("clear queued document")
		}
	} else if a.timer == nil && !a.locked {
		a.scheduleLocked(DebounceDelay, a.saveNow)
	}
}

func (a *Autosave) onFailureLocked(doc json.RawMessage, err error) {
	if IsLocked(err) {
		a.locked = true
		a.cancelTimerLocked()
		_ = a.dropQueuedLocked()
		a.setStateLocked(AutosaveState{Status: StatusError, Message: "attempt is locked"})
		a.log.Info().Msg("save rejected, attempt locked")
		return
	}

	a.queueLocked(doc)
	a.setStateLocked(AutosaveState{Status: StatusError, Message: errorMessage(err)})

	if IsTerminal(err) {
		a.log.Warn().Err(err).Msg("save rejected")
		return
	}
	// A newer edit already owns the timer.
	if a.timer != nil {
		return
	}
	delay, ok := a.backoff.Next()
	if !ok {
		a.log.Warn().Err(err).Msg("save failed, retries exhausted")
		return
	}
	a.log.Debug().Err(err).Dur("retry_in", delay).Int("step", a.backoff.Step()).Msg("save failed")
	a.scheduleLocked(delay, a.flushQueue)
}

// persistPending writes an unsaved document to local storage without
// touching the network.
func (a *Autosave) persistPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked || a.latest == nil || a.seq == a.savedSeq {
		return
	}
	a.queueLocked(a.latest)
}

func (a *Autosave) queueLocked(doc json.RawMessage) {
	q := queuedDoc{Doc: doc, QueuedAt: a.clk.Now().UnixMilli()}
	if err := a.updateQueued(func(docs map[string]queuedDoc) { docs[a.questionID] = q }); err != nil {
		a.log.Error().Err(err).Msg("queue document locally")
	}
}

// setStateLocked records st. Callbacks are delivered by unlock.
func (a *Autosave) setStateLocked(st AutosaveState) {
	a.state = st
	if a.onState != nil {
		a.pending = append(a.pending, st)
	}
}

// unlock releases the mutex and then reports queued state changes.
func (a *Autosave) unlock() {
	pending := a.pending
	a.pending = nil
	fn := a.onState
	a.mu.Unlock()
	for _, st := range pending {
		fn(st)
	}
}

func errorMessage(err error) string {
	var he *HTTPError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "save timed out"
	}
	return "save failed"
}
