package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// HeartbeatInterval is the period of heartbeats and timed flushes.
	HeartbeatInterval = 5 * time.Second
	// MaxBatch triggers a flush as soon as this many events are queued.
	MaxBatch = 20
	// maxFlush bounds one request; the server rejects larger batches.
	maxFlush = 100
)

// HeartbeatKey is the local storage key other tabs of the same attempt
// watch to detect each other.
func HeartbeatKey(attemptID uuid.UUID) string {
	return "attempt:" + attemptID.String() + ":heartbeat"
}

// Collector records proctoring signals of one attempt and ships them in
// batches. It holds no durable queue: events still queued when the process
// dies are lost.
type Collector struct {
	sender    EventSender
	beacon    Beacon
	page      *Page
	local     Storage
	session   Storage
	clk       clock.Clock
	attemptID uuid.UUID
	log       zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	queue    []model.ProctorEventInput
	flushing bool
	// flushDone is closed when the in-flight flush returns.
	flushDone chan struct{}
	focused   bool
	visible  bool
	tick     clock.Timer
	detach   []func()
}

// NewCollector builds a collector. beacon may be nil, in which case every
// batch goes through sender. local is shared between tabs; session is
// private to this one.
func NewCollector(sender EventSender, beacon Beacon, page *Page, local, session Storage, clk clock.Clock, attemptID uuid.UUID, log zerolog.Logger) *Collector {
	return &Collector{
		sender:    sender,
		beacon:    beacon,
		page:      page,
		local:     local,
		session:   session,
		clk:       clk,
		attemptID: attemptID,
		log:       log.With().Str("component", "proctor_collector").Str("attempt_id", attemptID.String()).Logger(),
		ctx:       context.Background(),
	}
}

// Start attaches page and storage listeners, records session-start and
// begins the heartbeat. If a listener cannot be attached, the ones already
// attached are removed.
func (c *Collector) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	var detach []func()
	defer func() {
		if err != nil {
			for _, fn := range detach {
				fn()
			}
		}
	}()

	detach = append(detach, c.page.Subscribe(c.onSignal))
	stopWatch, err := c.local.Watch(c.onStorage)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("watch local storage: %w", err)
	}
	detach = append(detach, stopWatch)

	c.running = true
	c.ctx = ctx
	c.detach = detach
	c.focused = c.page.Focused()
	c.visible = c.page.Visible()
	c.tick = c.clk.AfterFunc(HeartbeatInterval, c.onTick)
	c.mu.Unlock()

	c.push(model.ProctorSessionStart, nil)
	return nil
}

// Stop detaches every listener, stops the heartbeat and flushes what is
// queued. It waits for an in-flight flush, then sends until the queue is
// empty or a send fails.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	for c.flushOnce(true) {
	}
}

// Pending returns the number of queued events.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Collector) onTick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.tick = c.clk.AfterFunc(HeartbeatInterval, c.onTick)
	c.mu.Unlock()

	now := c.clk.Now()
	if err := c.local.Set(HeartbeatKey(c.attemptID), strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat write failed")
	}
	c.push(model.ProctorHeartbeat, nil)
	c.Flush()
}

func (c *Collector) onSignal(s Signal) {
	switch s.Kind {
	case SignalFocus, SignalBlur:
		focused := s.Kind == SignalFocus
		if !c.swapFocus(focused) {
			return
		}
		if focused {
			c.push(model.ProctorFocusGained, nil)
		} else {
			c.push(model.ProctorFocusLost, nil)
		}
	case SignalVisible, SignalHidden:
		visible := s.Kind == SignalVisible
		if !c.swapVisible(visible) {
			return
		}
		if visible {
			c.push(model.ProctorVisibilityVisible, nil)
		} else {
			c.push(model.ProctorVisibilityHidden, nil)
			c.Flush()
		}
	case SignalCopy, SignalCut:
		c.onCopy(s)
	case SignalPaste:
		c.onPaste(s)
	case SignalBeforeUnload, SignalPageHide:
		c.Flush()
	}
}

func (c *Collector) swapFocus(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.focused == v {
		return false
	}
	c.focused = v
	return true
}

func (c *Collector) swapVisible(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visible == v {
		return false
	}
	c.visible = v
	return true
}

type clipboardMeta struct {
	Length         int      `json:"length"`
	ClipboardTypes []string `json:"clipboardTypes"`
	IsInternal     *bool    `json:"isInternal,omitempty"`
}

func clipOf(s Signal) Clipboard {
	if s.Clipboard == nil {
		return Clipboard{}
	}
	return *s.Clipboard
}

func typesOf(cb Clipboard) []string {
	if cb.Types == nil {
		return []string{}
	}
	return cb.Types
}

func (c *Collector) onCopy(s Signal) {
	cb := clipOf(s)
	if cb.Text != "" {
		if err := rememberCopy(c.session, cb.Text, c.clk.Now()); err != nil {
			c.log.Debug().Err(err).Msg("remember copy failed")
		}
	}
	typ := model.ProctorCopy
	if s.Kind == SignalCut {
		typ = model.ProctorCut
	}
	c.push(typ, clipboardMeta{Length: textLength(cb.Text), ClipboardTypes: typesOf(cb)})
}

func (c *Collector) onPaste(s Signal) {
	cb := clipOf(s)
	internal := isInternalPaste(c.session, cb.Text, c.clk.Now())
	c.push(model.ProctorPaste, clipboardMeta{
		Length:         textLength(cb.Text),
		ClipboardTypes: typesOf(cb),
		IsInternal:     &internal,
	})
}

func (c *Collector) onStorage(ev StorageEvent) {
	if ev.Key != HeartbeatKey(c.attemptID) || ev.Value == "" {
		return
	}
	at, err := strconv.ParseInt(ev.Value, 10, 64)
	if err != nil {
		return
	}
	c.push(model.ProctorMultiTab, struct {
		At int64 `json:"at"`
	}{At: at})
}

// push queues one event stamped with the local time and flushes when the
// batch is full.
func (c *Collector) push(typ string, meta interface{}) {
	ev := model.ProctorEventInput{Type: typ}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			c.log.Error().Err(err).Str("type", typ).Msg("encode event meta")
			return
		}
		ev.Meta = raw
	}
	ts := c.clk.Now()
	ev.ClientTs = &ts

	c.mu.Lock()
	c.queue = append(c.queue, ev)
	full := len(c.queue) >= MaxBatch
	c.mu.Unlock()

	if full {
		c.Flush()
	}
}

// Flush ships the queued events: by beacon when one is available and
// accepts the batch, otherwise by a request whose failure puts the batch
// back at the head of the queue. A flush already in progress makes it a
// no-op.
func (c *Collector) Flush() {
	c.flushOnce(false)
}

// flushOnce sends one batch and reports whether more events remain after a
// successful send. A final flush waits out the one in flight and sends on a
// fresh context, since the session context is usually cancelled by then.
func (c *Collector) flushOnce(final bool) bool {
	c.mu.Lock()
	for final && c.flushing {
		done := c.flushDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	if c.flushing || len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	n := len(c.queue)
	if n > maxFlush {
		n = maxFlush
	}
	batch := c.queue[:n:n]
	c.queue = append([]model.ProctorEventInput(nil), c.queue[n:]...)
	c.flushing = true
	c.flushDone = make(chan struct{})
	ctx := c.ctx
	if final {
		ctx = context.Background()
	}
	c.mu.Unlock()

	err := c.deliver(ctx, batch)

	c.mu.Lock()
	c.flushing = false
	close(c.flushDone)
	if err != nil {
		c.queue = append(batch, c.queue...)
	}
	more := err == nil && len(c.queue) > 0
	c.mu.Unlock()

	if err != nil {
		c.log.Debug().Err(err).Int("events", len(batch)).Msg("flush failed, batch requeued")
	}
	return more
}

func (c *Collector) deliver(ctx context.Context, batch []model.ProctorEventInput) error {
	if c.beacon != nil && c.beacon.SendBeacon(c.attemptID, batch) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	_, err := c.sender.SendEvents(ctx, c.attemptID, batch)
	return err
}
