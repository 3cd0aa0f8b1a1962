package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/clock"
)

// session hosts the client components for one attempt. Page signals come
// from stdin commands; plain lines are appended to the answer document.
type session struct {
	api        *client.API
	attemptID  uuid.UUID
	questionID string
	log        zerolog.Logger

	page       *client.Page
	reconciler *client.TimeReconciler
	autosave   *client.Autosave
	collector  *client.Collector

	mu       sync.Mutex
	doc      strings.Builder
	timer    client.TimerView
	save     client.AutosaveState
	lockedCh chan struct{}
	lockOnce sync.Once
}

func newSession(api *client.API, store client.Storage, attemptID uuid.UUID, questionID string, log zerolog.Logger) *session {
	clk := clock.Real{}
	page := client.NewPage()
	s := &session{
		api:        api,
		attemptID:  attemptID,
		questionID: questionID,
		log:        log,
		page:       page,
		timer:      client.TimerView{State: client.StateUnsynced},
		save:       client.AutosaveState{Status: client.StatusIdle},
		lockedCh:   make(chan struct{}),
	}
	s.reconciler = client.NewTimeReconciler(api, page, clk, attemptID, log)
	s.autosave = client.NewAutosave(api, store, page, clk, attemptID, questionID, log)
	s.collector = client.NewCollector(api, api, page, store, client.NewMemoryStorage(), clk, attemptID, log)

	s.reconciler.OnChange(func(v client.TimerView) {
		s.mu.Lock()
		s.timer = v
		s.mu.Unlock()
	})
	s.reconciler.OnLocked(func(client.TimerView) { s.lock() })
	s.autosave.OnState(func(st client.AutosaveState) {
		s.mu.Lock()
		s.save = st
		s.mu.Unlock()
		if st.Status == client.StatusError && st.Message != "" {
			s.log.Warn().Str("reason", st.Message).Msg("autosave failed, type :retry to try again")
		}
	})
	return s
}

func (s *session) lock() {
	s.lockOnce.Do(func() {
		s.autosave.Lock()
		close(s.lockedCh)
		fmt.Println("time is up: the attempt is locked and your answer is read-only")
	})
}

func (s *session) run(ctx context.Context, in io.Reader, answerFile string) error {
	if answerFile == "" {
		s.restore(ctx)
	}
	if err := s.collector.Start(ctx); err != nil {
		return fmt.Errorf("start proctoring: %w", err)
	}
	defer s.collector.Stop()
	s.autosave.Start(ctx)
	defer s.autosave.Stop()
	s.reconciler.Start(ctx)
	defer s.reconciler.Stop()

	if answerFile != "" {
		stop, err := s.watchAnswerFile(answerFile)
		if err != nil {
			return err
		}
		defer stop()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()
	s.printStatus()

	for {
		select {
		case <-ctx.Done():
			s.page.Emit(client.Signal{Kind: client.SignalBeforeUnload})
			return nil
		case <-s.lockedCh:
			s.printStatus()
			return nil
		case <-status.C:
			s.printStatus()
		case line, ok := <-lines:
			if !ok {
				s.page.Emit(client.Signal{Kind: client.SignalPageHide})
				return nil
			}
			if done := s.handle(ctx, line); done {
				return nil
			}
		}
	}
}

// handle applies one stdin line and reports whether the session is over.
func (s *session) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ":") {
		s.edit(line)
		return false
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	switch cmd {
	case "focus":
		s.page.Emit(client.Signal{Kind: client.SignalFocus})
	case "blur":
		s.page.Emit(client.Signal{Kind: client.SignalBlur})
	case "hide":
		s.page.Emit(client.Signal{Kind: client.SignalHidden})
	case "show":
		s.page.Emit(client.Signal{Kind: client.SignalVisible})
	case "offline":
		s.page.Emit(client.Signal{Kind: client.SignalOffline})
	case "online":
		s.page.Emit(client.Signal{Kind: client.SignalOnline})
	case "copy", "cut", "paste":
		s.page.Emit(client.Signal{Kind: client.SignalKind(cmd), Clipboard: &client.Clipboard{Text: arg, Types: []string{"text/plain"}}})
		if cmd == "paste" {
			s.edit(arg)
		}
	case "retry":
		s.autosave.Retry()
	case "status":
		s.printStatus()
	case "submit":
		if s.reconciler.Locked() {
			fmt.Println("already locked")
			return true
		}
		s.autosave.Flush()
		res, err := s.api.Submit(ctx, s.attemptID)
		if err != nil {
			s.log.Error().Err(err).Msg("submit failed")
			return false
		}
		s.autosave.Lock()
		if res.SubmittedAt != nil {
			fmt.Printf("submitted at %s\n", res.SubmittedAt.Local().Format(time.Kitchen))
		}
		return true
	case "quit":
		s.page.Emit(client.Signal{Kind: client.SignalBeforeUnload})
		return true
	default:
		fmt.Println("commands: :focus :blur :hide :show :offline :online :copy TEXT :cut TEXT :paste TEXT :retry :status :submit :quit")
	}
	return false
}

// restore loads the saved answer so typing continues where the last
// session stopped.
func (s *session) restore(ctx context.Context) {
	answers, err := s.api.ListAnswers(ctx, s.attemptID)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not load saved answers")
		return
	}
	for _, a := range answers {
		if a.QuestionID != s.questionID {
			continue
		}
		var doc struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(a.Content, &doc); err != nil {
			return
		}
		s.mu.Lock()
		s.doc.Reset()
		s.doc.WriteString(doc.Text)
		s.mu.Unlock()
		s.log.Info().Str("saved", humanize.Time(a.UpdatedAt)).Msg("restored saved answer")
		return
	}
}

func (s *session) edit(line string) {
	s.mu.Lock()
	if s.doc.Len() > 0 {
		s.doc.WriteByte('\n')
	}
	s.doc.WriteString(line)
	text := s.doc.String()
	s.mu.Unlock()
	s.setDocument(text)
}

func (s *session) setDocument(text string) {
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	s.autosave.OnChange(raw)
}

// watchAnswerFile autosaves the file's content every time it is written.
func (s *session) watchAnswerFile(path string) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("answer file watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	target := filepath.Clean(path)

	load := func() {
		raw, err := os.ReadFile(target)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.doc.Reset()
		s.doc.Write(raw)
		s.mu.Unlock()
		s.setDocument(string(raw))
	}
	load()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					load()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("answer file watcher")
			}
		}
	}()
	return func() {
		w.Close()
		<-done
	}, nil
}

func (s *session) printStatus() {
	s.mu.Lock()
	tv, st, size := s.timer, s.save, s.doc.Len()
	s.mu.Unlock()

	var b strings.Builder
	switch tv.State {
	case client.StateUnsynced:
		b.WriteString("time --:--:--")
	case client.StateLocked:
		b.WriteString("time 00:00:00 LOCKED")
	default:
		b.WriteString("time " + formatRemaining(tv.DisplayMs))
	}
	if tv.Err != nil && !tv.SyncedAt.IsZero() {
		b.WriteString(" (last sync " + humanize.Time(tv.SyncedAt) + ")")
	}

	b.WriteString(" | answer " + humanize.Bytes(uint64(size)))
	switch st.Status {
	case client.StatusSaved:
		b.WriteString(", saved " + humanize.Time(st.SavedAt))
	case client.StatusError:
		b.WriteString(", save failed: " + st.Message)
	default:
		b.WriteString(", " + string(st.Status))
	}
	if n := s.collector.Pending(); n > 0 {
		b.WriteString(" | " + humanize.Comma(int64(n)) + " proctor events pending")
	}
	fmt.Println(b.String())
}
