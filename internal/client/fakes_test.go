package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	t0        = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	attemptID = uuid.MustParse("0b8a6c1e-3f0d-4c5e-9a51-2d7f3e9c1a20")
	errNet    = errors.New("connection refused")
)

type fakeTime struct {
	mu    sync.Mutex
	resp  model.AttemptTimeResponse
	err   error
	calls int
}

func (f *fakeTime) Time(ctx context.Context, id uuid.UUID) (*model.AttemptTimeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeTime) set(remainingMs int64, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = model.AttemptTimeResponse{AttemptID: attemptID, RemainingMs: remainingMs, Locked: locked}
	if locked {
		f.resp.Status = model.AttemptStatusSubmitted
		f.resp.RemainingMs = 0
	} else {
		f.resp.Status = model.AttemptStatusOngoing
	}
	f.err = nil
}

func (f *fakeTime) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	calls int
	errs  []error
	at    time.Time
}

func (f *fakeSaver) SaveAnswer(ctx context.Context, id uuid.UUID, qid string, content json.RawMessage) (*model.SaveAnswerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.saved = append(f.saved, string(content))
	return &model.SaveAnswerResponse{OK: true, AnswerID: uuid.New(), UpdatedAt: f.at}, nil
}

func (f *fakeSaver) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeSaver) snapshot() (calls int, saved []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.saved...)
}

type fakeSender struct {
	mu      sync.Mutex
	batches [][]model.ProctorEventInput
	err     error
}

func (f *fakeSender) SendEvents(ctx context.Context, id uuid.UUID, events []model.ProctorEventInput) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, append([]model.ProctorEventInput(nil), events...))
	return len(events), nil
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, ev := range b {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (f *fakeSender) events(typ string) []model.ProctorEventInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ProctorEventInput
	for _, b := range f.batches {
		for _, ev := range b {
			if ev.Type == typ {
				out = append(out, ev)
			}
		}
	}
	return out
}

type fakeBeacon struct {
	accept bool
	sent   int
}

func (f *fakeBeacon) SendBeacon(id uuid.UUID, events []model.ProctorEventInput) bool {
	if f.accept {
		f.sent += len(events)
	}
	return f.accept
}
