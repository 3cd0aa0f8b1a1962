// Package client implements the test-taker side of an exam attempt: the
// countdown reconciler, the answer autosave queue and the proctoring
// collector. A host process feeds it page signals and local storage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RequestTimeout bounds every call to the server.
const RequestTimeout = 15 * time.Second

// TimeSource fetches the authoritative time state of an attempt.
type TimeSource interface {
	Time(ctx context.Context, attemptID uuid.UUID) (*model.AttemptTimeResponse, error)
}

// AnswerSaver persists one answer document.
type AnswerSaver interface {
	SaveAnswer(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage) (*model.SaveAnswerResponse, error)
}

// EventSender delivers a batch of proctoring events and waits for the result.
type EventSender interface {
	SendEvents(ctx context.Context, attemptID uuid.UUID, events []model.ProctorEventInput) (int, error)
}

// Beacon hands a batch off for delivery without waiting. It reports false
// when the batch could not be queued.
type Beacon interface {
	SendBeacon(attemptID uuid.UUID, events []model.ProctorEventInput) bool
}

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Data    json.RawMessage
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Locked reports whether the server refused a write because the attempt is
// submitted or past its deadline.
func (e *HTTPError) Locked() bool {
	return e.Status == http.StatusConflict && e.Code == response.ErrAttemptLocked
}

// Terminal reports whether repeating the request cannot succeed.
func (e *HTTPError) Terminal() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// IsLocked reports whether err is a locked-attempt rejection.
func IsLocked(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Locked()
}

// IsTerminal reports whether err should not be retried.
func IsTerminal(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Terminal()
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

// API talks to the exam server over its JSON API.
type API struct {
	base    *url.URL
	token   string
	http    *http.Client
	beacons sync.WaitGroup
}

// NewAPI returns a client for the server at baseURL. A nil hc gets a
// client with RequestTimeout.
func NewAPI(baseURL, token string, hc *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: RequestTimeout}
	}
	return &API{base: u, token: token, http: hc}, nil
}

// SetToken replaces the bearer token used for later calls.
func (a *API) SetToken(token string) {
	a.token = token
}

// Login exchanges credentials for a token and keeps it for later calls.
func (a *API) Login(ctx context.Context, email, password string) (*model.LoginResponse, error) {
	var out model.LoginResponse
	body := model.LoginRequest{Email: email, Password: password}
	if err := a.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return nil, err
	}
	a.token = out.Token
	return &out, nil
}

// Start creates or resumes the caller's attempt for an exam.
func (a *API) Start(ctx context.Context, examID uuid.UUID) (*model.StartAttemptResponse, error) {
	var out model.StartAttemptResponse
	if err := a.do(ctx, http.MethodPost, "/api/v1/exams/"+examID.String()+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Time fetches the server's view of the attempt clock.
func (a *API) Time(ctx context.Context, attemptID uuid.UUID) (*model.AttemptTimeResponse, error) {
	var out model.AttemptTimeResponse
	if err := a.do(ctx, http.MethodGet, attemptPath(attemptID, "time"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit finalizes the attempt.
func (a *API) Submit(ctx context.Context, attemptID uuid.UUID) (*model.SubmitResponse, error) {
	var out model.SubmitResponse
	if err := a.do(ctx, http.MethodPost, attemptPath(attemptID, "submit"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnswer upserts the answer for one question.
func (a *API) SaveAnswer(ctx context.Context, attemptID uuid.UUID, questionID string, content json.RawMessage) (*model.SaveAnswerResponse, error) {
	var out model.SaveAnswerResponse
	path := attemptPath(attemptID, "answers/"+url.PathEscape(questionID))
	if err := a.do(ctx, http.MethodPost, path, model.SaveAnswerRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAnswers returns every saved answer of the attempt.
func (a *API) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.Answer, error) {
	var out struct {
		Answers []model.Answer `json:"answers"`
	}
	if err := a.do(ctx, http.MethodGet, attemptPath(attemptID, "answers"), nil, &out); err != nil {
		return nil, err
	}
	return out.Answers, nil
}

// SendEvents posts a batch of proctoring events.
func (a *API) SendEvents(ctx context.Context, attemptID uuid.UUID, events []model.ProctorEventInput) (int, error) {
	var out model.IngestEventsResponse
	body := model.IngestEventsRequest{Events: events}
	if err := a.do(ctx, http.MethodPost, attemptPath(attemptID, "events"), body, &out); err != nil {
		return 0, err
	}
	return out.Stored, nil
}

// maxBeaconBytes is the largest body SendBeacon will queue.
const maxBeaconBytes = 64 << 10

// SendBeacon posts the batch on its own goroutine and never reports the
// outcome. It refuses batches over maxBeaconBytes.
func (a *API) SendBeacon(attemptID uuid.UUID, events []model.ProctorEventInput) bool {
	raw, err := json.Marshal(model.IngestEventsRequest{Events: events})
	if err != nil || len(raw) > maxBeaconBytes {
		return false
	}
	batch := append([]model.ProctorEventInput(nil), events...)
	a.beacons.Add(1)
	go func() {
		defer a.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
		defer cancel()
		_, _ = a.SendEvents(ctx, attemptID, batch)
	}()
	return true
}

// WaitBeacons blocks until every batch handed to SendBeacon has been
// delivered or has failed.
func (a *API) WaitBeacons() {
	a.beacons.Wait()
}

func attemptPath(id uuid.UUID, rest string) string {
	return "/api/v1/attempts/" + id.String() + "/" + rest
}

func (a *API) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		he := &HTTPError{Status: resp.StatusCode, Data: env.Data}
		if env.Error != nil {
			he.Code = env.Error.Code
			he.Message = env.Error.Message
		}
		return he
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
