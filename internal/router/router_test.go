package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/repository/sqlite"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type apiEnv struct {
	t      *testing.T
	router http.Handler
	store  *repository.Store
	clock  *clock.Manual
	auth   *service.AuthService

	teacherToken string
	studentToken string
	otherToken   string
	examID       uuid.UUID
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	validator.Setup()

	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		GinMode:           "test",
		JWTSecret:         "test-secret",
		JWTExpiry:         time.Hour,
		BcryptCost:        4,
		ClampAutoSubmit:   true,
		MaxEventBodyBytes: 1024,
	}
	log := zerolog.Nop()
	store := sqlite.NewStore(db)
	clk := clock.NewManual(t0)
	m := metrics.New()
	monitor := service.NewMonitorService(nil, log)

	engine := service.NewSubmissionEngine(store, monitor, m, clk, cfg.ClampAutoSubmit, log)
	writes := service.NewWriteGuard(store.Attempts, clk)
	owner := service.NewOwnershipGuard(store.Attempts, store.Exams)
	attempts := service.NewAttemptService(store, engine, writes, owner, monitor, m, clk, log)
	proctor := service.NewProctorService(owner, service.NewDirectSink(store.ProctorEvents), monitor, m, clk, log)
	review := service.NewReviewService(store, owner, monitor, clk, log)
	auth := service.NewAuthService(cfg, store.Users, clk)

	handlers := &Handlers{
		Auth:    handler.NewAuthHandler(auth, log),
		Attempt: handler.NewAttemptHandler(attempts, proctor, log),
		Review:  handler.NewReviewHandler(review, log),
		Monitor: handler.NewMonitorHandler(review, monitor, log),
		WS:      handler.NewWSHandler(attempts, proctor, log, nil),
	}
	r := SetupRouter(auth, handlers, cfg, Options{
		Metrics:      m,
		LoginLimiter: middleware.NewRateLimiter(3, time.Minute, clk),
	})

	env := &apiEnv{t: t, router: r, store: store, clock: clk, auth: auth}
	teacher := env.addUser("guru@example.com", model.RoleTeacher)
	env.teacherToken = env.token(teacher)
	env.studentToken = env.token(env.addUser("siswa@example.com", model.RoleStudent))
	env.otherToken = env.token(env.addUser("lain@example.com", model.RoleStudent))

	exam := &model.Exam{Title: "Kimia", DurationSec: 60, CreatedByID: teacher.UserID, CreatedAt: t0}
	if err := store.Exams.Create(context.Background(), exam); err != nil {
		t.Fatalf("create exam: %v", err)
	}
	env.examID = exam.ID
	return env
}

func (e *apiEnv) addUser(email string, role model.Role) model.Identity {
	e.t.Helper()
	hash, err := e.auth.HashPassword("rahasia123")
	if err != nil {
		e.t.Fatal(err)
	}
	u := &model.User{Email: email, Name: email, Role: role, PasswordHash: hash, CreatedAt: t0}
	if err := e.store.Users.Create(context.Background(), u); err != nil {
		e.t.Fatal(err)
	}
	return model.Identity{UserID: u.ID, Role: role}
}

func (e *apiEnv) token(id model.Identity) string {
	e.t.Helper()
	tok, err := e.auth.GenerateToken(id.UserID, id.Role)
	if err != nil {
		e.t.Fatal(err)
	}
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func (e *apiEnv) do(method, path, token string, body string) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			e.t.Fatalf("%s %s: decode envelope: %v\n%s", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func (e *apiEnv) errCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

// startAttempt starts the student's attempt and returns its id.
func (e *apiEnv) startAttempt() string {
	e.t.Helper()
	w, env := e.do(http.MethodPost, "/api/v1/exams/"+e.examID.String()+"/start", e.studentToken, "")
	if w.Code != http.StatusCreated {
		e.t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var resp model.StartAttemptResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		e.t.Fatal(err)
	}
	return resp.AttemptID.String()
}

func TestAttemptRoutes(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startAttempt()

	w, _ := env.do(http.MethodPost, "/api/v1/exams/"+env.examID.String()+"/start", env.studentToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("second start: got %d, want 200", w.Code)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     string
		wantCode int
		wantErr  string
	}{
		{"no token", http.MethodGet, "/api/v1/attempts/" + id + "/time", "", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"garbage token", http.MethodGet, "/api/v1/attempts/" + id + "/time", "nope", "", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"owner reads time", http.MethodGet, "/api/v1/attempts/" + id + "/time", env.studentToken, "", http.StatusOK, ""},
		{"other student", http.MethodGet, "/api/v1/attempts/" + id + "/time", env.otherToken, "", http.StatusForbidden, "FORBIDDEN"},
		{"unknown attempt", http.MethodGet, "/api/v1/attempts/" + uuid.NewString() + "/time", env.studentToken, "", http.StatusNotFound, "NOT_FOUND"},
		{"malformed id", http.MethodGet, "/api/v1/attempts/abc/time", env.studentToken, "", http.StatusBadRequest, "INVALID_ID"},
		{"save answer", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q1", env.studentToken, `{"content":{"text":"x"}}`, http.StatusOK, ""},
		{"null document", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q2", env.studentToken, `{"content":null}`, http.StatusOK, ""},
		{"missing content", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q1", env.studentToken, `{}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad question id", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q%201", env.studentToken, `{"content":1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"single event", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.studentToken, `{"type":"focus-lost"}`, http.StatusAccepted, ""},
		{"batch", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.studentToken, `{"events":[{"type":"copy","meta":{"length":3}},{"type":"paste"}]}`, http.StatusAccepted, ""},
		{"event without type", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.studentToken, `{"events":[{"meta":{}}]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"oversized events", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.studentToken, `{"type":"paste","meta":{"pad":"` + strings.Repeat("x", 2048) + `"}}`, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"events by other student", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.otherToken, `{"type":"paste"}`, http.StatusForbidden, "FORBIDDEN"},
		{"malformed events by other student", http.MethodPost, "/api/v1/attempts/" + id + "/events", env.otherToken, `{"events":[{"meta":{}}]}`, http.StatusForbidden, "FORBIDDEN"},
		{"malformed answer by other student", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q1", env.otherToken, `{}`, http.StatusForbidden, "FORBIDDEN"},
		{"bad question id by other student", http.MethodPost, "/api/v1/attempts/" + id + "/answers/q%201", env.otherToken, `{"content":1}`, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.do(tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if got := env.errCode(body); got != tt.wantErr {
				t.Fatalf("error code = %q, want %q", got, tt.wantErr)
			}
		})
	}

	w, body := env.do(http.MethodGet, "/api/v1/attempts/"+id+"/answers", env.studentToken, "")
	if w.Code != http.StatusOK || !bytes.Contains(body.Data, []byte(`"questionId":"q2"`)) {
		t.Fatalf("answers: %d %s", w.Code, body.Data)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestLockedWriteReturns409(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startAttempt()

	env.clock.Advance(61 * time.Second)
	w, body := env.do(http.MethodPost, "/api/v1/attempts/"+id+"/answers/q1", env.studentToken, `{"content":"late"}`)
	if w.Code != http.StatusConflict || env.errCode(body) != "ATTEMPT_LOCKED" {
		t.Fatalf("late write: %d %s", w.Code, w.Body.String())
	}
	var locked handler.LockedData
	if err := json.Unmarshal(body.Data, &locked); err != nil {
		t.Fatal(err)
	}
	if !locked.Locked || !locked.Time.IsSubmitted {
		t.Fatalf("locked data: %+v", locked)
	}

	w, body = env.do(http.MethodPost, "/api/v1/attempts/"+id+"/submit", env.studentToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d", w.Code)
	}
	var sub model.SubmitResponse
	if err := json.Unmarshal(body.Data, &sub); err != nil {
		t.Fatal(err)
	}
	if !sub.OK || !sub.AlreadySubmitted || !sub.SubmittedAt.Equal(t0.Add(60*time.Second)) {
		t.Fatalf("submit after seal: %+v", sub)
	}

	// Proctoring still flows after submission.
	w, _ = env.do(http.MethodPost, "/api/v1/attempts/"+id+"/events", env.studentToken, `{"type":"heartbeat"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("event after submit: %d", w.Code)
	}
}

func TestStaffRoutes(t *testing.T) {
	env := newAPIEnv(t)
	id := env.startAttempt()
	env.clock.Advance(time.Second)
	env.do(http.MethodPost, "/api/v1/attempts/"+id+"/events", env.studentToken, `{"type":"paste","meta":{"length":4}}`)
	env.do(http.MethodPost, "/api/v1/attempts/"+id+"/answers/q1", env.studentToken, `{"content":{"text":"final"}}`)

	tests := []struct {
		name     string
		path     string
		token    string
		wantCode int
		wantErr  string
	}{
		{"student is refused", "/api/v1/admin/exams/" + env.examID.String() + "/attempts", env.studentToken, http.StatusForbidden, "STAFF_ACCESS_ONLY"},
		{"attempt list", "/api/v1/admin/exams/" + env.examID.String() + "/attempts", env.teacherToken, http.StatusOK, ""},
		{"summary", "/api/v1/admin/exams/" + env.examID.String() + "/proctoring/summary", env.teacherToken, http.StatusOK, ""},
		{"detail", "/api/v1/admin/attempts/" + id, env.teacherToken, http.StatusOK, ""},
		{"latest answer", "/api/v1/admin/attempts/" + id + "/answers/q1", env.teacherToken, http.StatusOK, ""},
		{"unanswered question", "/api/v1/admin/attempts/" + id + "/answers/q9", env.teacherToken, http.StatusNotFound, "NOT_FOUND"},
		{"answer for student", "/api/v1/admin/attempts/" + id + "/answers/q1", env.studentToken, http.StatusForbidden, "STAFF_ACCESS_ONLY"},
		{"timeline", "/api/v1/admin/attempts/" + id + "/events?kinds=proctor&limit=10", env.teacherToken, http.StatusOK, ""},
		{"bad kind", "/api/v1/admin/attempts/" + id + "/events?kinds=other", env.teacherToken, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad limit", "/api/v1/admin/attempts/" + id + "/events?limit=-1", env.teacherToken, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad cursor", "/api/v1/admin/attempts/" + id + "/events?cursor=zzz", env.teacherToken, http.StatusBadRequest, "INVALID_CURSOR"},
		{"unknown exam", "/api/v1/admin/exams/" + uuid.NewString() + "/attempts", env.teacherToken, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.do(http.MethodGet, tt.path, tt.token, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if got := env.errCode(body); got != tt.wantErr {
				t.Fatalf("error code = %q, want %q", got, tt.wantErr)
			}
		})
	}

	w, body := env.do(http.MethodGet, "/api/v1/admin/attempts/"+id+"/answers/q1", env.teacherToken, "")
	var ans model.Answer
	if err := json.Unmarshal(body.Data, &ans); err != nil {
		t.Fatal(err)
	}
	if ans.QuestionID != "q1" || !bytes.Contains(ans.Content, []byte("final")) {
		t.Fatalf("latest answer: %+v", ans)
	}

	w, _ = env.do(http.MethodGet, "/api/v1/admin/attempts/"+id+"/events.csv", env.teacherToken, "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("csv: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(w.Body.String(), "created_at,kind,type,id,data\n") {
		t.Fatalf("csv header: %q", w.Body.String())
	}
}

func TestAuthAndOpsRoutes(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"siswa@example.com","password":"rahasia123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var login model.LoginResponse
	if err := json.Unmarshal(body.Data, &login); err != nil {
		t.Fatal(err)
	}
	w, _ = env.do(http.MethodGet, "/api/v1/auth/me", login.Token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d", w.Code)
	}

	w, body = env.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"siswa@example.com","password":"salah123"}`)
	if w.Code != http.StatusUnauthorized || env.errCode(body) != "INVALID_CREDENTIALS" {
		t.Fatalf("bad login: %d %s", w.Code, w.Body.String())
	}
	env.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"x@example.com","password":"salah123"}`)
	w, body = env.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"x@example.com","password":"salah123"}`)
	if w.Code != http.StatusTooManyRequests || env.errCode(body) != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("limiter: %d", w.Code)
	}

	w, _ = env.do(http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	w, _ = env.do(http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "exstem_attempts_started_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}
