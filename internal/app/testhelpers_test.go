package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"decisionhelper/api/internal/analysis"
	"decisionhelper/api/internal/auth"
	"decisionhelper/api/internal/authpw"
	"decisionhelper/api/internal/store"
)

const testSecret = "app-test-secret"

const rustAnalysis = `{
  "pros": ["Memory safety without a garbage collector", "Strong tooling with cargo", "Growing demand in systems work"],
  "cons": ["Steep learning curve", "Slower compile times", "Smaller hiring market than Go or Java"]
}`

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (c *scriptedCompleter) Complete(_ context.Context, _ []analysis.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "", nil
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return reply, nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingStore counts insert attempts and can be made to fail them.
type recordingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	inserts   int
	insertErr error
}

func (s *recordingStore) InsertDecision(ctx context.Context, decision store.Decision) (store.Decision, error) {
	s.mu.Lock()
	s.inserts++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return store.Decision{}, err
	}
	return s.MemoryStore.InsertDecision(ctx, decision)
}

func (s *recordingStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

type testEnv struct {
	handler   http.Handler
	store     *recordingStore
	completer *scriptedCompleter
	metrics   *Metrics
	checks    map[string]ReadinessCheck
}

func newTestEnv(t *testing.T, replies ...string) *testEnv {
	t.Helper()
	memory := store.NewMemoryStore()
	recording := &recordingStore{MemoryStore: memory}
	completer := &scriptedCompleter{replies: replies}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	logger := zaptest.NewLogger(t)
	checks := map[string]ReadinessCheck{"database": memory.Ping}

	svc := NewService(Options{
		Store:    recording,
		Gate:     auth.NewGate(testSecret, memory),
		Engine:   analysis.NewEngine(completer, logger),
		Accounts: authpw.NewService(memory, testSecret, time.Hour),
		Logger:   logger,
		Metrics:  metrics,
		Checks:   checks,
	})
	return &testEnv{
		handler:   NewHTTPServer(svc, "*", logger, registry).Handler(),
		store:     recording,
		completer: completer,
		metrics:   metrics,
		checks:    checks,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// signUp creates an account over HTTP and returns its token and user id.
func (e *testEnv) signUp(t *testing.T, email string) (token, userID string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"`+email+`","password":"password123"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payload struct {
		AccessToken string `json:"accessToken"`
		UserID      string `json:"userId"`
	}
	decodeJSON(t, rr, &payload)
	require.NotEmpty(t, payload.AccessToken)
	return payload.AccessToken, payload.UserID
}

func tokenFor(t *testing.T, ownerID string) string {
	t.Helper()
	token, _, err := auth.IssueToken([]byte(testSecret), ownerID, ownerID+"@example.com", ownerID+"-jti", time.Hour)
	require.NoError(t, err)
	return token
}

type decisionJSON struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Pros      []string `json:"pros"`
	Cons      []string `json:"cons"`
	CreatedAt int64    `json:"createdAt"`
}

type errorJSON struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), target), rr.Body.String())
}

func (e *testEnv) recent(t *testing.T, token string) []decisionJSON {
	t.Helper()
	rr := e.do(t, http.MethodGet, "/api/decisions/recent", token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var payload struct {
		Decisions []decisionJSON `json:"decisions"`
	}
	decodeJSON(t, rr, &payload)
	return payload.Decisions
}

func requireErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	var payload errorJSON
	decodeJSON(t, rr, &payload)
	require.Equal(t, code, payload.Code)
}
