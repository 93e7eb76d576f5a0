package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisionhelper/api/internal/store"
)

func TestAnalyzeShouldILearnRust(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	token, _ := env.signUp(t, "ada@example.com")

	rr := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var decision decisionJSON
	decodeJSON(t, rr, &decision)
	assert.NotEmpty(t, decision.ID)
	assert.Equal(t, "Should I learn Rust?", decision.Question)
	assert.Len(t, decision.Pros, 3)
	assert.Len(t, decision.Cons, 3)
	assert.Equal(t, "Steep learning curve", decision.Cons[0])
	assert.NotZero(t, decision.CreatedAt)

	recent := env.recent(t, token)
	require.Len(t, recent, 1)
	assert.Equal(t, decision, recent[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.analyses.WithLabelValues(outcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.decisionsSaved))
}

func TestAnalyzeAcceptsEmptyQuestion(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	token, _ := env.signUp(t, "ada@example.com")

	rr := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":""}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, env.completer.callCount())
}

func TestAnalyzeFailuresPersistNothing(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		err     error
		status  int
		code    string
		outcome string
	}{
		{
			name:    "prose wrapped json",
			reply:   "Sure! Here you go: " + rustAnalysis,
			status:  http.StatusBadGateway,
			code:    "MALFORMED_OUTPUT",
			outcome: outcomeMalformed,
		},
		{
			name:    "two pros",
			reply:   `{"pros":["a","b"],"cons":["c","d","e"]}`,
			status:  http.StatusBadGateway,
			code:    "MALFORMED_OUTPUT",
			outcome: outcomeMalformed,
		},
		{
			name:    "empty completion",
			reply:   "",
			status:  http.StatusBadGateway,
			code:    "EMPTY_RESPONSE",
			outcome: outcomeEmptyResponse,
		},
		{
			name:    "transport failure",
			err:     errors.New("dial tcp: connection refused"),
			status:  http.StatusBadGateway,
			code:    "ANALYSIS_FAILED",
			outcome: outcomeUpstreamError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.reply)
			env.completer.err = tt.err
			token, _ := env.signUp(t, "ada@example.com")

			rr := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
			requireErrorCode(t, rr, tt.status, tt.code)

			assert.Equal(t, 1, env.completer.callCount(), "failures are not retried")
			assert.Zero(t, env.store.insertCount())
			assert.Empty(t, env.recent(t, token))
			assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.analyses.WithLabelValues(tt.outcome)))
		})
	}
}

func TestAnalyzePersistenceFailure(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	env.store.insertErr = errors.New("disk full")
	token, _ := env.signUp(t, "ada@example.com")

	rr := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
	requireErrorCode(t, rr, http.StatusInternalServerError, "PERSISTENCE_FAILURE")
	assert.NotContains(t, rr.Body.String(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.analyses.WithLabelValues(outcomePersistence)))
}

func TestWritesRequireIdentity(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)

	tokens := map[string]string{
		"no token":      "",
		"garbage token": "not-a-jwt",
		"wrong secret":  wrongSecretToken(t),
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
			requireErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHENTICATED")

			rr = env.do(t, http.MethodPost, "/api/decisions", token, `{"question":"q","pros":["a","b","c"],"cons":["d","e","f"]}`)
			requireErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHENTICATED")
		})
	}

	assert.Zero(t, env.completer.callCount(), "no reasoning call without identity")
	assert.Zero(t, env.store.insertCount(), "no write without identity")
	assert.Equal(t, float64(len(tokens)), testutil.ToFloat64(env.metrics.analyses.WithLabelValues(outcomeUnauthenticated)))
}

func TestRecentIsEmptyForAnonymousCaller(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.InsertDecision(context.Background(), store.Decision{ID: "d1", OwnerID: "someone", Question: "q"})
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt"} {
		rr := env.do(t, http.MethodGet, "/api/decisions/recent", token, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"decisions":[]}`, rr.Body.String())
	}
}

func TestRecentReturnsFiveNewestOfOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		_, err := env.store.InsertDecision(ctx, store.Decision{
			ID:       fmt.Sprintf("a%d", i),
			OwnerID:  "owner-a",
			Question: fmt.Sprintf("a question %d", i),
			Pros:     []string{"p1", "p2", "p3"},
			Cons:     []string{"c1", "c2", "c3"},
		})
		require.NoError(t, err)
		if i == 3 || i == 6 {
			_, err := env.store.InsertDecision(ctx, store.Decision{ID: fmt.Sprintf("b%d", i), OwnerID: "owner-b", Question: "b"})
			require.NoError(t, err)
		}
	}

	recent := env.recent(t, tokenFor(t, "owner-a"))
	require.Len(t, recent, 5)
	var ids []string
	for _, decision := range recent {
		ids = append(ids, decision.ID)
	}
	assert.Equal(t, []string{"a7", "a6", "a5", "a4", "a3"}, ids)

	other := env.recent(t, tokenFor(t, "owner-b"))
	require.Len(t, other, 2)
	assert.Equal(t, "b6", other[0].ID)
	assert.Equal(t, "b3", other[1].ID)
	assert.Equal(t, []string{}, other[0].Pros)
}

func TestAnalyzeIsNotIdempotent(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	token, _ := env.signUp(t, "ada@example.com")

	first := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
	second := env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b decisionJSON
	decodeJSON(t, first, &a)
	decodeJSON(t, second, &b)
	assert.NotEqual(t, a.ID, b.ID)

	recent := env.recent(t, token)
	require.Len(t, recent, 2)
	assert.Equal(t, b.ID, recent[0].ID)
	assert.Equal(t, a.ID, recent[1].ID)
}

func TestConcurrentAnalysesProduceIndependentRecords(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	token, _ := env.signUp(t, "ada@example.com")

	const workers = 4
	var wg sync.WaitGroup
	codes := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{"question":"Should I learn Rust?"}`).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	recent := env.recent(t, token)
	require.Len(t, recent, workers)
	seen := map[string]bool{}
	for _, decision := range recent {
		seen[decision.ID] = true
	}
	assert.Len(t, seen, workers)
}

func TestSaveDecision(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signUp(t, "ada@example.com")

	rr := env.do(t, http.MethodPost, "/api/decisions", token, `{"question":"Move to Berlin?","pros":["culture","rent"],"cons":["winter"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payload struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	decodeJSON(t, rr, &payload)
	assert.True(t, payload.OK)
	assert.NotEmpty(t, payload.ID)

	stored, err := env.store.ListRecentDecisions(context.Background(), userID, store.RecentDecisionLimit)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, payload.ID, stored[0].ID)
	assert.Equal(t, []string{"culture", "rent"}, stored[0].Pros)
	assert.Equal(t, []string{"winter"}, stored[0].Cons)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.decisionsSaved))
	assert.Zero(t, env.completer.callCount())
}

func TestDecisionRequestValidation(t *testing.T) {
	env := newTestEnv(t, rustAnalysis)
	token, _ := env.signUp(t, "ada@example.com")

	requireErrorCode(t, env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{`), http.StatusBadRequest, "INVALID_BODY")
	requireErrorCode(t, env.do(t, http.MethodPost, "/api/decisions/analyze", token, `{}`), http.StatusUnprocessableEntity, "VALIDATION_FAILED")
	requireErrorCode(t, env.do(t, http.MethodPost, "/api/decisions", token, `{"question":"q","pros":["a"]}`), http.StatusUnprocessableEntity, "VALIDATION_FAILED")
	requireErrorCode(t, env.do(t, http.MethodPost, "/api/decisions", token, `{"question":"q","pros":"a","cons":[]}`), http.StatusBadRequest, "INVALID_BODY")

	assert.Zero(t, env.completer.callCount())
	assert.Zero(t, env.store.insertCount())
}
