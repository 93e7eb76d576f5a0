package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"decisionhelper/api/internal/analysis"
	"decisionhelper/api/internal/auth"
	"decisionhelper/api/internal/authpw"
	"decisionhelper/api/internal/store"
)

type dataStore interface {
	InsertDecision(context.Context, store.Decision) (store.Decision, error)
	ListRecentDecisions(context.Context, string, int) ([]store.Decision, error)
}

type identityGate interface {
	ResolveIdentity(context.Context) (auth.Identity, error)
	Revoke(context.Context) error
}

type analyzer interface {
	Analyze(context.Context, string) (analysis.Result, error)
}

type accountService interface {
	SignUp(context.Context, authpw.Credentials) (*authpw.Session, error)
	SignIn(context.Context, authpw.Credentials) (*authpw.Session, error)
	User(context.Context, auth.Identity) (store.User, error)
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(context.Context) error

type Options struct {
	Store    dataStore
	Gate     identityGate
	Engine   analyzer
	Accounts accountService
	Logger   *zap.Logger
	Metrics  *Metrics
	// Checks run on /api/ready, keyed by dependency name.
	Checks map[string]ReadinessCheck
}

type Service struct {
	store    dataStore
	gate     identityGate
	engine   analyzer
	accounts accountService
	logger   *zap.Logger
	metrics  *Metrics
	checks   map[string]ReadinessCheck
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		store:    opts.Store,
		gate:     opts.Gate,
		engine:   opts.Engine,
		accounts: opts.Accounts,
		logger:   logger,
		metrics:  metrics,
		checks:   opts.Checks,
	}
}

type SaveDecisionInput struct {
	Question string
	Pros     []string
	Cons     []string
}

// Analyze computes pros and cons for question and persists them for the
// caller. Nothing is written unless the analysis succeeds, and nothing is
// retried.
func (s *Service) Analyze(ctx context.Context, question string) (decision store.Decision, err error) {
	defer func() { s.metrics.countAnalysis(err) }()

	owner, err := s.requireIdentity(ctx)
	if err != nil {
		return store.Decision{}, err
	}

	started := time.Now()
	result, err := s.engine.Analyze(ctx, question)
	s.metrics.observeAnalysis(started)
	if err != nil {
		err = analysisError(err)
		s.logger.Warn("analysis failed",
			zap.String("owner_id", string(owner)),
			zap.String("outcome", analysisOutcome(err)),
			zap.Error(err),
		)
		return store.Decision{}, err
	}

	return s.insertDecision(ctx, owner, SaveDecisionInput{
		Question: question,
		Pros:     result.Pros,
		Cons:     result.Cons,
	})
}

// Save appends a decision the caller already holds. Items are stored as
// given.
func (s *Service) Save(ctx context.Context, input SaveDecisionInput) (store.Decision, error) {
	owner, err := s.requireIdentity(ctx)
	if err != nil {
		return store.Decision{}, err
	}
	return s.insertDecision(ctx, owner, input)
}

// ListRecent returns the caller's five newest decisions, newest first. An
// anonymous caller gets an empty list rather than an error.
func (s *Service) ListRecent(ctx context.Context) ([]store.Decision, error) {
	owner, err := s.gate.ResolveIdentity(ctx)
	if errors.Is(err, auth.ErrNoIdentity) {
		return []store.Decision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	decisions, err := s.store.ListRecentDecisions(ctx, string(owner), store.RecentDecisionLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	if decisions == nil {
		decisions = []store.Decision{}
	}
	return decisions, nil
}

func (s *Service) SignUp(ctx context.Context, email, password string) (*authpw.Session, error) {
	session, err := s.accounts.SignUp(ctx, authpw.Credentials{Email: email, Password: password})
	if err != nil {
		return nil, accountError(err)
	}
	s.logger.Info("account created", zap.String("user_id", session.User.ID))
	return session, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*authpw.Session, error) {
	session, err := s.accounts.SignIn(ctx, authpw.Credentials{Email: email, Password: password})
	if err != nil {
		return nil, accountError(err)
	}
	return session, nil
}

// CurrentUser returns nil for anonymous callers and for tokens whose account
// no longer exists.
func (s *Service) CurrentUser(ctx context.Context) (*store.User, error) {
	owner, err := s.gate.ResolveIdentity(ctx)
	if errors.Is(err, auth.ErrNoIdentity) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	user, err := s.accounts.User(ctx, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

// Logout revokes the presented token. Signing out without a valid token is a
// no-op.
func (s *Service) Logout(ctx context.Context) error {
	err := s.gate.Revoke(ctx)
	if errors.Is(err, auth.ErrNoIdentity) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Readiness runs every configured check and returns the failures by name.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check(ctx)
	}
	return results
}

func (s *Service) requireIdentity(ctx context.Context) (auth.Identity, error) {
	owner, err := s.gate.ResolveIdentity(ctx)
	if errors.Is(err, auth.ErrNoIdentity) {
		return "", auth.ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	return owner, nil
}

func (s *Service) insertDecision(ctx context.Context, owner auth.Identity, input SaveDecisionInput) (store.Decision, error) {
	decision, err := s.store.InsertDecision(ctx, store.Decision{
		ID:       uuid.NewString(),
		OwnerID:  string(owner),
		Question: input.Question,
		Pros:     input.Pros,
		Cons:     input.Cons,
	})
	if err != nil {
		s.logger.Error("persist decision",
			zap.String("owner_id", string(owner)),
			zap.Error(err),
		)
		return store.Decision{}, persistenceError(err)
	}
	s.metrics.decisionsSaved.Inc()
	return decision, nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials),
		errors.Is(err, authpw.ErrInvalidEmail),
		errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	default:
		return err
	}
}
