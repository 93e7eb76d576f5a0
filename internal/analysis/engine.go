// Package analysis turns a decision question into three pros and three cons
// using an external reasoning service.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Completer sends a conversation to the reasoning service and returns the
// text of its single completion.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Engine struct {
	completer Completer
	logger    *zap.Logger
}

func NewEngine(completer Completer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{completer: completer, logger: logger}
}

// Analyze asks the reasoning service about question and validates the reply.
// The question is used as given. Failures are returned without retry.
func (e *Engine) Analyze(ctx context.Context, question string) (Result, error) {
	text, err := e.completer.Complete(ctx, BuildPrompt(question))
	if err != nil {
		return Result{}, fmt.Errorf("complete analysis: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyResponse
	}

	result, err := ParseResult(text)
	if err != nil {
		e.logger.Warn("rejected reasoning output",
			zap.Error(err),
			zap.Int("completion_bytes", len(text)),
		)
		return Result{}, err
	}
	return result, nil
}
