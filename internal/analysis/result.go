package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrEmptyResponse means the reasoning service produced no text.
	ErrEmptyResponse = errors.New("empty response from reasoning service")
	// ErrMalformedOutput means the completion is not the expected JSON shape.
	ErrMalformedOutput = errors.New("malformed analysis output")
)

// Result holds exactly ItemsPerSide pros and cons in display order.
type Result struct {
	Pros []string `json:"pros"`
	Cons []string `json:"cons"`
}

type rawResult struct {
	Pros *[]json.RawMessage `json:"pros"`
	Cons *[]json.RawMessage `json:"cons"`
}

// ParseResult decodes a completion into a Result. The text must be a single
// JSON object; prose or code fences around it are rejected, not stripped.
func ParseResult(text string) (Result, error) {
	decoder := json.NewDecoder(strings.NewReader(text))
	var raw rawResult
	if err := decoder.Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("%w: unexpected content after JSON object", ErrMalformedOutput)
	}

	pros, err := validateItems("pros", raw.Pros)
	if err != nil {
		return Result{}, err
	}
	cons, err := validateItems("cons", raw.Cons)
	if err != nil {
		return Result{}, err
	}
	return Result{Pros: pros, Cons: cons}, nil
}

// validateItems enforces exact arity and string elements, trimming each one.
func validateItems(field string, items *[]json.RawMessage) ([]string, error) {
	if items == nil {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedOutput, field)
	}
	if len(*items) != ItemsPerSide {
		return nil, fmt.Errorf("%w: %q must contain exactly %d items, got %d", ErrMalformedOutput, field, ItemsPerSide, len(*items))
	}
	out := make([]string, 0, ItemsPerSide)
	for i, item := range *items {
		if !bytes.HasPrefix(bytes.TrimSpace(item), []byte(`"`)) {
			return nil, fmt.Errorf("%w: %s[%d] is not a string", ErrMalformedOutput, field, i)
		}
		var value string
		if err := json.Unmarshal(item, &value); err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrMalformedOutput, field, i, err)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, fmt.Errorf("%w: %s[%d] is blank", ErrMalformedOutput, field, i)
		}
		out = append(out, value)
	}
	return out, nil
}
