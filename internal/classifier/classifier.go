// Package classifier picks labels for a task from a fixed vocabulary.
package classifier

import (
	"context"
	"errors"
	"strings"
)

// DefaultMaxLabels caps results when no limit is configured.
const DefaultMaxLabels = 3

// ErrNotConfigured is returned when no LLM credentials are available.
var ErrNotConfigured = errors.New("classifier: llm provider not configured")

type Request struct {
	TaskID      string
	Text        string
	Description string
	Vocabulary  []string
}

// Result holds labels drawn from the request vocabulary, at most MaxLabels long.
// An empty result is valid and means nothing applied.
type Result struct {
	Labels []string
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Constrain keeps only labels present in vocabulary (case-insensitive match,
// vocabulary spelling wins), drops duplicates and caps the list at max.
func Constrain(labels, vocabulary []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxLabels
	}
	canonical := make(map[string]string, len(vocabulary))
	for _, v := range vocabulary {
		canonical[strings.ToLower(strings.TrimSpace(v))] = v
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		key := strings.ToLower(strings.TrimSpace(l))
		v, ok := canonical[key]
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}
