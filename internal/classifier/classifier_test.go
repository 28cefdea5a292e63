package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
)

var vocab = []string{"work", "home", "errand", "urgent"}

func fakeGenerate(reply string, err error) generateFunc {
	return func(_ context.Context, system, prompt string) (string, error) {
		return reply, err
	}
}

func TestConstrain(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		max    int
		want   string
	}{
		{"keeps answer order", []string{"home", "work"}, 3, "home,work"},
		{"drops unknown", []string{"work", "finance"}, 3, "work"},
		{"canonical spelling", []string{" WORK "}, 3, "work"},
		{"dedupes", []string{"work", "Work", "home"}, 3, "work,home"},
		{"caps", []string{"work", "home", "errand", "urgent"}, 2, "work,home"},
		{"default cap", []string{"work", "home", "errand", "urgent"}, 0, "work,home,errand"},
		{"empty", nil, 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(Constrain(tt.labels, vocab, tt.max), ",")
			if got != tt.want {
				t.Fatalf("Constrain(%v) = %q, want %q", tt.labels, got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"labels":["work"]}`, `{"labels":["work"]}`},
		{"Sure!\n```json\n{\"labels\":[\"home\"]}\n```", `{"labels":["home"]}`},
		{"```\n{\"labels\":[]}\n```", `{"labels":[]}`},
		{`Here you go: {"labels":["a}b"]} thanks`, `{"labels":["a}b"]}`},
		{"no json here", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResponseValidator(t *testing.T) {
	v, err := NewResponseValidator(vocab, 2)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if !strings.Contains(string(v.SchemaJSON()), `"maxItems":2`) {
		t.Fatalf("schema missing maxItems: %s", v.SchemaJSON())
	}

	labels, err := v.Validate(`{"labels":["work","home"]}`)
	if err != nil {
		t.Fatalf("valid answer rejected: %v", err)
	}
	if strings.Join(labels, ",") != "work,home" {
		t.Fatalf("unexpected labels %v", labels)
	}

	labels, err = v.Validate(`{"labels":["work","finance"]}`)
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Decoded {
		t.Fatalf("expected decoded validation error, got %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("expected decoded labels to be returned, got %v", labels)
	}

	if _, err := v.Validate(`{"tags":["work"]}`); !errors.As(err, &verr) || verr.Decoded {
		t.Fatalf("expected non-recoverable validation error, got %v", err)
	}
	if _, err := v.Validate("I cannot help with that"); err == nil {
		t.Fatalf("expected error for answer without JSON")
	}

	if _, err := NewResponseValidator(nil, 2); err == nil {
		t.Fatalf("expected error for empty vocabulary")
	}
}

func TestGenkitClassifier_ClassifyConstrainsAnswer(t *testing.T) {
	var gotPrompt string
	c := newWithGenerate("google", "googleai/test", Config{MaxLabels: 2}, nil,
		func(_ context.Context, system, prompt string) (string, error) {
			gotPrompt = prompt
			return "```json\n{\"labels\":[\"errand\",\"shopping\",\"home\"]}\n```", nil
		})

	res, err := c.Classify(context.Background(), Request{
		TaskID:      "t1",
		Text:        "Pick up dry cleaning",
		Description: "before 6pm",
		Vocabulary:  vocab,
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if strings.Join(res.Labels, ",") != "errand,home" {
		t.Fatalf("unexpected labels %v", res.Labels)
	}
	for _, want := range []string{"Pick up dry cleaning", "before 6pm", "work, home, errand, urgent", "at most 2"} {
		if !strings.Contains(gotPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestGenkitClassifier_EmptyAnswerIsNotAnError(t *testing.T) {
	c := newWithGenerate("google", "googleai/test", Config{}, nil, fakeGenerate(`{"labels":[]}`, nil))
	res, err := c.Classify(context.Background(), Request{TaskID: "t1", Text: "???", Vocabulary: vocab})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(res.Labels) != 0 {
		t.Fatalf("expected no labels, got %v", res.Labels)
	}
}

func TestGenkitClassifier_Errors(t *testing.T) {
	boom := errors.New("rate limited")
	c := newWithGenerate("google", "googleai/test", Config{}, nil, fakeGenerate("", boom))
	if _, err := c.Classify(context.Background(), Request{Text: "x", Vocabulary: vocab}); !errors.Is(err, boom) {
		t.Fatalf("expected generate error to be wrapped, got %v", err)
	}

	c = newWithGenerate("google", "googleai/test", Config{}, nil, fakeGenerate("no idea", nil))
	if _, err := c.Classify(context.Background(), Request{Text: "x", Vocabulary: vocab}); err == nil {
		t.Fatalf("expected error for unparseable answer")
	}

	if _, err := c.Classify(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatalf("expected error for empty vocabulary")
	}
}

func TestNewGenkit_WithoutKeyIsNotConfigured(t *testing.T) {
	c := NewGenkit(context.Background(), Config{Provider: "anthropic", Model: "claude-haiku-4-5"})
	if c.Ready() {
		t.Fatalf("classifier without API key must not be ready")
	}
	_, err := c.Classify(context.Background(), Request{Text: "x", Vocabulary: vocab})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := map[string]string{
		"anthropic":         "anthropic/m",
		"openai":            "openai/m",
		"openai_compatible": "m",
		"openrouter":        "m",
		"google":            "googleai/m",
	}
	for provider, want := range tests {
		if got := modelNameForProvider(provider, "m"); got != want {
			t.Errorf("modelNameForProvider(%q) = %q, want %q", provider, got, want)
		}
	}
}
