package classifier

import (
	"regexp"
	"strings"
)

// maxDescriptionTokens bounds how much of a task description reaches the model.
const maxDescriptionTokens = 800

// estimateTokens is a word-based estimate with a len/4 floor for text
// without spaces.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(s))) * 1.33)
	if chars := len(s) / 4; chars > words {
		return chars
	}
	return words
}

// clampDescription cuts a description to roughly maxTokens, on a word
// boundary, and marks the cut.
func clampDescription(s string, maxTokens int) (string, bool) {
	s = strings.TrimSpace(s)
	if estimateTokens(s) <= maxTokens {
		return s, false
	}
	fields := strings.Fields(s)
	var b strings.Builder
	for _, f := range fields {
		if estimateTokens(b.String()+" "+f) > maxTokens {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	if b.Len() == 0 {
		// One huge token: fall back to characters.
		r := []rune(s)
		if n := maxTokens * 4; len(r) > n {
			r = r[:n]
		}
		b.WriteString(string(r))
	}
	b.WriteString(" [truncated]")
	return b.String(), true
}

type injectionPattern struct {
	re     *regexp.Regexp
	reason string
}

// Task text is user-controlled and ends up inside the prompt.
var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`), "ignore previous instructions"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), "identity override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`), "system prompt override"},
	{regexp.MustCompile(`(?i)\b(respond|answer|reply)\s+with\s+(the\s+)?labels?\b`), "label steering"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), "[SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), "chat template tag"},
}

// injectionReason returns why text looks like an attempt to steer the
// classifier, or "" when it does not.
func injectionReason(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			return p.reason
		}
	}
	return ""
}
