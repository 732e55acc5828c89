package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	stringConcat  = regexp.MustCompile(`"\s*\+\s*"`)
)

// jsonCandidate pulls the JSON object out of a model answer. Fenced blocks win
// over bare text, and bare text over the outermost brace span.
func jsonCandidate(text string) (string, error) {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body), nil
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		if _, body, ok := strings.Cut(after, "\n"); ok {
			if block, _, closed := strings.Cut(body, "```"); closed {
				return strings.TrimSpace(block), nil
			}
		}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("%w: no object in answer", ErrNoJSON)
	}
	end := strings.LastIndex(text, "}")
	if end <= start {
		return "", fmt.Errorf("%w: unbalanced object in answer", ErrNoJSON)
	}
	return text[start : end+1], nil
}

// repairJSON fixes the two mistakes models make most often: "a" + "b" string
// concatenation and trailing commas before a closing bracket.
func repairJSON(raw string) string {
	fixed := stringConcat.ReplaceAllString(raw, "")
	return trailingComma.ReplaceAllString(fixed, "$1")
}

// decodeAnswer parses a model answer into v, repairing it once when the
// direct decode fails.
func decodeAnswer(text string, v any) error {
	candidate, err := jsonCandidate(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repairJSON(candidate)), v); err != nil {
		return fmt.Errorf("%w: %v (answer starts %q)", ErrMalformed, err, preview(candidate, 200))
	}
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
