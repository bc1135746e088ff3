// Package token estimates token counts for outbound prompts and response
// payloads. Exact provider tokenization is out of reach here; tiktoken is
// used when the model maps to a known encoding, with a bytes/4 heuristic
// fallback for everything else.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens, caching tiktoken encoders per encoding.
type Estimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New creates an estimator.
func New() *Estimator {
	return &Estimator{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Estimate returns the estimated token count of text for the given model.
func (e *Estimator) Estimate(model, text string) int64 {
	if text == "" {
		return 0
	}
	if enc := e.getEncoder(model); enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	return heuristic(text)
}

// heuristic approximates one token per 4 bytes, never returning zero for
// non-empty input.
func heuristic(text string) int64 {
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func (e *Estimator) getEncoder(model string) *tiktoken.Tiktoken {
	encoding := modelToEncoding(model)
	if encoding == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encoders[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil
	}
	e.encoders[encoding] = enc
	return enc
}

// modelToEncoding maps model names to tiktoken encoding names. Returns
// empty string for models with no known encoding.
func modelToEncoding(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "o200k_base"

	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"):
		return "cl100k_base"

	default:
		if strings.Contains(model, "gpt") {
			return "o200k_base"
		}
		return ""
	}
}
