// Package tokens estimates how many model tokens a chat-style prompt will
// consume.
//
// Estimation uses the tiktoken BPE vocabulary for known models and degrades
// to a rune-count heuristic when the vocabulary cannot be loaded (for
// example when running offline). Estimation never fails: a broken tokenizer
// must not block the conversation, and comparisons against a fixed budget
// only require the estimator to be consistent with itself.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Message is one role-tagged entry of a chat prompt.
type Message struct {
	Role    string
	Content string
}

// Per-message framing and reply-priming overheads. Chat models delimit
// every message with framing tokens and prime the reply with an assistant
// header; the exact values are calibrated for the OpenAI chat format.
const (
	messageOverhead = 4
	replyPrimer     = 2
)

// modelEncodings maps known model names to their tiktoken encoding.
// Unknown models fall back to defaultEncoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-4.1-mini":  "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// Estimator computes token estimates for message sequences.
// It caches loaded encodings and is safe for concurrent use.
type Estimator struct {
	logger *slog.Logger

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool // encodings that could not be loaded
}

// NewEstimator creates an Estimator. A nil logger falls back to slog.Default.
func NewEstimator(logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		logger:    logger,
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
	}
}

// Estimate returns a non-negative token estimate for msgs as a chat prompt
// to the named model. Empty content counts zero tokens for that field.
func (e *Estimator) Estimate(msgs []Message, model string) int {
	enc := e.encodingFor(model)

	total := 0
	for _, msg := range msgs {
		total += messageOverhead
		if msg.Content == "" {
			continue
		}
		if enc != nil {
			total += len(enc.Encode(msg.Content, nil, nil))
		} else {
			total += heuristicTokens(msg.Content)
		}
	}
	return total + replyPrimer
}

// encodingFor resolves the cached encoding for a model, loading it on first
// use. Returns nil when the vocabulary is unavailable; callers must fall
// back to the heuristic.
func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	name, ok := modelEncodings[model]
	if !ok {
		name = defaultEncoding
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[name]; ok {
		return enc
	}
	if e.failed[name] {
		return nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		e.logger.Warn("tokenizer unavailable, using heuristic estimate",
			"encoding", name, "error", err)
		e.failed[name] = true
		return nil
	}

	e.encodings[name] = enc
	return enc
}

// heuristicTokens approximates the token count from the rune count.
// Runes/2 is a conservative estimate that works for both English
// (~4 chars/token) and CJK (~1.5 chars/token) text, with a floor of one
// token for any non-empty content.
func heuristicTokens(text string) int {
	n := utf8.RuneCountInString(text) / 2
	if n == 0 && text != "" {
		return 1
	}
	return n
}
