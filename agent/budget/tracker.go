package budget

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

const (
	DefaultMaxTokens = 128000
	DefaultThreshold = 0.8

	// perMessageOverhead approximates role and framing tokens.
	perMessageOverhead = 4
	charsPerToken      = 4
)

// EstimateTokens approximates the token count of text as one token per four
// characters, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Tracker keeps a running estimate of how much of the context window the
// conversation uses. It never blocks a turn.
type Tracker struct {
	mu        sync.Mutex
	maxTokens int
	threshold float64
	used      int
}

func NewTracker(maxTokens int, threshold float64) *Tracker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Tracker{maxTokens: maxTokens, threshold: threshold}
}

func (t *Tracker) AddMessage(role contractx.Role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used += EstimateTokens(content) + perMessageOverhead
}

// AddTurn counts a turn including any tool-call arguments it carries.
func (t *Tracker) AddTurn(turn contractx.Turn) {
	content := turn.Content
	for _, call := range turn.ToolCalls {
		content += call.Name + call.Arguments
	}
	t.AddMessage(turn.Role, content)
}

func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

func (t *Tracker) MaxTokens() int { return t.maxTokens }

func (t *Tracker) IsNearLimit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nearLimit()
}

// Warning returns a user-facing note once the estimate crosses the threshold,
// or "" below it.
func (t *Tracker) Warning() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.nearLimit() {
		return ""
	}
	pct := float64(t.used) / float64(t.maxTokens) * 100
	return fmt.Sprintf(
		"This conversation is using about %s of %s tokens (%.0f%%). Consider starting a new session.",
		humanize.Comma(int64(t.used)), humanize.Comma(int64(t.maxTokens)), pct,
	)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used = 0
}

func (t *Tracker) nearLimit() bool {
	return float64(t.used) >= t.threshold*float64(t.maxTokens)
}
