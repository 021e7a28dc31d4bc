package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

const (
	cancelledReply = "Okay, I cancelled that. Nothing was changed."
	failedReply    = "Sorry, that action did not complete. You can try again by asking me to do it from the start."
)

// Executor runs a confirmed write. The capability registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, payload map[string]any) (any, error)
}

// Outcome reports what Resolve did with the pending action.
type Outcome struct {
	Verdict  Verdict
	Reply    string
	Executed bool
	Err      error
}

// Gate holds at most one pending action for a session.
type Gate struct {
	mu      sync.Mutex
	pending *contractx.PendingAction

	executor  Executor
	audit     contractx.AuditSink
	sessionID string
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Gate)

func WithAuditSink(sink contractx.AuditSink) Option {
	return func(g *Gate) {
		g.audit = sink
	}
}

func WithSessionID(id string) Option {
	return func(g *Gate) {
		g.sessionID = id
	}
}

// WithTimeout bounds a confirmed execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func New(executor Executor, opts ...Option) *Gate {
	g := &Gate{
		executor: executor,
		timeout:  30 * time.Second,
		logger:   log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SetSessionID changes the session recorded in audit entries.
func (g *Gate) SetSessionID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = id
}

// Install stores a new pending action. An existing one is never replaced.
func (g *Gate) Install(action contractx.PendingAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return fmt.Errorf("%w: %s", contractx.ErrPendingActionExists, g.pending.ToolName)
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = g.now()
	}
	g.pending = &action
	return nil
}

func (g *Gate) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Preview returns the pending action's description, or "" when none is pending.
func (g *Gate) Preview() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ""
	}
	return g.pending.Preview
}

func (g *Gate) Pending() (contractx.PendingAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return contractx.PendingAction{}, false
	}
	return *g.pending, true
}

// Clear drops the pending action without running it.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
}

// Resolve interprets the user's reply to a pending action. An affirmative
// reply runs the action, a negative one discards it, and anything else
// leaves it in place and re-asks. The action is consumed before it runs, so
// it never executes twice, and a failure is not retried.
func (g *Gate) Resolve(ctx context.Context, utterance string) Outcome {
	verdict := Classify(utterance)

	g.mu.Lock()
	action := g.pending
	if action == nil {
		g.mu.Unlock()
		return Outcome{Verdict: verdict, Err: errors.New("no pending action")}
	}
	if verdict == Ambiguous {
		g.mu.Unlock()
		return Outcome{Verdict: verdict, Reply: reprompt(action.Preview)}
	}
	g.pending = nil
	sessionID := g.sessionID
	g.mu.Unlock()

	if verdict == Negative {
		g.record(ctx, sessionID, action, contractx.AuditCancelled, "")
		return Outcome{Verdict: verdict, Reply: cancelledReply}
	}

	if err := g.execute(ctx, action); err != nil {
		g.logger.Error().
			Err(err).
			Str("tool", action.ToolName).
			Msg("confirmed action failed")
		g.record(ctx, sessionID, action, contractx.AuditFailed, err.Error())
		return Outcome{
			Verdict: verdict,
			Reply:   failedReply,
			Err:     fmt.Errorf("%w: %s: %w", contractx.ErrConfirmationExecution, action.ToolName, err),
		}
	}

	g.record(ctx, sessionID, action, contractx.AuditExecuted, "")
	return Outcome{Verdict: verdict, Reply: "Done: " + action.Preview, Executed: true}
}

func (g *Gate) execute(ctx context.Context, action *contractx.PendingAction) (err error) {
	if g.executor == nil {
		return errors.New("no executor configured")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = g.executor.Execute(ctx, action.ToolName, action.Payload)
	return err
}

func (g *Gate) record(ctx context.Context, sessionID string, action *contractx.PendingAction, outcome contractx.AuditOutcome, errMsg string) {
	if g.audit == nil {
		return
	}
	entry := contractx.AuditEntry{
		SessionID: sessionID,
		ToolName:  action.ToolName,
		Preview:   action.Preview,
		Outcome:   outcome,
		Error:     errMsg,
		CreatedAt: g.now(),
	}
	if err := g.audit.RecordAudit(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Warn().Err(err).Str("tool", action.ToolName).Msg("audit record failed")
	}
}

func reprompt(preview string) string {
	return fmt.Sprintf("I still need a yes or no before I %s. Should I go ahead?", lowerFirst(preview))
}

func lowerFirst(s string) string {
	if s == "" {
		return "continue"
	}
	r := []rune(s)
	if r[0] >= 'A' && r[0] <= 'Z' && (len(r) == 1 || !(r[1] >= 'A' && r[1] <= 'Z')) {
		r[0] = r[0] + ('a' - 'A')
	}
	return string(r)
}
