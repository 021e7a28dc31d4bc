package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	budgetx "github.com/tanpawarit/chative-toolagent/agent/budget"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	gatex "github.com/tanpawarit/chative-toolagent/agent/gate"
	nodex "github.com/tanpawarit/chative-toolagent/agent/nodes/orchestrator"
	"github.com/tanpawarit/chative-toolagent/agent/prompt"
	usagex "github.com/tanpawarit/chative-toolagent/agent/usage"
)

var ErrInvalidMessage = contractx.ErrInvalidMessage

// Config bounds one turn. ToolTimeout applies to every dispatched call on top
// of any registry-level timeout.
type Config struct {
	MaxRounds       int           `split_words:"true" default:"10"`
	ToolTimeout     time.Duration `split_words:"true" default:"30s"`
	MutationTimeout time.Duration `split_words:"true" default:"30s"`
	ModelTimeout    time.Duration `split_words:"true" default:"60s"`
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 30 * time.Second
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 60 * time.Second
	}
	return c
}

type Option func(*Agent)

func WithSessionID(id string) Option {
	return func(a *Agent) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			a.sessionID = trimmed
		}
	}
}

// WithTranscriptStore persists every committed turn. Store failures are logged and ignored.
func WithTranscriptStore(store contractx.TranscriptStore) Option {
	return func(a *Agent) {
		a.store = store
	}
}

func WithAuditSink(sink contractx.AuditSink) Option {
	return func(a *Agent) {
		a.audit = sink
	}
}

func WithBudget(tracker *budgetx.Tracker) Option {
	return func(a *Agent) {
		if tracker != nil {
			a.tracker = tracker
		}
	}
}

func WithMeter(meter *usagex.Meter) Option {
	return func(a *Agent) {
		if meter != nil {
			a.meter = meter
		}
	}
}

func WithSystemPrompt(p string) Option {
	return func(a *Agent) {
		a.systemPrompt = strings.TrimSpace(p)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// Agent serves one conversation session. Turns are processed one at a time;
// a second Respond call waits for the one in flight.
type Agent struct {
	turnMu sync.Mutex

	mu        sync.RWMutex
	history   []contractx.Turn
	sessionID string
	warned    bool

	model        model.ToolCallingChatModel
	registry     *capability.Registry
	gate         *gatex.Gate
	store        contractx.TranscriptStore
	audit        contractx.AuditSink
	tracker      *budgetx.Tracker
	meter        *usagex.Meter
	systemPrompt string
	cfg          Config
	logger       zerolog.Logger
	now          func() time.Time

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]
}

func New(
	chatModel model.ToolCallingChatModel,
	registry *capability.Registry,
	cfg Config,
	opts ...Option,
) (*Agent, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if registry == nil {
		return nil, errors.New("capability registry is required")
	}

	a := &Agent{
		model:        chatModel,
		registry:     registry,
		sessionID:    uuid.NewString(),
		tracker:      budgetx.NewTracker(budgetx.DefaultMaxTokens, budgetx.DefaultThreshold),
		meter:        usagex.NewMeter(usagex.DefaultPriceTable().Default),
		systemPrompt: prompt.System(),
		cfg:          cfg.withDefaults(),
		logger:       log.Logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.gate = gatex.New(registry,
		gatex.WithSessionID(a.sessionID),
		gatex.WithAuditSink(a.audit),
		gatex.WithTimeout(a.cfg.MutationTimeout),
		gatex.WithLogger(a.logger),
		gatex.WithClock(a.now),
	)

	runner, err := a.compileTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	a.graphRunner = runner
	return a, nil
}

// Respond runs one blocking turn. The error is non-nil only for a blank
// utterance or when ctx itself was cancelled; every other failure becomes a
// plain-language reply.
func (a *Agent) Respond(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrInvalidMessage
	}
	return a.run(ctx, nodex.GraphInput{Text: text})
}

// RespondStream runs one turn and yields its chunks. The final chunk is
// always a done chunk. Callers must read to the end or Close the reader.
func (a *Agent) RespondStream(ctx context.Context, text string) (*schema.StreamReader[contractx.Chunk], error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidMessage
	}

	sr, sw := schema.Pipe[contractx.Chunk](32)
	go func() {
		defer sw.Close()

		closed := false
		emit := func(c contractx.Chunk) {
			if !closed {
				closed = sw.Send(c, nil)
			}
		}
		if _, err := a.run(ctx, nodex.GraphInput{Text: text, Emit: emit, Stream: true}); err != nil {
			a.logger.Debug().Err(err).Msg("stream turn ended early")
		}
		emit(contractx.DoneChunk())
	}()
	return sr, nil
}

func (a *Agent) run(ctx context.Context, in nodex.GraphInput) (string, error) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := a.historyLen()
	out, err := a.graphRunner.Invoke(ctx, in)
	a.persist(context.WithoutCancel(ctx), a.turnsSince(start))
	a.checkBudget()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		a.logger.Error().Err(err).Str("session_id", a.SessionID()).Msg("turn failed")
		reply := genericFailureReply
		if in.Emit != nil {
			in.Emit(contractx.TextChunk(reply))
		}
		return reply, nil
	}
	return out.Reply, nil
}

// Record appends turns to the session history.
func (a *Agent) Record(turns ...contractx.Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = a.now().UTC()
		}
		a.history = append(a.history, turn)
		a.tracker.AddTurn(turn)
	}
}

func (a *Agent) HasPendingAction() bool {
	return a.gate.HasPending()
}

// PendingPreview returns the description of the action awaiting confirmation.
func (a *Agent) PendingPreview() (string, bool) {
	if !a.gate.HasPending() {
		return "", false
	}
	return a.gate.Preview(), true
}

func (a *Agent) Usage() contractx.UsageCounters {
	return a.meter.Snapshot()
}

// ContextWarning is non-empty once the conversation nears the context window.
func (a *Agent) ContextWarning() string {
	return a.tracker.Warning()
}

func (a *Agent) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// History returns a copy of the committed turn sequence.
func (a *Agent) History() []contractx.Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneTurns(a.history)
}

// Reset starts a fresh session: history, pending action, usage and budget are
// cleared and a new session id is assigned.
func (a *Agent) Reset() {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	a.mu.Lock()
	a.history = nil
	a.warned = false
	a.sessionID = uuid.NewString()
	id := a.sessionID
	a.mu.Unlock()

	a.gate.Clear()
	a.gate.SetSessionID(id)
	a.meter.Reset()
	a.tracker.Reset()
}

// Restore replaces the history with the stored transcript for the current
// session. Incomplete tool-call groups are dropped so the sequence stays
// valid for the model API. A pending action is not restored.
func (a *Agent) Restore(ctx context.Context) (int, error) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	if a.store == nil {
		return 0, nil
	}
	turns, err := a.store.Load(ctx, a.SessionID())
	if err != nil {
		return 0, err
	}
	turns = sanitizeHistory(turns)

	a.mu.Lock()
	a.history = turns
	a.warned = false
	a.mu.Unlock()

	a.tracker.Reset()
	for _, turn := range turns {
		a.tracker.AddTurn(turn)
	}
	a.checkBudget()
	return len(turns), nil
}

func (a *Agent) historyLen() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.history)
}

func (a *Agent) turnsSince(start int) []contractx.Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if start >= len(a.history) {
		return nil
	}
	return cloneTurns(a.history[start:])
}

// truncate drops every turn after n.
func (a *Agent) truncate(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < len(a.history) {
		a.history = a.history[:n]
	}
	a.tracker.Reset()
	for _, turn := range a.history {
		a.tracker.AddTurn(turn)
	}
}

func (a *Agent) persist(ctx context.Context, turns []contractx.Turn) {
	if a.store == nil || len(turns) == 0 {
		return
	}
	id := a.SessionID()
	for _, turn := range turns {
		if err := a.store.Append(ctx, id, turn); err != nil {
			a.logger.Warn().Err(err).Str("session_id", id).Str("role", string(turn.Role)).Msg("transcript append failed")
		}
	}
}

func (a *Agent) checkBudget() {
	near := a.tracker.IsNearLimit()

	a.mu.Lock()
	crossed := near && !a.warned
	a.warned = near
	a.mu.Unlock()

	if crossed {
		a.logger.Info().
			Int("used_tokens", a.tracker.Used()).
			Int("max_tokens", a.tracker.MaxTokens()).
			Msg("context budget near limit")
	}
}

func cloneTurns(turns []contractx.Turn) []contractx.Turn {
	out := make([]contractx.Turn, len(turns))
	for i, t := range turns {
		t.ToolCalls = append([]contractx.ToolCall(nil), t.ToolCalls...)
		out[i] = t
	}
	return out
}
