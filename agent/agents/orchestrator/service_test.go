package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	budgetx "github.com/tanpawarit/chative-toolagent/agent/budget"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	"github.com/tanpawarit/chative-toolagent/agent/transcript"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type step struct {
	msg   *schema.Message
	err   error
	block bool
}

// scriptedModel replays steps in order. With loop set the last step repeats.
type scriptedModel struct {
	mu      sync.Mutex
	steps   []step
	loop    bool
	inputs  [][]*schema.Message
	entered chan struct{}
}

func newScriptedModel(steps ...step) *scriptedModel {
	return &scriptedModel{steps: steps, entered: make(chan struct{}, 1)}
}

func (m *scriptedModel) next(ctx context.Context, msgs []*schema.Message) (*schema.Message, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), msgs...))
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	s := m.steps[0]
	if len(m.steps) > 1 || !m.loop {
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	if s.block {
		select {
		case m.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.msg, s.err
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *scriptedModel) input(i int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[i]
}

func (m *scriptedModel) Generate(ctx context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return m.next(ctx, msgs)
}

// Stream splits the scripted text in two chunks and sends tool calls and
// usage in a trailing chunk.
func (m *scriptedModel) Stream(ctx context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.next(ctx, msgs)
	if err != nil {
		return nil, err
	}
	var chunks []*schema.Message
	if msg.Content != "" {
		r := []rune(msg.Content)
		half := len(r) / 2
		chunks = append(chunks,
			&schema.Message{Role: schema.Assistant, Content: string(r[:half])},
			&schema.Message{Role: schema.Assistant, Content: string(r[half:])},
		)
	}
	tail := &schema.Message{Role: schema.Assistant, ResponseMeta: msg.ResponseMeta}
	for i, tc := range msg.ToolCalls {
		idx := i
		tc.Index = &idx
		tail.ToolCalls = append(tail.ToolCalls, tc)
	}
	chunks = append(chunks, tail)
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *scriptedModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func text(content string) step {
	return step{msg: schema.AssistantMessage(content, nil)}
}

func toolCalls(calls ...schema.ToolCall) step {
	return step{msg: schema.AssistantMessage("", calls)}
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}
}

type taskBook struct {
	mu      sync.Mutex
	created []string
}

func (b *taskBook) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...)
}

func testRegistry(book *taskBook, extra ...*capability.Descriptor) *capability.Registry {
	r := capability.NewRegistry(
		capability.WithLogger(zerolog.Nop()),
		capability.WithTimeout(2*time.Second),
	)
	r.Register(
		capability.MustNew(capability.Spec{
			Name:        "weather.lookup",
			Description: "Look up the current weather for a city.",
			Params: map[string]*schema.ParameterInfo{
				"city": {Type: schema.String, Desc: "City name", Required: true},
			},
			Execute: func(_ context.Context, args map[string]any) (any, error) {
				return map[string]any{"city": args["city"], "sky": "sunny"}, nil
			},
		}),
		capability.MustNew(capability.Spec{
			Name:        "task.create",
			Description: "Create a task in the user's list.",
			Kind:        capability.KindWrite,
			Params: map[string]*schema.ParameterInfo{
				"name": {Type: schema.String, Desc: "Task name", Required: true},
			},
			DescribeEffect: func(args map[string]any) string {
				return fmt.Sprintf("Create task %v", args["name"])
			},
			Execute: func(_ context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				book.mu.Lock()
				book.created = append(book.created, name)
				book.mu.Unlock()
				return map[string]any{"created": name}, nil
			},
		}),
	)
	r.Register(extra...)
	return r
}

type recordingSink struct {
	mu      sync.Mutex
	entries []contractx.AuditEntry
}

func (s *recordingSink) RecordAudit(_ context.Context, e contractx.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) all() []contractx.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contractx.AuditEntry(nil), s.entries...)
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func newTestAgent(t *testing.T, m *scriptedModel, reg *capability.Registry, opts ...Option) *Agent {
	t.Helper()
	return newTestAgentWithConfig(t, m, reg, Config{MaxRounds: 4, ModelTimeout: 2 * time.Second}, opts...)
}

func newTestAgentWithConfig(t *testing.T, m *scriptedModel, reg *capability.Registry, cfg Config, opts ...Option) *Agent {
	t.Helper()
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithSessionID("sess-test"),
		WithClock(fixedClock),
		WithSystemPrompt("You are a test assistant."),
	}
	a, err := New(m, reg, cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func roles(turns []contractx.Turn) string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role)
	}
	return strings.Join(out, ",")
}

func TestNewRequiresModelAndRegistry(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, testRegistry(&taskBook{}), Config{}); err == nil {
		t.Fatalf("New(nil model) error = nil, want error")
	}
	if _, err := New(newScriptedModel(), nil, Config{}); err == nil {
		t.Fatalf("New(nil registry) error = nil, want error")
	}
}

func TestRespondRejectsBlankInput(t *testing.T) {
	t.Parallel()

	m := newScriptedModel()
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	if _, err := a.Respond(context.Background(), "   "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("Respond() error = %v, want ErrInvalidMessage", err)
	}
	if _, err := a.RespondStream(context.Background(), ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("RespondStream() error = %v, want ErrInvalidMessage", err)
	}
	if m.calls() != 0 {
		t.Fatalf("model calls = %d, want 0", m.calls())
	}
	if got := len(a.History()); got != 0 {
		t.Fatalf("history len = %d, want 0", got)
	}
}

func TestRespondPlainAnswer(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(text("Hello! How can I help?"))
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "Hello! How can I help?" {
		t.Fatalf("reply = %q", reply)
	}
	if got := roles(a.History()); got != "user,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	in := m.input(0)
	if in[0].Role != schema.System || in[0].Content != "You are a test assistant." {
		t.Fatalf("first model message = %+v, want system prompt", in[0])
	}
	if in[len(in)-1].Role != schema.User || in[len(in)-1].Content != "hi" {
		t.Fatalf("last model message = %+v, want user turn", in[len(in)-1])
	}
}

func TestRespondReadToolRound(t *testing.T) {
	t.Parallel()

	first := toolCalls(call("call_1", "weather.lookup", `{"city":"Paris"}`))
	first.msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}}
	final := text("It is sunny in Paris.")
	final.msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 150, CompletionTokens: 10, TotalTokens: 160}}

	m := newScriptedModel(first, final)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "What's the weather in Paris?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "It is sunny in Paris." {
		t.Fatalf("reply = %q", reply)
	}

	history := a.History()
	if got := roles(history); got != "user,assistant,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].ID != "call_1" {
		t.Fatalf("assistant tool calls = %+v", history[1].ToolCalls)
	}
	tool := history[2]
	if tool.ToolCallID != "call_1" || tool.ToolName != "weather.lookup" {
		t.Fatalf("tool turn = %+v", tool)
	}
	if !strings.Contains(tool.Content, `"success":true`) || !strings.Contains(tool.Content, "sunny") {
		t.Fatalf("tool content = %s", tool.Content)
	}

	if m.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls())
	}
	second := m.input(1)
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call_1" {
		t.Fatalf("second model input ends with %+v, want tool result", last)
	}

	usage := a.Usage()
	if usage.InputTokens != 250 || usage.OutputTokens != 30 || usage.RequestCount != 2 {
		t.Fatalf("Usage() = %+v", usage)
	}
	if usage.TotalTokens != 280 {
		t.Fatalf("TotalTokens = %d, want 280", usage.TotalTokens)
	}
}

func TestRespondKeepsToolResultOrderAndRunsReadsConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := capability.MustNew(capability.Spec{
		Name:        "slow.read",
		Description: "Waits until fast.read has run.",
		Execute: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-release:
				return "slow done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	fast := capability.MustNew(capability.Spec{
		Name:        "fast.read",
		Description: "Unblocks slow.read.",
		Execute: func(context.Context, map[string]any) (any, error) {
			close(release)
			return "fast done", nil
		},
	})

	m := newScriptedModel(
		toolCalls(call("c1", "slow.read", "{}"), call("c2", "fast.read", "{}")),
		text("Both finished."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}, slow, fast))

	if _, err := a.Respond(context.Background(), "run both"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	history := a.History()
	if got := roles(history); got != "user,assistant,tool,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	if history[2].ToolCallID != "c1" || history[3].ToolCallID != "c2" {
		t.Fatalf("tool turn order = %s,%s, want c1,c2", history[2].ToolCallID, history[3].ToolCallID)
	}
	if !strings.Contains(history[2].Content, "slow done") {
		t.Fatalf("slow.read result = %s, want success", history[2].Content)
	}
}

func TestRespondUnknownToolAndBadArgumentsBecomeResults(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(
			call("c1", "nope.tool", "{}"),
			call("c2", "weather.lookup", `{"town":"Oslo"}`),
		),
		text("Sorry about that."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	if _, err := a.Respond(context.Background(), "weather?"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	history := a.History()
	if !strings.Contains(history[2].Content, "tool 'nope.tool' not found") {
		t.Fatalf("unknown tool result = %s", history[2].Content)
	}
	if !strings.Contains(history[3].Content, `"success":false`) {
		t.Fatalf("invalid args result = %s", history[3].Content)
	}
}

func TestRespondDropsMalformedCallsAndAsksAgain(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(call("c1", "weather.lookup", `{"city":`)),
		text("Let me answer directly: probably sunny."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "Let me answer directly: probably sunny." {
		t.Fatalf("reply = %q", reply)
	}
	if m.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls())
	}
	if got := roles(a.History()); got != "user,assistant" {
		t.Fatalf("history roles = %s, want malformed call left out", got)
	}
}

func TestRespondEmptyModelReply(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newScriptedModel(text("  ")), testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != emptyModelReply {
		t.Fatalf("reply = %q, want %q", reply, emptyModelReply)
	}
}

func TestRespondStopsAtRoundCap(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(toolCalls(call("", "weather.lookup", `{"city":"Rome"}`)))
	m.loop = true
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "keep checking")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != roundCapReply {
		t.Fatalf("reply = %q, want round cap reply", reply)
	}
	if m.calls() != 4 {
		t.Fatalf("model calls = %d, want 4", m.calls())
	}
	history := a.History()
	last := history[len(history)-1]
	if last.Role != contractx.RoleAssistant || last.Content != roundCapReply {
		t.Fatalf("last turn = %+v", last)
	}
	for _, turn := range history {
		for _, c := range turn.ToolCalls {
			if !strings.HasPrefix(c.ID, "call_") {
				t.Fatalf("generated call id = %q, want call_ prefix", c.ID)
			}
		}
	}
}

func TestWriteConfirmedExecutesOnce(t *testing.T) {
	t.Parallel()

	book := &taskBook{}
	sink := &recordingSink{}
	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"Groceries"}`)),
		text("I can create the task Groceries. Shall I?"),
	)
	a := newTestAgent(t, m, testRegistry(book), WithAuditSink(sink))

	reply, err := a.Respond(context.Background(), "add a task called Groceries")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "I can create the task Groceries. Shall I?" {
		t.Fatalf("reply = %q", reply)
	}
	if len(book.names()) != 0 {
		t.Fatalf("write ran before confirmation: %v", book.names())
	}
	preview, ok := a.PendingPreview()
	if !ok || preview != "Create task Groceries" {
		t.Fatalf("PendingPreview() = %q, %v", preview, ok)
	}
	if tool := a.History()[2]; !strings.Contains(tool.Content, "awaiting_confirmation") {
		t.Fatalf("tool result = %s, want awaiting_confirmation", tool.Content)
	}

	reply, err = a.Respond(context.Background(), "Yes!")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "Done: Create task Groceries" {
		t.Fatalf("reply = %q", reply)
	}
	if got := book.names(); len(got) != 1 || got[0] != "Groceries" {
		t.Fatalf("created = %v, want [Groceries]", got)
	}
	if a.HasPendingAction() {
		t.Fatalf("HasPendingAction() = true after confirmation")
	}
	if m.calls() != 2 {
		t.Fatalf("model calls = %d, confirmation must not call the model", m.calls())
	}

	entries := sink.all()
	if len(entries) != 1 || entries[0].Outcome != contractx.AuditExecuted || entries[0].SessionID != "sess-test" {
		t.Fatalf("audit = %+v", entries)
	}
	history := a.History()
	if got := roles(history); got != "user,assistant,tool,assistant,user,assistant" {
		t.Fatalf("history roles = %s", got)
	}
}

func TestWriteDeniedIsNotExecuted(t *testing.T) {
	t.Parallel()

	book := &taskBook{}
	sink := &recordingSink{}
	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"Laundry"}`)),
		text("Confirm?"),
	)
	a := newTestAgent(t, m, testRegistry(book), WithAuditSink(sink))

	if _, err := a.Respond(context.Background(), "add Laundry"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	reply, err := a.Respond(context.Background(), "no")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !strings.Contains(reply, "cancelled") {
		t.Fatalf("reply = %q, want cancellation", reply)
	}
	if len(book.names()) != 0 {
		t.Fatalf("created = %v, want none", book.names())
	}
	if a.HasPendingAction() {
		t.Fatalf("HasPendingAction() = true after denial")
	}
	if entries := sink.all(); len(entries) != 1 || entries[0].Outcome != contractx.AuditCancelled {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestAmbiguousReplyKeepsPendingAction(t *testing.T) {
	t.Parallel()

	book := &taskBook{}
	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"Taxes"}`)),
		text("Confirm?"),
	)
	a := newTestAgent(t, m, testRegistry(book))

	if _, err := a.Respond(context.Background(), "add Taxes"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	reply, err := a.Respond(context.Background(), "what's the weather tomorrow?")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !strings.Contains(reply, "yes or no") || !strings.Contains(reply, "create task Taxes") {
		t.Fatalf("reply = %q, want re-prompt", reply)
	}
	if !a.HasPendingAction() {
		t.Fatalf("HasPendingAction() = false, want still pending")
	}
	if m.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls())
	}

	if _, err := a.Respond(context.Background(), "ok"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got := book.names(); len(got) != 1 {
		t.Fatalf("created = %v, want one task", got)
	}
}

func TestSecondWriteInRoundWaits(t *testing.T) {
	t.Parallel()

	book := &taskBook{}
	m := newScriptedModel(
		toolCalls(
			call("c1", "task.create", `{"name":"A"}`),
			call("c2", "task.create", `{"name":"B"}`),
			call("c3", "weather.lookup", `{"city":"Lima"}`),
		),
		text("Confirm task A?"),
	)
	a := newTestAgent(t, m, testRegistry(book))

	if _, err := a.Respond(context.Background(), "add A and B"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	history := a.History()
	if got := roles(history); got != "user,assistant,tool,tool,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
	for _, turn := range history[3:5] {
		if !strings.Contains(turn.Content, waitingForConfirmation) {
			t.Fatalf("tool %s result = %s, want waiting message", turn.ToolCallID, turn.Content)
		}
	}
	if preview, _ := a.PendingPreview(); preview != "Create task A" {
		t.Fatalf("PendingPreview() = %q", preview)
	}
}

func TestWriteWhilePendingIsRefused(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"A"}`)),
		toolCalls(call("c2", "task.create", `{"name":"B"}`)),
		text("Please confirm task A first."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	if _, err := a.Respond(context.Background(), "add A then B"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	history := a.History()
	refused := history[4]
	if refused.ToolCallID != "c2" || !strings.Contains(refused.Content, writeAlreadyPending) {
		t.Fatalf("second write result = %+v", refused)
	}
	if preview, _ := a.PendingPreview(); preview != "Create task A" {
		t.Fatalf("PendingPreview() = %q, want first action kept", preview)
	}
}

func TestTransportFailureRollsBackTurn(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"A"}`)),
		step{err: errors.New("connection reset")},
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	reply, err := a.Respond(context.Background(), "add A")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != transportFailureReply {
		t.Fatalf("reply = %q, want transport failure reply", reply)
	}
	if got := roles(a.History()); got != "user" {
		t.Fatalf("history roles = %s, want only the user turn", got)
	}
	if a.HasPendingAction() {
		t.Fatalf("HasPendingAction() = true, want pending action from failed turn cleared")
	}
}

func TestRespondCancelled(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(step{block: true})
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.entered
		cancel()
	}()

	_, err := a.Respond(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Respond() error = %v, want context.Canceled", err)
	}
	for _, turn := range a.History() {
		if turn.Role != contractx.RoleUser {
			t.Fatalf("history has %s turn after cancellation", turn.Role)
		}
	}
}

func TestRespondStreamChunks(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(call("c1", "weather.lookup", `{"city":"Paris"}`)),
		text("Sunny in Paris."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	sr, err := a.RespondStream(context.Background(), "weather in Paris?")
	if err != nil {
		t.Fatalf("RespondStream() error = %v", err)
	}
	defer sr.Close()

	var chunks []contractx.Chunk
	for {
		c, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) == 0 || chunks[len(chunks)-1].Type != contractx.ChunkDone {
		t.Fatalf("chunks = %+v, want done last", chunks)
	}
	var (
		types []string
		sb    strings.Builder
		dones int
	)
	for _, c := range chunks {
		types = append(types, string(c.Type))
		switch c.Type {
		case contractx.ChunkText:
			sb.WriteString(c.Delta)
		case contractx.ChunkDone:
			dones++
		}
	}
	if dones != 1 {
		t.Fatalf("done chunks = %d, want 1", dones)
	}
	if got := strings.Join(types, ","); got != "tool_call,tool_result,text,text,done" {
		t.Fatalf("chunk types = %s", got)
	}
	if sb.String() != "Sunny in Paris." {
		t.Fatalf("streamed text = %q", sb.String())
	}
	if res := chunks[1].Result; res == nil || !res.Success || chunks[1].Name != "weather.lookup" {
		t.Fatalf("tool result chunk = %+v", chunks[1])
	}
	if got := roles(a.History()); got != "user,assistant,tool,assistant" {
		t.Fatalf("history roles = %s", got)
	}
}

func TestRespondStreamConfirmation(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"A"}`)),
		text("Confirm?"),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))
	if _, err := a.Respond(context.Background(), "add A"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	sr, err := a.RespondStream(context.Background(), "yes")
	if err != nil {
		t.Fatalf("RespondStream() error = %v", err)
	}
	defer sr.Close()

	var chunks []contractx.Chunk
	for {
		c, err := sr.Recv()
		if err != nil {
			break
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 || chunks[0].Delta != "Done: Create task A" || chunks[1].Type != contractx.ChunkDone {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestRespondStreamReaderClosedEarly(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(text("A fairly long answer that streams."))
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	sr, err := a.RespondStream(context.Background(), "tell me")
	if err != nil {
		t.Fatalf("RespondStream() error = %v", err)
	}
	if _, err := sr.Recv(); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	sr.Close()

	// the next turn waits for the abandoned one to finish
	m.mu.Lock()
	m.steps = append(m.steps, text("second"))
	m.mu.Unlock()
	reply, err := a.Respond(context.Background(), "again")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "second" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestTranscriptPersistedAndRestored(t *testing.T) {
	t.Parallel()

	store := transcript.NewMemoryStore()
	m := newScriptedModel(
		toolCalls(call("c1", "weather.lookup", `{"city":"Paris"}`)),
		text("Sunny."),
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}), WithTranscriptStore(store))

	if _, err := a.Respond(context.Background(), "weather?"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	stored, err := store.Load(context.Background(), "sess-test")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := roles(stored); got != "user,assistant,tool,assistant" {
		t.Fatalf("stored roles = %s", got)
	}

	restored := newTestAgent(t, newScriptedModel(), testRegistry(&taskBook{}), WithTranscriptStore(store))
	n, err := restored.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 4 || roles(restored.History()) != "user,assistant,tool,assistant" {
		t.Fatalf("Restore() = %d, history %s", n, roles(restored.History()))
	}
}

func TestRestoreDropsIncompleteToolGroups(t *testing.T) {
	t.Parallel()

	store := transcript.NewMemoryStore()
	ctx := context.Background()
	seed := []contractx.Turn{
		{Role: contractx.RoleUser, Content: "check two cities"},
		{Role: contractx.RoleAssistant, ToolCalls: []contractx.ToolCall{
			{ID: "c1", Name: "weather.lookup", Arguments: `{"city":"A"}`},
			{ID: "c2", Name: "weather.lookup", Arguments: `{"city":"B"}`},
		}},
		{Role: contractx.RoleTool, ToolCallID: "c1", ToolName: "weather.lookup", Content: `{"success":true}`},
		{Role: contractx.RoleTool, ToolCallID: "orphan", ToolName: "weather.lookup", Content: `{"success":true}`},
		{Role: contractx.RoleUser, Content: "never mind"},
		{Role: contractx.RoleAssistant, Content: "Okay."},
	}
	for _, turn := range seed {
		if err := store.Append(ctx, "sess-restore", turn); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	a := newTestAgent(t, newScriptedModel(), testRegistry(&taskBook{}),
		WithSessionID("sess-restore"), WithTranscriptStore(store))
	n, err := a.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Restore() = %d, want 3", n)
	}
	if got := roles(a.History()); got != "user,user,assistant" {
		t.Fatalf("history roles = %s", got)
	}
}

func TestResetStartsFreshSession(t *testing.T) {
	t.Parallel()

	final := text("Hi.")
	final.msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 2}}
	m := newScriptedModel(
		toolCalls(call("c1", "task.create", `{"name":"A"}`)),
		final,
	)
	a := newTestAgent(t, m, testRegistry(&taskBook{}))
	if _, err := a.Respond(context.Background(), "add A"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	a.Reset()

	if a.SessionID() == "sess-test" || a.SessionID() == "" {
		t.Fatalf("SessionID() = %q, want a fresh id", a.SessionID())
	}
	if len(a.History()) != 0 {
		t.Fatalf("history len = %d, want 0", len(a.History()))
	}
	if a.HasPendingAction() {
		t.Fatalf("HasPendingAction() = true after Reset")
	}
	if usage := a.Usage(); usage != (contractx.UsageCounters{}) {
		t.Fatalf("Usage() = %+v, want zero", usage)
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, string, contractx.Turn) error {
	return contractx.ErrStoreUnavailable
}

func (failingStore) Load(context.Context, string) ([]contractx.Turn, error) {
	return nil, contractx.ErrStoreUnavailable
}

func TestStoreFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newScriptedModel(text("Fine.")), testRegistry(&taskBook{}), WithTranscriptStore(failingStore{}))

	reply, err := a.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "Fine." {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := a.Restore(context.Background()); !errors.Is(err, contractx.ErrStoreUnavailable) {
		t.Fatalf("Restore() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestContextWarningAfterLongHistory(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newScriptedModel(text("ok")), testRegistry(&taskBook{}),
		WithBudget(budgetx.NewTracker(100, 0.8)))

	if a.ContextWarning() != "" {
		t.Fatalf("ContextWarning() = %q before any turn", a.ContextWarning())
	}
	if _, err := a.Respond(context.Background(), strings.Repeat("long message ", 40)); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if a.ContextWarning() == "" {
		t.Fatalf("ContextWarning() empty, want warning near the limit")
	}
}

func TestModelTimeoutBecomesFriendlyReply(t *testing.T) {
	t.Parallel()

	m := newScriptedModel(step{block: true})
	a := newTestAgentWithConfig(t, m, testRegistry(&taskBook{}),
		Config{MaxRounds: 4, ModelTimeout: 50 * time.Millisecond})

	start := time.Now()
	reply, err := a.Respond(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("Respond() error = %v, want nil", err)
	}
	if reply != transportFailureReply {
		t.Fatalf("reply = %q, want transport failure reply", reply)
	}
	if got := roles(a.History()); got != "user" {
		t.Fatalf("history roles = %s, want only the user turn", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Respond() took %v, want the model timeout to cut it short", elapsed)
	}
}

func TestToolTimeoutBecomesFailedResult(t *testing.T) {
	t.Parallel()

	hang := capability.MustNew(capability.Spec{
		Name:        "hang.read",
		Description: "Never returns on its own.",
		Execute: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	reg := capability.NewRegistry(capability.WithLogger(zerolog.Nop()))
	reg.Register(hang)

	m := newScriptedModel(
		toolCalls(call("c1", "hang.read", "{}")),
		text("That lookup timed out."),
	)
	a := newTestAgentWithConfig(t, m, reg,
		Config{MaxRounds: 4, ModelTimeout: 2 * time.Second, ToolTimeout: 50 * time.Millisecond})

	reply, err := a.Respond(context.Background(), "look it up")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply != "That lookup timed out." {
		t.Fatalf("reply = %q", reply)
	}
	result := a.History()[2]
	if !strings.Contains(result.Content, `"success":false`) || !strings.Contains(result.Content, "timed out") {
		t.Fatalf("tool result = %s, want timeout failure", result.Content)
	}
}

func TestRespondStreamSkipsDiscardedRound(t *testing.T) {
	t.Parallel()

	discarded := step{msg: schema.AssistantMessage("Checking the weather now.", []schema.ToolCall{
		call("c1", "weather.lookup", `{"city":`),
	})}
	m := newScriptedModel(discarded, text("Probably sunny."))
	a := newTestAgent(t, m, testRegistry(&taskBook{}))

	sr, err := a.RespondStream(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("RespondStream() error = %v", err)
	}
	defer sr.Close()

	var (
		sb    strings.Builder
		types []string
	)
	for {
		c, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		types = append(types, string(c.Type))
		if c.Type == contractx.ChunkText {
			sb.WriteString(c.Delta)
		}
	}

	if sb.String() != "Probably sunny." {
		t.Fatalf("streamed text = %q, want only the kept reply", sb.String())
	}
	if got := strings.Join(types, ","); got != "text,text,done" {
		t.Fatalf("chunk types = %s", got)
	}
	history := a.History()
	if last := history[len(history)-1]; last.Content != sb.String() {
		t.Fatalf("recorded reply = %q, streamed %q", last.Content, sb.String())
	}
	if m.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls())
	}
}
