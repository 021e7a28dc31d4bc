package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// Fragment is one piece of an incrementally delivered model response.
type Fragment struct {
	Text         string
	Tool         *ToolDelta
	Usage        *Usage
	FinishReason string
}

// ToolDelta carries partial data for the tool call in slot Index.
type ToolDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the reconstructed result of one model call.
type Response struct {
	Text         string
	Calls        []contractx.ToolCall
	Dropped      int
	Usage        Usage
	FinishReason string
}

type slot struct {
	id   strings.Builder
	name strings.Builder
	args strings.Builder
}

// Accumulator rebuilds tool calls and text from fragments. It is not safe for
// concurrent use; fragments must be added in arrival order.
type Accumulator struct {
	text         strings.Builder
	slots        []*slot
	usage        Usage
	finishReason string

	emit     func(contractx.Chunk)
	logger   zerolog.Logger
	newID    func() string
	finished bool
	result   Response
}

type Option func(*Accumulator)

// WithEmitter receives text chunks as they arrive and tool-call chunks on Finish.
func WithEmitter(emit func(contractx.Chunk)) Option {
	return func(a *Accumulator) {
		a.emit = emit
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Accumulator) {
		a.logger = logger
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(a *Accumulator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

func NewAccumulator(opts ...Option) *Accumulator {
	a := &Accumulator{
		logger: log.Logger,
		newID:  func() string { return "call_" + uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Add folds one fragment into the running state. Fragments added after Finish are ignored.
func (a *Accumulator) Add(f Fragment) {
	if a.finished {
		return
	}
	if f.Text != "" {
		a.text.WriteString(f.Text)
		a.send(contractx.TextChunk(f.Text))
	}
	if f.Tool != nil && f.Tool.Index >= 0 {
		s := a.slotAt(f.Tool.Index)
		if f.Tool.ID != "" && s.id.String() != f.Tool.ID {
			s.id.WriteString(f.Tool.ID)
		}
		s.name.WriteString(f.Tool.Name)
		s.args.WriteString(f.Tool.Arguments)
	}
	if f.Usage != nil {
		a.usage = *f.Usage
	}
	if f.FinishReason != "" {
		a.finishReason = f.FinishReason
	}
}

// AddMessage folds an eino message, either a stream chunk or a complete reply.
func (a *Accumulator) AddMessage(msg *schema.Message) {
	for _, f := range FromMessage(msg) {
		a.Add(f)
	}
}

// Finish closes the response. Slots whose arguments do not parse are dropped
// with a warning. Calling Finish again returns the same Response.
func (a *Accumulator) Finish() Response {
	if a.finished {
		return a.result
	}
	a.finished = true

	res := Response{
		Text:         a.text.String(),
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}
	for idx, s := range a.slots {
		if s == nil {
			continue
		}
		name := strings.TrimSpace(s.name.String())
		args := strings.TrimSpace(s.args.String())
		if args == "" {
			args = "{}"
		}
		if name == "" || !json.Valid([]byte(args)) {
			a.logger.Warn().
				Int("slot", idx).
				Str("tool", name).
				Int("args_bytes", len(args)).
				Msg("dropping malformed tool call")
			res.Dropped++
			continue
		}
		id := s.id.String()
		if id == "" {
			id = a.newID()
		}
		res.Calls = append(res.Calls, contractx.ToolCall{
			ID:        id,
			Name:      name,
			Arguments: args,
		})
		a.send(contractx.ToolCallChunk(name))
	}

	a.result = res
	return res
}

// Consume drains a model stream into the accumulator and finishes it. A
// receive error aborts the response and is returned as-is.
func (a *Accumulator) Consume(ctx context.Context, reader *schema.StreamReader[*schema.Message]) (Response, error) {
	if reader == nil {
		return Response{}, errors.New("nil model stream")
	}
	defer reader.Close()

	for {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("receive model stream: %w", err)
		}
		a.AddMessage(msg)
	}
	return a.Finish(), nil
}

func (a *Accumulator) slotAt(idx int) *slot {
	for len(a.slots) <= idx {
		a.slots = append(a.slots, nil)
	}
	if a.slots[idx] == nil {
		a.slots[idx] = &slot{}
	}
	return a.slots[idx]
}

func (a *Accumulator) send(c contractx.Chunk) {
	if a.emit != nil {
		a.emit(c)
	}
}

// FromMessage splits an eino message into fragments. Tool calls without an
// explicit index use their position in the message.
func FromMessage(msg *schema.Message) []Fragment {
	if msg == nil {
		return nil
	}
	frags := make([]Fragment, 0, len(msg.ToolCalls)+2)
	if msg.Content != "" {
		frags = append(frags, Fragment{Text: msg.Content})
	}
	for i, tc := range msg.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		frags = append(frags, Fragment{Tool: &ToolDelta{
			Index:     idx,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	if meta := msg.ResponseMeta; meta != nil {
		f := Fragment{FinishReason: meta.FinishReason}
		if meta.Usage != nil {
			f.Usage = &Usage{
				InputTokens:  meta.Usage.PromptTokens,
				OutputTokens: meta.Usage.CompletionTokens,
			}
		}
		if f.FinishReason != "" || f.Usage != nil {
			frags = append(frags, f)
		}
	}
	return frags
}
