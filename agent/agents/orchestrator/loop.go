package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tanpawarit/chative-toolagent/agent/capability"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	nodex "github.com/tanpawarit/chative-toolagent/agent/nodes/orchestrator"
	streamx "github.com/tanpawarit/chative-toolagent/agent/stream"
	"golang.org/x/sync/errgroup"
)

// RunLoop appends the user turn, then alternates model calls and tool
// dispatch until the model answers in text or the round cap is hit.
func (a *Agent) RunLoop(ctx context.Context, in *nodex.GraphState) (string, error) {
	a.Record(contractx.Turn{Role: contractx.RoleUser, Content: in.Text, CreatedAt: in.Now})
	afterUser := a.historyLen()
	installed := false

	for round := 1; round <= a.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, held, err := a.callModel(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			a.logger.Error().
				Err(err).
				Str("session_id", a.SessionID()).
				Int("round", round).
				Msg("model call failed")
			// keep only the user's message from this turn
			a.truncate(afterUser)
			if installed {
				a.gate.Clear()
			}
			emit(in, contractx.TextChunk(transportFailureReply))
			return transportFailureReply, nil
		}
		a.meter.Track(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		if len(resp.Calls) == 0 {
			if resp.Dropped > 0 {
				// held text of a discarded round is never shown
				a.logger.Warn().Int("round", round).Int("dropped", resp.Dropped).Msg("no usable tool calls, asking again")
				continue
			}
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				text = emptyModelReply
				emit(in, contractx.TextChunk(text))
			} else {
				flush(in, held)
			}
			a.Record(contractx.Turn{Role: contractx.RoleAssistant, Content: text, CreatedAt: a.now().UTC()})
			return text, nil
		}

		results := a.dispatchRound(ctx, resp.Calls)
		if err := ctx.Err(); err != nil {
			return "", err
		}

		pending := a.commitRound(resp, results)
		flush(in, held)
		for i, call := range resp.Calls {
			emit(in, contractx.ToolResultChunk(call.Name, results[i]))
		}
		if pending != nil {
			if err := a.gate.Install(*pending); err != nil {
				a.logger.Warn().Err(err).Str("tool", pending.ToolName).Msg("pending action not installed")
			} else {
				installed = true
			}
		}
	}

	a.logger.Warn().Int("max_rounds", a.cfg.MaxRounds).Msg("round cap reached without a final answer")
	a.Record(contractx.Turn{Role: contractx.RoleAssistant, Content: roundCapReply, CreatedAt: a.now().UTC()})
	emit(in, contractx.TextChunk(roundCapReply))
	return roundCapReply, nil
}

// callModel sends the committed history plus the registry schemas and
// reassembles the reply. On streaming turns the text and tool-call chunks of
// the response are returned held back; the caller flushes them only once the
// round is kept, so a discarded response never reaches the stream.
func (a *Agent) callModel(ctx context.Context, in *nodex.GraphState) (streamx.Response, []contractx.Chunk, error) {
	bound, err := a.model.WithTools(a.registry.SchemaList())
	if err != nil {
		return streamx.Response{}, nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}

	mctx, cancel := context.WithTimeout(ctx, a.cfg.ModelTimeout)
	defer cancel()

	var held []contractx.Chunk
	acc := streamx.NewAccumulator(
		streamx.WithEmitter(func(c contractx.Chunk) { held = append(held, c) }),
		streamx.WithLogger(a.logger),
	)
	msgs := a.modelInput()

	if in.Stream {
		sr, err := bound.Stream(mctx, msgs)
		if err != nil {
			return streamx.Response{}, nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
		resp, err := acc.Consume(mctx, sr)
		if err != nil {
			return streamx.Response{}, nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
		return resp, held, nil
	}

	msg, err := bound.Generate(mctx, msgs)
	if err != nil {
		return streamx.Response{}, nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	acc.AddMessage(msg)
	return acc.Finish(), nil, nil
}

// dispatch runs one call under the per-tool timeout.
func (a *Agent) dispatch(ctx context.Context, call contractx.ToolCall) contractx.ToolResult {
	if a.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ToolTimeout)
		defer cancel()
	}
	return a.registry.Dispatch(ctx, call.Name, call.Arguments)
}

// dispatchRound returns exactly one result per call, in call order. Reads run
// concurrently. The first write yields a pending action and every call after
// it is answered without being run.
func (a *Agent) dispatchRound(ctx context.Context, calls []contractx.ToolCall) []contractx.ToolResult {
	results := make([]contractx.ToolResult, len(calls))
	writePending := a.gate.HasPending()
	blocked := false

	var g errgroup.Group
	for i, call := range calls {
		switch {
		case blocked:
			results[i] = contractx.Failed(waitingForConfirmation)
		case a.registry.KindOf(call.Name) == capability.KindWrite:
			if writePending {
				results[i] = contractx.Failed(writeAlreadyPending)
				continue
			}
			results[i] = a.dispatch(ctx, call)
			if results[i].Pending != nil {
				blocked = true
			}
		default:
			i, call := i, call
			g.Go(func() error {
				results[i] = a.dispatch(ctx, call)
				return nil
			})
		}
	}
	_ = g.Wait()
	return results
}

// commitRound appends the assistant tool-call turn and its results as one
// unit and returns the first pending action among them.
func (a *Agent) commitRound(resp streamx.Response, results []contractx.ToolResult) *contractx.PendingAction {
	now := a.now().UTC()
	turns := make([]contractx.Turn, 0, len(resp.Calls)+1)
	turns = append(turns, contractx.Turn{
		Role:      contractx.RoleAssistant,
		Content:   strings.TrimSpace(resp.Text),
		ToolCalls: resp.Calls,
		CreatedAt: now,
	})

	var pending *contractx.PendingAction
	for i, call := range resp.Calls {
		res := results[i]
		if res.Pending != nil && pending == nil {
			pending = res.Pending
		}
		turns = append(turns, contractx.Turn{
			Role:       contractx.RoleTool,
			Content:    res.JSON(),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			CreatedAt:  now,
		})
	}
	a.Record(turns...)
	return pending
}

func emit(in *nodex.GraphState, c contractx.Chunk) {
	if in != nil && in.Emit != nil {
		in.Emit(c)
	}
}

func flush(in *nodex.GraphState, chunks []contractx.Chunk) {
	for _, c := range chunks {
		emit(in, c)
	}
}
