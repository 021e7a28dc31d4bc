package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	gatex "github.com/tanpawarit/chative-toolagent/agent/gate"
)

var errNilState = fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)

// Confirmer resolves a pending action from the user's reply.
type Confirmer interface {
	Resolve(ctx context.Context, utterance string) gatex.Outcome
}

// Recorder appends turns to the session's sequence.
type Recorder interface {
	Record(turns ...contractx.Turn)
}

// ResolveConfirmation handles a turn that answers a pending action. No model
// call is made; the user reply and the fixed response are both recorded.
func ResolveConfirmation(
	ctx context.Context,
	in *GraphState,
	confirmer Confirmer,
	rec Recorder,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil {
		return nil, errNilState
	}

	out := confirmer.Resolve(ctx, in.Text)
	switch {
	case out.Executed:
		logger.Info().Str("verdict", out.Verdict.String()).Msg("confirmed action executed")
	case out.Err != nil:
		logger.Error().Err(out.Err).Str("verdict", out.Verdict.String()).Msg("confirmation did not complete")
	case out.Verdict == gatex.Negative:
		logger.Info().Msg("pending action cancelled")
	}

	in.Verdict = out.Verdict
	in.Reply = out.Reply
	if in.Reply == "" {
		in.Reply = "There is nothing waiting for confirmation right now."
	}

	rec.Record(
		contractx.Turn{Role: contractx.RoleUser, Content: in.Text, CreatedAt: in.Now},
		contractx.Turn{Role: contractx.RoleAssistant, Content: in.Reply, CreatedAt: in.Now},
	)
	in.emit(contractx.TextChunk(in.Reply))
	return in, nil
}
