package orchestratornode

import (
	"strings"
	"time"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
	gatex "github.com/tanpawarit/chative-toolagent/agent/gate"
)

const (
	RouteConfirmation = "resolve_confirmation"
	RouteReact        = "react_loop"
)

type GraphInput struct {
	Text string
	// Emit receives stream chunks; nil for blocking turns.
	Emit   func(contractx.Chunk)
	Stream bool
}

type GraphOutput struct {
	Reply string
}

type GraphState struct {
	Text   string
	Now    time.Time
	Emit   func(contractx.Chunk)
	Stream bool

	// AwaitingConfirmation is captured once per turn so the route cannot
	// change while the turn runs.
	AwaitingConfirmation bool
	Verdict              gatex.Verdict

	Reply string
}

// PendingChecker reports whether a confirmation is outstanding.
type PendingChecker interface {
	HasPending() bool
}

func ValidateTurn(in GraphInput, gate PendingChecker, nowFn func() time.Time) (*GraphState, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, contractx.ErrInvalidMessage
	}
	return &GraphState{
		Text:                 text,
		Now:                  nowFn().UTC(),
		Emit:                 in.Emit,
		Stream:               in.Stream,
		AwaitingConfirmation: gate != nil && gate.HasPending(),
	}, nil
}

// Route picks the branch for a validated turn.
func Route(in *GraphState) (string, error) {
	if in == nil {
		return "", errNilState
	}
	if in.AwaitingConfirmation {
		return RouteConfirmation, nil
	}
	return RouteReact, nil
}

func (s *GraphState) emit(c contractx.Chunk) {
	if s.Emit != nil {
		s.Emit(c)
	}
}
