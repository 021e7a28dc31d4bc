package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	nodex "github.com/tanpawarit/chative-toolagent/agent/nodes/orchestrator"
)

// compileTurnGraph wires one user turn:
// validate_turn -> (resolve_confirmation | react_loop) -> finalize_reply.
func (a *Agent) compileTurnGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()

	if err := graph.AddLambdaNode("validate_turn",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateTurn(in, a.gate, a.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_turn: %w", err)
	}

	if err := graph.AddLambdaNode(nodex.RouteConfirmation,
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ResolveConfirmation(ctx, in, a.gate, a, a.logger)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.RouteConfirmation, err)
	}

	if err := graph.AddLambdaNode(nodex.RouteReact,
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.RunReact(ctx, in, a)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.RouteReact, err)
	}

	if err := graph.AddLambdaNode("finalize_reply",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			return nodex.FinalizeReply(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize_reply: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			return nodex.Route(in)
		},
		map[string]bool{
			nodex.RouteConfirmation: true,
			nodex.RouteReact:        true,
		},
	)
	if err := graph.AddBranch("validate_turn", branch); err != nil {
		return nil, fmt.Errorf("add turn branch: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_turn"},
		{nodex.RouteConfirmation, "finalize_reply"},
		{nodex.RouteReact, "finalize_reply"},
		{"finalize_reply", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.turn"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
