package orchestratornode

import "context"

// Looper runs the model/tool rounds for one user utterance and returns the reply.
type Looper interface {
	RunLoop(ctx context.Context, in *GraphState) (string, error)
}

func RunReact(ctx context.Context, in *GraphState, loop Looper) (*GraphState, error) {
	if in == nil {
		return nil, errNilState
	}
	reply, err := loop.RunLoop(ctx, in)
	if err != nil {
		return nil, err
	}
	in.Reply = reply
	return in, nil
}
