package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, errNilState
	}
	reply := strings.TrimSpace(in.Reply)
	if reply == "" {
		return GraphOutput{}, fmt.Errorf("%w: turn produced an empty reply", contractx.ErrValidation)
	}
	return GraphOutput{Reply: reply}, nil
}
