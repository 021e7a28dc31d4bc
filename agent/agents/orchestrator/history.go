package orchestrator

import (
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// modelInput renders the system prompt and committed turns as model messages.
func (a *Agent) modelInput() []*schema.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	msgs := make([]*schema.Message, 0, len(a.history)+1)
	if a.systemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(a.systemPrompt))
	}
	for _, turn := range a.history {
		msgs = append(msgs, toMessage(turn))
	}
	return msgs
}

func toMessage(turn contractx.Turn) *schema.Message {
	switch turn.Role {
	case contractx.RoleAssistant:
		var calls []schema.ToolCall
		for _, c := range turn.ToolCalls {
			calls = append(calls, schema.ToolCall{
				ID:   c.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      c.Name,
					Arguments: c.Arguments,
				},
			})
		}
		return schema.AssistantMessage(turn.Content, calls)
	case contractx.RoleTool:
		msg := schema.ToolMessage(turn.Content, turn.ToolCallID)
		msg.ToolName = turn.ToolName
		return msg
	default:
		return schema.UserMessage(turn.Content)
	}
}

// sanitizeHistory drops assistant tool-call turns whose results are not all
// present, together with their partial results, and tool turns that answer
// no call.
func sanitizeHistory(turns []contractx.Turn) []contractx.Turn {
	out := make([]contractx.Turn, 0, len(turns))
	for i := 0; i < len(turns); {
		turn := turns[i]
		switch {
		case turn.Role == contractx.RoleAssistant && len(turn.ToolCalls) > 0:
			j := i + 1
			answered := make(map[string]bool, len(turn.ToolCalls))
			for j < len(turns) && turns[j].Role == contractx.RoleTool {
				answered[turns[j].ToolCallID] = true
				j++
			}
			complete := true
			for _, c := range turn.ToolCalls {
				if !answered[c.ID] {
					complete = false
					break
				}
			}
			if complete {
				out = append(out, turns[i:j]...)
			}
			i = j
		case turn.Role == contractx.RoleTool:
			i++
		default:
			out = append(out, turn)
			i++
		}
	}
	return out
}
