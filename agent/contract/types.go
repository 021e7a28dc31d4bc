package contract

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry of the ordered conversation. Content may be empty only for
// assistant turns that carry tool calls.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of one dispatch. Exactly one of Data and Error is set.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	// Pending is set when a write-kind capability asked for confirmation.
	Pending *PendingAction `json:"-"`
}

func Succeeded(data any) ToolResult {
	if data == nil {
		data = map[string]any{}
	}
	return ToolResult{Success: true, Data: data}
}

func Failed(msg string) ToolResult {
	if msg == "" {
		msg = "unknown error"
	}
	return ToolResult{Success: false, Error: msg}
}

// JSON renders the result the way it is fed back to the model.
func (r ToolResult) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(Failed("result could not be encoded: " + err.Error()))
		return string(fallback)
	}
	return string(raw)
}

// PendingAction is a validated write request awaiting human approval.
type PendingAction struct {
	ToolName  string         `json:"tool_name"`
	Preview   string         `json:"preview"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkDone       ChunkType = "done"
)

// Chunk is one element of a streamed reply.
type Chunk struct {
	Type   ChunkType   `json:"type"`
	Delta  string      `json:"delta,omitempty"`
	Name   string      `json:"name,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

func TextChunk(delta string) Chunk {
	return Chunk{Type: ChunkText, Delta: delta}
}

func ToolCallChunk(name string) Chunk {
	return Chunk{Type: ChunkToolCall, Name: name}
}

func ToolResultChunk(name string, result ToolResult) Chunk {
	return Chunk{Type: ChunkToolResult, Name: name, Result: &result}
}

func DoneChunk() Chunk {
	return Chunk{Type: ChunkDone}
}

// UsageCounters are monotonically non-decreasing between resets.
type UsageCounters struct {
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	RequestCount int64   `json:"request_count"`
}

type AuditOutcome string

const (
	AuditExecuted  AuditOutcome = "executed"
	AuditFailed    AuditOutcome = "failed"
	AuditCancelled AuditOutcome = "cancelled"
)

type AuditEntry struct {
	SessionID string       `json:"session_id"`
	ToolName  string       `json:"tool_name"`
	Preview   string       `json:"preview"`
	Outcome   AuditOutcome `json:"outcome"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
