package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// SDKChatModel talks to an OpenAI-compatible endpoint through openai-go and
// exposes it as an eino tool-calling chat model. Streamed tool-call deltas
// keep their provider index so they can be reassembled per slot.
type SDKChatModel struct {
	client      *openaisdk.Client
	model       string
	maxTokens   *int
	temperature *float32
	tools       []*schema.ToolInfo
}

var _ model.ToolCallingChatModel = (*SDKChatModel)(nil)

func NewSDKChatModel(client *openaisdk.Client, cfg Config) (*SDKChatModel, error) {
	if client == nil {
		return nil, errors.New("openrouter: sdk client is nil")
	}
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		return nil, errors.New("openrouter: model is required")
	}
	temp := cfg.Temperature
	return &SDKChatModel{
		client:      client,
		model:       name,
		maxTokens:   cfg.MaxCompletionToken,
		temperature: &temp,
	}, nil
}

// WithTools returns a copy bound to tools; the receiver is unchanged.
func (m *SDKChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	clone := *m
	clone.tools = append([]*schema.ToolInfo(nil), tools...)
	return &clone, nil
}

func (m *SDKChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	params, err := m.params(input, opts...)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openrouter: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openrouter: empty choices")
	}

	choice := resp.Choices[0]
	out := &schema.Message{
		Role:    schema.Assistant,
		Content: choice.Message.Content,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: choice.FinishReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.PromptTokens),
				CompletionTokens: int(resp.Usage.CompletionTokens),
				TotalTokens:      int(resp.Usage.TotalTokens),
			},
		},
	}
	for i, tc := range choice.Message.ToolCalls {
		idx := i
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			Index: &idx,
			ID:    tc.ID,
			Type:  "function",
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func (m *SDKChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	params, err := m.params(input, opts...)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaisdk.Bool(true),
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	sr, sw := schema.Pipe[*schema.Message](16)

	go func() {
		defer sw.Close()
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			for _, msg := range chunkMessages(chunk) {
				if closed := sw.Send(msg, nil); closed {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			sw.Send(nil, fmt.Errorf("openrouter: stream: %w", err))
		}
	}()
	return sr, nil
}

func chunkMessages(chunk openaisdk.ChatCompletionChunk) []*schema.Message {
	var out []*schema.Message
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		msg := &schema.Message{Role: schema.Assistant, Content: choice.Delta.Content}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				Index: &idx,
				ID:    tc.ID,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if choice.FinishReason != "" {
			msg.ResponseMeta = &schema.ResponseMeta{FinishReason: choice.FinishReason}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 || msg.ResponseMeta != nil {
			out = append(out, msg)
		}
	}
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		out = append(out, &schema.Message{
			Role: schema.Assistant,
			ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}},
		})
	}
	return out
}

func (m *SDKChatModel) params(input []*schema.Message, opts ...model.Option) (openaisdk.ChatCompletionNewParams, error) {
	common := model.GetCommonOptions(&model.Options{
		Model:       &m.model,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		Tools:       m.tools,
	}, opts...)

	messages, err := toSDKMessages(input)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(*common.Model),
		Messages: messages,
	}
	if common.MaxTokens != nil {
		params.MaxCompletionTokens = openaisdk.Int(int64(*common.MaxTokens))
	}
	if common.Temperature != nil {
		params.Temperature = openaisdk.Float(float64(*common.Temperature))
	}
	for _, info := range common.Tools {
		tool, err := toSDKTool(info)
		if err != nil {
			return openaisdk.ChatCompletionNewParams{}, err
		}
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

func toSDKMessages(input []*schema.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case schema.User:
			out = append(out, openaisdk.UserMessage(msg.Content))
		case schema.Tool:
			out = append(out, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		case schema.Assistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openaisdk.AssistantMessage(msg.Content))
				continue
			}
			assistant := openaisdk.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openaisdk.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, fmt.Errorf("openrouter: unsupported role %q", msg.Role)
		}
	}
	return out, nil
}

func toSDKTool(info *schema.ToolInfo) (openaisdk.ChatCompletionToolParam, error) {
	params := shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
	if info.ParamsOneOf != nil {
		s, err := info.ParamsOneOf.ToOpenAPIV3()
		if err != nil {
			return openaisdk.ChatCompletionToolParam{}, fmt.Errorf("openrouter: tool %s schema: %w", info.Name, err)
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return openaisdk.ChatCompletionToolParam{}, fmt.Errorf("openrouter: tool %s schema: %w", info.Name, err)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return openaisdk.ChatCompletionToolParam{}, fmt.Errorf("openrouter: tool %s schema: %w", info.Name, err)
		}
	}
	return openaisdk.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        info.Name,
			Description: openaisdk.String(info.Desc),
			Parameters:  params,
		},
	}, nil
}
