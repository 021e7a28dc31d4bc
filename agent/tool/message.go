package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
)

const (
	ToolMessageSend = "message.send"

	previewTextLimit = 80
)

// Publisher delivers a payload to an outbound destination. The QStash client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte) (string, error)
}

type MessageSendOutput struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

type outboundMessage struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
}

func MessageSend(pub Publisher, destination string) (*capability.Descriptor, error) {
	if pub == nil {
		return nil, errors.New("message.send needs a publisher")
	}
	return Mutation(
		ToolMessageSend,
		"Send a message to a contact. The user must confirm before it is sent.",
		map[string]*schema.ParameterInfo{
			"recipient": {Type: schema.String, Desc: "Contact name, email or handle", Required: true},
			"text":      {Type: schema.String, Desc: "Message body", Required: true},
			"channel": {
				Type: schema.String,
				Desc: "Delivery channel",
				Enum: []string{"email", "sms", "chat"},
			},
		},
		describeMessage,
		func(ctx context.Context, args map[string]any) (any, error) {
			msg := messageFromArgs(args)
			if msg.Recipient == "" || msg.Text == "" {
				return nil, errors.New("recipient and text are required")
			}
			body, err := json.Marshal(msg)
			if err != nil {
				return nil, fmt.Errorf("encode message: %w", err)
			}
			id, err := pub.Publish(ctx, destination, body)
			if err != nil {
				return nil, err
			}
			return MessageSendOutput{MessageID: id, Recipient: msg.Recipient}, nil
		},
	)
}

func describeMessage(args map[string]any) string {
	msg := messageFromArgs(args)
	text := msg.Text
	if utf8.RuneCountInString(text) > previewTextLimit {
		text = string([]rune(text)[:previewTextLimit]) + "..."
	}
	return fmt.Sprintf("Send %s to %s: %q", msg.Channel, msg.Recipient, text)
}

func messageFromArgs(args map[string]any) outboundMessage {
	recipient, _ := args["recipient"].(string)
	text, _ := args["text"].(string)
	channel, _ := args["channel"].(string)
	if strings.TrimSpace(channel) == "" {
		channel = "chat"
	}
	return outboundMessage{
		Recipient: strings.TrimSpace(recipient),
		Channel:   strings.TrimSpace(channel),
		Text:      strings.TrimSpace(text),
	}
}
