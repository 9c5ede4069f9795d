package actions

import (
	"context"

	"github.com/sendloop/journey/pkg/schema"
)

// Message is an outbound message to a subject on a delivery channel.
type Message struct {
	SubjectID      string
	Channel        string
	TemplateID     string
	Body           string
	IdempotencyKey string
}

// ChannelSender delivers messages. Implementations should treat the
// idempotency key as a deduplication handle across retried sends.
type ChannelSender interface {
	Send(ctx context.Context, msg Message) error
}

// SendMessageAction delivers a message through the configured sender.
//
// Params:
//
//	channel     optional, defaults to "email"
//	template_id one of template_id or body is required
//	body        pre-rendered message body
type SendMessageAction struct {
	sender ChannelSender
}

func NewSendMessageAction(sender ChannelSender) *SendMessageAction {
	return &SendMessageAction{sender: sender}
}

func (a *SendMessageAction) Type() schema.ActionType {
	return schema.ActionSendMessage
}

func (a *SendMessageAction) Execute(ctx context.Context, in Input) (*Output, error) {
	templateID := optionalStringParam(in.Params, "template_id", "")
	body := optionalStringParam(in.Params, "body", "")
	if templateID == "" && body == "" {
		return nil, Permanent(schema.NewError(schema.ErrCodeValidation, "send_message requires template_id or body"))
	}

	msg := Message{
		SubjectID:      in.SubjectID,
		Channel:        optionalStringParam(in.Params, "channel", "email"),
		TemplateID:     templateID,
		Body:           body,
		IdempotencyKey: in.IdempotencyKey,
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		return nil, err
	}
	return &Output{}, nil
}
