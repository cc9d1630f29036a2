package mq

import "context"

// MessageQueue carries deferred background jobs, currently only the
// physical purge of retired-round pixels.
type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}

// PurgeRoundMessage is the payload enqueued by the round controller
// after a transition retires a round.
type PurgeRoundMessage struct {
	Round int64 `json:"round"`
}
