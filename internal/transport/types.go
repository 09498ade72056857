package transport

import (
	"context"
	"errors"
)

// ErrUnknownChannel is returned when a channel id cannot be resolved.
var ErrUnknownChannel = errors.New("unknown channel")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdatePresence UpdateKind = "presence"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID        string
	ServerID  string
	ChannelID string
	FromID    string
	FromName  string
	Text      string
	IsGroup   bool
}

// Channel is a destination on a chat server.
type Channel struct {
	ID      string
	Name    string
	CanSend bool
}

// Identity is a user as seen by one chat server.
type Identity struct {
	ID   string
	Name string
}

type MessageRef struct {
	ServerID  string
	ChannelID string
	MessageID string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatServer is the capability every chat integration exposes to the core:
// connect/disconnect, enumerate and resolve channels, send text, resolve users.
//
// Connect forwards incoming updates to out until Disconnect is called.
type ChatServer interface {
	ID() string

	Connect(ctx context.Context, out chan<- Update) error
	Disconnect(ctx context.Context) error

	Channels(ctx context.Context) ([]Channel, error)
	Channel(ctx context.Context, channelID string) (Channel, error)
	Identity(ctx context.Context, userID string) (Identity, error)

	SendText(ctx context.Context, channelID string, text string, opt *SendOptions) (MessageRef, error)
}
