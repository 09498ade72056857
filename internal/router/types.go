package router

import (
	"context"
	"strings"
	"time"

	"dashbot/internal/transport"
	logx "dashbot/pkg/logx"
)

// Request is one command invocation.
type Request struct {
	ID       string
	Server   transport.ChatServer
	Message  *transport.Message
	Command  string
	Args     []string
	Received time.Time
	Logger   logx.Logger
}

// ArgText returns the arguments joined by single spaces.
func (r *Request) ArgText() string { return strings.Join(r.Args, " ") }

// Owner is the identity quotas and rate limits are keyed by: the sender's id
// qualified by its chat server.
func (r *Request) Owner() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.ServerID + ":" + r.Message.FromID
}

// Reply sends text to the channel the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Server == nil || r.Message == nil {
		return nil
	}
	_, err := r.Server.SendText(ctx, r.Message.ChannelID, text, nil)
	return err
}

// CanReply reports whether the originating channel accepts messages.
func (r *Request) CanReply(ctx context.Context) bool {
	if r.Server == nil || r.Message == nil {
		return false
	}
	ch, err := r.Server.Channel(ctx, r.Message.ChannelID)
	return err == nil && ch.CanSend
}

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is a named action users trigger with "<prefix><name> args...".
type Command interface {
	Run(ctx context.Context, req *Request) error
}

// CommandFunc adapts a function to Command.
type CommandFunc func(ctx context.Context, req *Request) error

func (f CommandFunc) Run(ctx context.Context, req *Request) error { return f(ctx, req) }

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// CommandEvent is the payload of EventBeforeRunCommand and EventAfterRunCommand.
// Err is only set on EventAfterRunCommand.
type CommandEvent struct {
	Request *Request
	Err     error
}

const (
	// EventBeforeRunCommand is emitted before a command runs. Cancelling it
	// prevents the command.
	EventBeforeRunCommand = "beforeRunCommand"
	EventAfterRunCommand  = "afterRunCommand"
)
