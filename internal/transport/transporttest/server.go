// Package transporttest provides an in-memory transport.ChatServer for tests.
package transporttest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"dashbot/internal/transport"
)

// Sent is one message passed to SendText.
type Sent struct {
	ChannelID string
	Text      string
}

// Server records sent messages and serves a fixed channel table.
type Server struct {
	ServerID string

	mu       sync.Mutex
	channels map[string]transport.Channel
	users    map[string]transport.Identity
	sent     []Sent
	sendErr  error
	out      chan<- transport.Update
}

func NewServer(id string) *Server {
	return &Server{
		ServerID: id,
		channels: map[string]transport.Channel{},
		users:    map[string]transport.Identity{},
	}
}

// AddChannel makes id resolvable.
func (s *Server) AddChannel(id string, canSend bool) *Server {
	s.mu.Lock()
	s.channels[id] = transport.Channel{ID: id, Name: id, CanSend: canSend}
	s.mu.Unlock()
	return s
}

func (s *Server) AddUser(id, name string) *Server {
	s.mu.Lock()
	s.users[id] = transport.Identity{ID: id, Name: name}
	s.mu.Unlock()
	return s
}

// FailSends makes every SendText return err (nil restores).
func (s *Server) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *Server) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Deliver pushes msg to the connected consumer, as if a user had typed it.
func (s *Server) Deliver(ctx context.Context, msg transport.Message) error {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return errors.New("not connected")
	}
	msg.ServerID = s.ServerID
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ID() string { return s.ServerID }

func (s *Server) Connect(ctx context.Context, out chan<- transport.Update) error {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	return nil
}

func (s *Server) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
	return nil
}

func (s *Server) Channels(ctx context.Context) ([]transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Server) Channel(ctx context.Context, id string) (transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return transport.Channel{}, transport.ErrUnknownChannel
	}
	return c, nil
}

func (s *Server) Identity(ctx context.Context, id string) (transport.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return transport.Identity{ID: id}, nil
	}
	return u, nil
}

func (s *Server) SendText(ctx context.Context, channelID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return transport.MessageRef{}, s.sendErr
	}
	if _, ok := s.channels[channelID]; !ok {
		return transport.MessageRef{}, transport.ErrUnknownChannel
	}
	s.sent = append(s.sent, Sent{ChannelID: channelID, Text: text})
	return transport.MessageRef{ServerID: s.ServerID, ChannelID: channelID}, nil
}
