// Package identity maps chat server ids to connected chat servers and
// resolves (server, channel) pairs into sendable channels.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dashbot/internal/transport"
)

var ErrUnknownServer = errors.New("unknown chat server")

type Registry struct {
	mu      sync.RWMutex
	servers map[string]transport.ChatServer
}

func NewRegistry() *Registry {
	return &Registry{servers: map[string]transport.ChatServer{}}
}

// Add registers s under s.ID(), replacing any server with the same id.
func (r *Registry) Add(s transport.ChatServer) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.servers[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
}

func (r *Registry) Server(id string) (transport.ChatServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Servers returns the registered servers ordered by id.
func (r *Registry) Servers() []transport.ChatServer {
	r.mu.RLock()
	out := make([]transport.ChatServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ResolveChannel returns the server and channel for a stored address. The
// error wraps ErrUnknownServer or transport.ErrUnknownChannel when the
// address no longer resolves.
func (r *Registry) ResolveChannel(ctx context.Context, serverID, channelID string) (transport.ChatServer, transport.Channel, error) {
	s, ok := r.Server(serverID)
	if !ok {
		return nil, transport.Channel{}, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	ch, err := s.Channel(ctx, channelID)
	if err != nil {
		return nil, transport.Channel{}, err
	}
	return s, ch, nil
}
