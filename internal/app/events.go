package app

import (
	"context"

	"dashbot/internal/eventbus"
	"dashbot/internal/transport"
	logx "dashbot/pkg/logx"
)

// Bot-level events emitted on the app bus.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	// EventMessage carries a *transport.Message. Cancelling it skips command
	// routing for that message.
	EventMessage = "message"
)

// ServerEvent is the payload of EventConnected and EventDisconnected.
type ServerEvent struct {
	ServerID string `json:"serverId"`
}

func (a *App) emitServerEvent(ctx context.Context, name, serverID string) {
	if _, err := a.bus.Emit(ctx, eventbus.New(name, ServerEvent{ServerID: serverID})); err != nil {
		a.log.Warn("event handler failed", logx.String("event", name), logx.Err(err))
	}
}

// dispatchLoop feeds incoming chat updates through the message event and the
// command router, one at a time.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-a.updates:
			if u.Kind != transport.UpdateMessage || u.Message == nil {
				continue
			}
			a.onMessage(ctx, u.Message)
		}
	}
}

func (a *App) onMessage(ctx context.Context, msg *transport.Message) {
	ev, err := a.bus.Emit(ctx, eventbus.New(EventMessage, msg))
	if err != nil {
		a.log.Warn("message handler failed", logx.Err(err))
		return
	}
	if ev.Cancelled() {
		return
	}
	server, ok := a.servers.Server(msg.ServerID)
	if !ok {
		a.log.Debug("message from unregistered server", logx.String("server", msg.ServerID))
		return
	}
	if _, err := a.router.Handle(ctx, server, msg); err != nil {
		a.log.Debug("command failed", logx.String("server", msg.ServerID), logx.Err(err))
	}
}
