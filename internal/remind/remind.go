// Package remind implements the "remind" chat command and delivery of due
// reminders back to the channel they were set in.
package remind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"dashbot/internal/eventbus"
	"dashbot/internal/identity"
	"dashbot/internal/router"
	"dashbot/internal/transport"
	logx "dashbot/pkg/logx"
)

// EventName is the scheduled event carrying a Payload.
const EventName = "reminder"

// CommandName is the name the command is registered under.
const CommandName = "remind"

const (
	replyNoArgs          = "No args"
	replyParseFailed     = "Couldn't parse time"
	replyMissingReminder = "Missing reminder"
	deliveryPrefix       = "Reminder: "

	replyTimeLayout = "Mon Jan 02 2006 15:04:05 MST"
)

// Payload is the data of a reminder event.
type Payload struct {
	Reminder  string `json:"reminder"`
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
}

// Scheduler admits events for later dispatch.
type Scheduler interface {
	QueueEvent(ctx context.Context, at time.Time, ev *eventbus.Event, owner string) (bool, error)
}

// Command handles "remind <time> <text>".
type Command struct {
	sched Scheduler
	log   logx.Logger
	now   func() time.Time

	mu        sync.RWMutex
	loc       *time.Location
	maxTimers int
}

// NewCommand creates the command. maxTimers only shapes the quota reply.
func NewCommand(sched Scheduler, loc *time.Location, maxTimers int, log logx.Logger) *Command {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Command{sched: sched, log: log, now: time.Now, loc: loc, maxTimers: maxTimers}
}

// Apply updates the zone and quota used in replies.
func (c *Command) Apply(loc *time.Location, maxTimers int) {
	if loc == nil {
		loc = time.Local
	}
	c.mu.Lock()
	c.loc, c.maxTimers = loc, maxTimers
	c.mu.Unlock()
}

func (c *Command) Run(ctx context.Context, req *router.Request) error {
	if req.Message == nil || !req.CanReply(ctx) {
		return nil
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, replyNoArgs)
	}

	c.mu.RLock()
	loc, maxTimers := c.loc, c.maxTimers
	c.mu.RUnlock()

	now := c.now()
	at, text, err := ParseTime(now, loc, req.ArgText())
	if err != nil {
		return req.Reply(ctx, replyParseFailed)
	}
	if text == "" {
		return req.Reply(ctx, replyMissingReminder)
	}

	ev := eventbus.New(EventName, Payload{
		Reminder:  text,
		ServerID:  req.Message.ServerID,
		ChannelID: req.Message.ChannelID,
	})
	ok, err := c.sched.QueueEvent(ctx, at, ev, req.Owner())
	if err != nil {
		return fmt.Errorf("queue reminder: %w", err)
	}
	if !ok {
		return req.Reply(ctx, quotaReply(maxTimers))
	}
	req.Logger.Debug("reminder queued", logx.Time("at", at), logx.String("owner", req.Owner()))
	return req.Reply(ctx, confirmation(text, at, now, loc))
}

func quotaReply(maxTimers int) string {
	return fmt.Sprintf("You already have %d pending reminders, wait for one to fire first", maxTimers)
}

func confirmation(text string, at, now time.Time, loc *time.Location) string {
	return fmt.Sprintf("%q at %s (%s)", text, at.In(loc).Format(replyTimeLayout), timeUntil(now, at))
}

// timeUntil renders the gap between now and at, e.g. "10 minutes from now".
func timeUntil(now, at time.Time) string {
	return humanize.RelTime(at, now, "ago", "from now")
}

// Deliverer sends due reminders to their channel.
type Deliverer struct {
	servers *identity.Registry
	log     logx.Logger
}

func NewDeliverer(servers *identity.Registry, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{servers: servers, log: log}
}

// Install subscribes d to reminder events on bus.
func (d *Deliverer) Install(bus *eventbus.Bus) {
	eventbus.On(bus, EventName, d.deliver, eventbus.WithKey("remind.deliver"))
}

// deliver drops reminders whose channel no longer resolves or accepts
// messages. Send failures are returned so the dispatch policy applies.
func (d *Deliverer) deliver(ctx context.Context, _ *eventbus.Event, p Payload) error {
	server, ch, err := d.servers.ResolveChannel(ctx, p.ServerID, p.ChannelID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownServer) || errors.Is(err, transport.ErrUnknownChannel) {
			d.log.Debug("reminder dropped: channel gone",
				logx.String("server", p.ServerID), logx.String("channel", p.ChannelID))
			return nil
		}
		return err
	}
	if !ch.CanSend {
		d.log.Debug("reminder dropped: channel not writable",
			logx.String("server", p.ServerID), logx.String("channel", p.ChannelID))
		return nil
	}
	if _, err := server.SendText(ctx, p.ChannelID, deliveryPrefix+p.Reminder, nil); err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}
	return nil
}
