// Package telegram exposes a Telegram bot as a transport.ChatServer.
//
// Channel ids are "<chatID>" or "<chatID>/<threadID>" for forum topics.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "dashbot/internal/runtime/supervisor"
	"dashbot/internal/transport"
	logx "dashbot/pkg/logx"
)

const (
	DefaultServerID = "telegram"
	textLimit       = 4000
)

type Config struct {
	Token       string
	ServerID    string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Update
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	seenMu sync.RWMutex
	seen   map[string]transport.Channel
}

var _ transport.ChatServer = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		cfg.ServerID = DefaultServerID
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, seen: map[string]transport.Channel{}}
	var none chan<- transport.Update
	a.out.Store(none)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) ID() string { return a.cfg.ServerID }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := toMessage(a.cfg.ServerID, m)
	a.remember(transport.Channel{ID: msg.ChannelID, Name: chatTitle(m.Chat), CanSend: true})

	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return nil
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: &msg}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Adapter) remember(ch transport.Channel) {
	a.seenMu.Lock()
	a.seen[ch.ID] = ch
	a.seenMu.Unlock()
}

// Connect starts long polling and forwards text messages to out. Calling it
// while connected does nothing.
func (a *Adapter) Connect(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(out)
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup = sup

	sup.Go0("telegram.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart0("telegram.poll", func(c context.Context) {
		a.log.Info("polling started", logx.String("server", a.cfg.ServerID))
		a.bot.Start()
		a.log.Info("polling stopped")
	}, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithRestartOnCleanExit())
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Disconnect stops polling. Shutdown never waits more than two seconds for
// the pending long poll.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	var none chan<- transport.Update
	a.out.Store(none)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// Channels returns the chats the bot has seen messages from since start.
func (a *Adapter) Channels(ctx context.Context) ([]transport.Channel, error) {
	a.seenMu.RLock()
	out := make([]transport.Channel, 0, len(a.seen))
	for _, ch := range a.seen {
		out = append(out, ch)
	}
	a.seenMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Adapter) Channel(ctx context.Context, channelID string) (transport.Channel, error) {
	chatID, _, err := parseChannelID(channelID)
	if err != nil {
		return transport.Channel{}, err
	}
	a.seenMu.RLock()
	ch, ok := a.seen[channelID]
	a.seenMu.RUnlock()
	if ok {
		return ch, nil
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return transport.Channel{}, lookupErr(err)
	}
	ch = transport.Channel{ID: channelID, Name: chatTitle(chat), CanSend: true}
	a.remember(ch)
	return ch, nil
}

func (a *Adapter) Identity(ctx context.Context, userID string) (transport.Identity, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("telegram user id %q: %w", userID, err)
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return transport.Identity{}, lookupErr(err)
	}
	return transport.Identity{ID: userID, Name: chatTitle(chat)}, nil
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, channelID, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chatID, threadID, err := parseChannelID(channelID)
	if err != nil {
		return transport.MessageRef{}, err
	}
	chat := &tele.Chat{ID: chatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              threadID,
		})
		if err != nil {
			return first, lookupErr(err)
		}
		if i == 0 {
			first = transport.MessageRef{ServerID: a.cfg.ServerID, ChannelID: channelID, MessageID: strconv.Itoa(msg.ID)}
		}
	}
	return first, nil
}

func lookupErr(err error) error {
	if errors.Is(err, tele.ErrChatNotFound) {
		return fmt.Errorf("%w: %v", transport.ErrUnknownChannel, err)
	}
	return err
}

func toMessage(serverID string, m *tele.Message) transport.Message {
	msg := transport.Message{
		ID:        strconv.Itoa(m.ID),
		ServerID:  serverID,
		ChannelID: formatChannelID(m.Chat.ID, m.ThreadID),
		Text:      m.Text,
		IsGroup:   m.Chat.Type != tele.ChatPrivate,
	}
	if m.Sender != nil {
		msg.FromID = strconv.FormatInt(m.Sender.ID, 10)
		msg.FromName = m.Sender.Username
		if msg.FromName == "" {
			msg.FromName = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		}
	}
	return msg
}

func chatTitle(c *tele.Chat) string {
	switch {
	case c == nil:
		return ""
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	default:
		return strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
}

func formatChannelID(chatID int64, threadID int) string {
	if threadID > 0 {
		return strconv.FormatInt(chatID, 10) + "/" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

func parseChannelID(id string) (chatID int64, threadID int, err error) {
	chatPart, threadPart, hasThread := strings.Cut(strings.TrimSpace(id), "/")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", transport.ErrUnknownChannel, id)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("%w: %q", transport.ErrUnknownChannel, id)
		}
	}
	return chatID, threadID, nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks at least a third of the limit long.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
