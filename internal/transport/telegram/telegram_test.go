package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"dashbot/internal/transport"
)

func TestChannelIDRoundTrip(t *testing.T) {
	assert.Equal(t, "-100123", formatChannelID(-100123, 0))
	assert.Equal(t, "-100123/7", formatChannelID(-100123, 7))

	chat, thread, err := parseChannelID("-100123/7")
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), chat)
	assert.Equal(t, 7, thread)

	for _, bad := range []string{"", "abc", "1/", "1/x", "1/0"} {
		_, _, err := parseChannelID(bad)
		assert.ErrorIs(t, err, transport.ErrUnknownChannel, bad)
	}
}

func TestToMessage(t *testing.T) {
	m := &tele.Message{
		ID:       42,
		Text:     "/remind in 5m tea",
		ThreadID: 3,
		Chat:     &tele.Chat{ID: -55, Type: tele.ChatSuperGroup, Title: "Ops"},
		Sender:   &tele.User{ID: 9, FirstName: "Sam", LastName: "Lee"},
	}
	got := toMessage("tg", m)
	assert.Equal(t, transport.Message{
		ID: "42", ServerID: "tg", ChannelID: "-55/3", FromID: "9", FromName: "Sam Lee",
		Text: "/remind in 5m tea", IsGroup: true,
	}, got)
	assert.Equal(t, "Ops", chatTitle(m.Chat))
	assert.Equal(t, "@sam", chatTitle(&tele.Chat{Username: "sam"}))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	noBreak := strings.Repeat("x", 25)
	parts := splitText(noBreak, 10)
	require.Len(t, parts, 3)
	assert.Equal(t, noBreak, strings.Join(parts, ""))
}
