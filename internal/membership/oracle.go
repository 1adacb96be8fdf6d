// Package membership answers whether a user belongs to a Telegram chat.
package membership

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// Result is the tri-state answer of a membership check.
type Result int

const (
	// CheckFailed means the answer is unknown. Callers must deny.
	CheckFailed Result = iota
	Member
	NotMember
)

func (r Result) String() string {
	switch r {
	case Member:
		return "member"
	case NotMember:
		return "not_member"
	}
	return "check_failed"
}

// Oracle checks membership of userID in group.
type Oracle interface {
	Check(userID, group string) Result
}

type chatMembers interface {
	ChatMemberOf(chat, user tele.Recipient) (*tele.ChatMember, error)
}

// recipient addresses a chat by "@username" or a user by numeric id.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// Telegram asks the Bot API through getChatMember.
type Telegram struct {
	bot chatMembers
	log *zap.Logger
}

// NewTelegram creates an oracle for botToken. The bot never polls.
func NewTelegram(botToken string, log *zap.Logger) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   botToken,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{bot: bot, log: log}, nil
}

func (t *Telegram) Check(userID, group string) Result {
	if t == nil || t.bot == nil || group == "" {
		return CheckFailed
	}
	m, err := t.bot.ChatMemberOf(recipient(group), recipient(userID))
	if err != nil {
		if t.log != nil {
			t.log.Warn("membership check failed",
				zap.String("user_id", userID), zap.String("group", group), zap.Error(err))
		}
		return CheckFailed
	}
	return classify(m)
}

func classify(m *tele.ChatMember) Result {
	if m == nil {
		return CheckFailed
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return Member
	case tele.Restricted:
		if m.Member {
			return Member
		}
		return NotMember
	case tele.Left, tele.Kicked:
		return NotMember
	}
	return CheckFailed
}

// Static is a fixed membership table.
type Static map[string]Result

func (s Static) Check(userID, _ string) Result {
	if r, ok := s[userID]; ok {
		return r
	}
	return CheckFailed
}
