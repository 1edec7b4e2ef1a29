// Package telegram adapts the messaging endpoint behind a closed outcome
// set, so callers never inspect transport error text.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"fleetbot/pkg/logx"
)

// Outcome classifies one send attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeUnreachable // bot removed/blocked; recipient should be deactivated
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "other"
	}
}

// Sender delivers one rendered message to one recipient chat.
type Sender interface {
	Send(ctx context.Context, recipientID int64, text string) (Outcome, error)
}

type Config struct {
	Token       string
	SendTimeout time.Duration // per-send HTTP timeout; default 10s
}

// Bot is the production Sender on telebot.
type Bot struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{bot: b, log: log}, nil
}

func (b *Bot) Send(ctx context.Context, recipientID int64, text string) (Outcome, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return OutcomeOther, ctx.Err()
		default:
		}
	}

	chat := &tele.Chat{ID: recipientID}
	_, err := b.bot.Send(chat, text, &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err == nil {
		return OutcomeOK, nil
	}
	return classify(err), err
}

func classify(err error) Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return OutcomeRateLimited
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser):
		return OutcomeUnreachable
	default:
		return OutcomeOther
	}
}
