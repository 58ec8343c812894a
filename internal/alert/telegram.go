package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	logx "mangabell/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
}

// TelegramPort forwards alerts to one chat. The badge is a single message
// that is edited in place as the unread count changes.
type TelegramPort struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot

	mu        sync.Mutex
	badgeMsg  *tele.Message
	lastBadge int
}

func NewTelegramPort(cfg TelegramConfig, log logx.Logger) (*TelegramPort, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Send-only: no poller, and Offline skips the getMe call.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramPort{cfg: cfg, log: log.With(logx.String("sink", "telegram")), bot: b, lastBadge: -1}, nil
}

func (p *TelegramPort) sendOptions() *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              p.cfg.ThreadID,
	}
}

func (p *TelegramPort) PresentAlert(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := "<b>" + html.EscapeString(a.Title) + "</b>"
	if a.Body != "" {
		text += "\n" + html.EscapeString(a.Body)
	}
	if _, err := p.bot.Send(&tele.Chat{ID: p.cfg.ChatID}, text, p.sendOptions()); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (p *TelegramPort) SetBadgeCount(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.lastBadge {
		return nil
	}
	text := fmt.Sprintf("Unread notifications: <b>%d</b>", n)

	if p.badgeMsg != nil {
		_, err := p.bot.Edit(p.badgeMsg, text, p.sendOptions())
		if err == nil {
			p.lastBadge = n
			return nil
		}
		// The badge message may have been deleted; post a fresh one.
		p.log.Debug("badge edit failed, sending new message", logx.Err(err))
	}
	msg, err := p.bot.Send(&tele.Chat{ID: p.cfg.ChatID}, text, p.sendOptions())
	if err != nil {
		return fmt.Errorf("telegram badge: %w", err)
	}
	p.badgeMsg = msg
	p.lastBadge = n
	return nil
}
