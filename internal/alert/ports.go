package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "mangabell/pkg/logx"
)

// SinkConfig selects and configures the Port behind the dispatcher.
type SinkConfig struct {
	Sink     string // log | telegram | none
	Telegram TelegramConfig
}

// NewPort builds the configured sink. "none" returns a Port that drops
// everything.
func NewPort(cfg SinkConfig, log logx.Logger) (Port, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "", "log":
		return NewLogPort(log), nil
	case "telegram":
		return NewTelegramPort(cfg.Telegram, log)
	case "none", "off":
		return NopPort{}, nil
	default:
		return nil, fmt.Errorf("unknown alert sink %q", cfg.Sink)
	}
}

type NopPort struct{}

func (NopPort) PresentAlert(context.Context, Alert) error { return nil }
func (NopPort) SetBadgeCount(context.Context, int) error  { return nil }

// LogPort writes alerts to the structured log. It is the default sink for
// headless runs.
type LogPort struct {
	log logx.Logger

	mu    sync.Mutex
	badge int
}

func NewLogPort(log logx.Logger) *LogPort {
	return &LogPort{log: log.With(logx.String("sink", "log"))}
}

func (p *LogPort) PresentAlert(_ context.Context, a Alert) error {
	fields := []logx.Field{logx.String("title", a.Title), logx.String("body", a.Body)}
	for _, k := range []string{DataType, DataNotificationID, DataMangaID, DataChapterID} {
		if v, ok := a.Data[k]; ok {
			fields = append(fields, logx.Any(k, v))
		}
	}
	p.log.Info("alert", fields...)
	return nil
}

func (p *LogPort) SetBadgeCount(_ context.Context, n int) error {
	p.mu.Lock()
	changed := p.badge != n
	p.badge = n
	p.mu.Unlock()
	if changed {
		p.log.Info("badge", logx.Int("unread", n))
	}
	return nil
}

func (p *LogPort) Badge() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badge
}
