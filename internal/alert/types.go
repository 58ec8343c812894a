// Package alert delivers device-level alerts and the unread badge.
//
// Port is the external capability (OS notification tray, a chat bot, the
// log). Dispatcher sits in front of a Port: an async queue with a single
// worker, a token-bucket rate limit and retry with jittered exponential
// backoff. Callers never block on delivery.
package alert

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert dispatcher stopped")
)

// Alert data keys. Values are what the host needs to resolve a deep link
// when the user acts on the alert.
const (
	DataType           = "type"
	DataNotificationID = "notificationId"
	DataMangaID        = "mangaId"
	DataMangaSlug      = "mangaSlug"
	DataChapterID      = "chapterId"
	DataChapterNumber  = "chapterNumber"
)

type Alert struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Port is implemented by whatever actually shows alerts.
type Port interface {
	PresentAlert(ctx context.Context, a Alert) error
	SetBadgeCount(ctx context.Context, n int) error
}

type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Delivery is published on the dispatcher's bus after every final outcome.
type Delivery struct {
	Kind     string    `json:"kind"` // "alert" | "badge"
	Title    string    `json:"title,omitempty"`
	Badge    int       `json:"badge,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

func (d Delivery) OK() bool { return d.Error == "" }
