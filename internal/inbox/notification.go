package inbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mangabell/internal/alert"
	"mangabell/internal/protocol"
)

type Kind string

const (
	KindNewSeries  Kind = "new_manga"
	KindNewChapter Kind = "new_chapter"
)

// Notification is one entry of the persisted log. The JSON shape is the
// on-disk format of the notification log key.
type Notification struct {
	Kind          Kind      `json:"type"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	SeriesID      string    `json:"mangaId"`
	SeriesTitle   string    `json:"mangaTitle"`
	SeriesSlug    string    `json:"mangaSlug"`
	ChapterNumber float64   `json:"chapterNumber,omitempty"`
	ChapterTitle  string    `json:"chapterTitle,omitempty"`
	ChapterID     string    `json:"chapterId,omitempty"`
	CoverImage    string    `json:"coverImage,omitempty"`
}

// FromEvent converts a decoded socket event. Only new-series and
// new-chapter events belong in the log.
func FromEvent(ev protocol.Event) (Notification, bool) {
	switch e := ev.(type) {
	case protocol.NewSeries:
		return Notification{
			Kind:        KindNewSeries,
			ID:          e.ID,
			Timestamp:   e.Timestamp,
			Message:     e.Message,
			SeriesID:    e.SeriesID,
			SeriesTitle: e.SeriesTitle,
			SeriesSlug:  e.SeriesSlug,
			CoverImage:  e.CoverImage,
		}, true
	case protocol.NewChapter:
		return Notification{
			Kind:          KindNewChapter,
			ID:            e.ID,
			Timestamp:     e.Timestamp,
			Message:       e.Message,
			SeriesID:      e.SeriesID,
			SeriesTitle:   e.SeriesTitle,
			SeriesSlug:    e.SeriesSlug,
			ChapterNumber: e.ChapterNumber,
			ChapterTitle:  e.ChapterTitle,
			ChapterID:     e.ChapterID,
			CoverImage:    e.CoverImage,
		}, true
	default:
		return Notification{}, false
	}
}

// Alert builds the device alert for n.
func (n Notification) Alert() alert.Alert {
	switch n.Kind {
	case KindNewChapter:
		body := n.Message
		if body == "" {
			body = "Chapter " + formatChapter(n.ChapterNumber) + " is out"
		}
		return alert.Alert{
			Title: "New chapter: " + n.SeriesTitle,
			Body:  body,
			Data: map[string]any{
				alert.DataType:           string(KindNewChapter),
				alert.DataMangaID:        n.SeriesID,
				alert.DataMangaSlug:      n.SeriesSlug,
				alert.DataChapterID:      n.ChapterID,
				alert.DataChapterNumber:  n.ChapterNumber,
				alert.DataNotificationID: n.ID,
			},
		}
	default:
		body := n.Message
		if body == "" && n.SeriesTitle != "" {
			body = n.SeriesTitle + " is now available"
		}
		return alert.Alert{
			Title: "New manga available",
			Body:  body,
			Data: map[string]any{
				alert.DataType:           string(KindNewSeries),
				alert.DataMangaID:        n.SeriesID,
				alert.DataMangaSlug:      n.SeriesSlug,
				alert.DataNotificationID: n.ID,
			},
		}
	}
}

// BroadcastAlert builds the alert for a general announcement. Broadcasts are
// never added to the log.
func BroadcastAlert(b protocol.Broadcast) alert.Alert {
	body := strings.TrimSpace(b.Message)
	if body == "" {
		body = "There is a new manga update"
	}
	return alert.Alert{
		Title: "New manga update",
		Body:  body,
		Data: map[string]any{
			alert.DataType:           "general",
			alert.DataNotificationID: b.ID,
		},
	}
}

func formatChapter(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// String is used by the CLI listing.
func (n Notification) String() string {
	switch n.Kind {
	case KindNewChapter:
		return fmt.Sprintf("%s ch.%s %s", n.SeriesTitle, formatChapter(n.ChapterNumber), n.ChapterTitle)
	default:
		return n.SeriesTitle + " (new series)"
	}
}

// merge prepends n to list (newest arrival first) unless its id is already
// there, then truncates the tail to limit. Merges of distinct ids commute up
// to arrival order.
func merge(list []Notification, n Notification, limit int) ([]Notification, bool) {
	for _, cur := range list {
		if cur.ID == n.ID {
			return list, false
		}
	}
	out := make([]Notification, 0, len(list)+1)
	out = append(out, n)
	out = append(out, list...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

// normalize cleans a log read from disk: entries without an id and repeated
// ids are dropped and the size limit applied. The stored order is kept.
func normalize(list []Notification, limit int) []Notification {
	seen := make(map[string]struct{}, len(list))
	out := make([]Notification, 0, len(list))
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
