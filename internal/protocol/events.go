// Package protocol is the wire boundary of the manga notification socket.
//
// Inbound JSON frames are decoded once, here, into a closed set of typed
// events. Nothing past this package looks at raw "event"/"type" strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrMalformed = errors.New("protocol: malformed frame")

// Kind discriminates decoded inbound events.
type Kind string

const (
	KindNewSeries  Kind = "new_manga"
	KindNewChapter Kind = "new_chapter"
	KindBroadcast  Kind = "general"
	KindPong       Kind = "pong"
	KindUnknown    Kind = "unknown"
)

// Event is implemented by every decoded inbound frame.
type Event interface {
	Kind() Kind
}

// NewSeries announces a series that was just published.
type NewSeries struct {
	ID          string
	Timestamp   time.Time
	Message     string
	SeriesID    string
	SeriesTitle string
	SeriesSlug  string
	CoverImage  string
}

// NewChapter announces a chapter of an existing series.
type NewChapter struct {
	ID            string
	Timestamp     time.Time
	Message       string
	SeriesID      string
	SeriesTitle   string
	SeriesSlug    string
	ChapterNumber float64
	ChapterTitle  string
	ChapterID     string
	CoverImage    string
}

// Broadcast is a general announcement; it is alerted but never logged.
type Broadcast struct {
	ID      string
	Message string
}

// Pong answers a heartbeat ping.
type Pong struct{}

// Unknown carries the discriminator of a frame this client doesn't handle yet.
type Unknown struct {
	Name string
}

func (NewSeries) Kind() Kind  { return KindNewSeries }
func (NewChapter) Kind() Kind { return KindNewChapter }
func (Broadcast) Kind() Kind  { return KindBroadcast }
func (Pong) Kind() Kind       { return KindPong }
func (Unknown) Kind() Kind    { return KindUnknown }

type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// payload is the union of every inbound field. Fields may sit at the top
// level or under "data"; Decode picks whichever is present.
type payload struct {
	ID            flexString `json:"id"`
	Timestamp     string     `json:"timestamp"`
	Message       string     `json:"message"`
	MangaID       flexString `json:"mangaId"`
	MangaTitle    string     `json:"mangaTitle"`
	MangaSlug     string     `json:"mangaSlug"`
	ChapterNumber flexNumber `json:"chapterNumber"`
	ChapterTitle  string     `json:"chapterTitle"`
	ChapterID     flexString `json:"chapterId"`
	CoverImage    string     `json:"coverImage"`
}

// Decode parses one inbound frame. A frame that is not a JSON object yields
// ErrMalformed; an unrecognized discriminator yields Unknown (no error).
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	name := strings.TrimSpace(env.Event)
	if name == "" {
		name = strings.TrimSpace(env.Type)
	}

	body := raw
	if d := bytes.TrimSpace(env.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		body = d
	}

	switch name {
	case "new-manga", "new_manga":
		p, err := decodePayload(body)
		if err != nil {
			return nil, err
		}
		return NewSeries{
			ID:          string(p.ID),
			Timestamp:   parseTimestamp(p.Timestamp),
			Message:     p.Message,
			SeriesID:    string(p.MangaID),
			SeriesTitle: p.MangaTitle,
			SeriesSlug:  p.MangaSlug,
			CoverImage:  p.CoverImage,
		}, nil
	case "new-chapter", "new_chapter":
		p, err := decodePayload(body)
		if err != nil {
			return nil, err
		}
		return NewChapter{
			ID:            string(p.ID),
			Timestamp:     parseTimestamp(p.Timestamp),
			Message:       p.Message,
			SeriesID:      string(p.MangaID),
			SeriesTitle:   p.MangaTitle,
			SeriesSlug:    p.MangaSlug,
			ChapterNumber: float64(p.ChapterNumber),
			ChapterTitle:  p.ChapterTitle,
			ChapterID:     string(p.ChapterID),
			CoverImage:    p.CoverImage,
		}, nil
	case "manga-notification", "manga_notification":
		p, err := decodePayload(body)
		if err != nil {
			return nil, err
		}
		return Broadcast{ID: string(p.ID), Message: p.Message}, nil
	case "pong":
		return Pong{}, nil
	default:
		return Unknown{Name: name}, nil
	}
}

func decodePayload(b []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
// A missing or unparseable value yields the zero time; the inbox stamps
// those with the receive time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// flexString accepts either a JSON string or a JSON number (server ids are
// sometimes numeric).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexNumber accepts a JSON number or a numeric string ("12.5").
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := json.Number(s).Float64()
		if err != nil {
			return err
		}
		*f = flexNumber(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}
