package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Outbound event names.
const (
	EventSubscribeGeneral   = "subscribe-to-manga-updates"
	EventSubscribeSeries    = "subscribe-to-specific-manga"
	EventUnsubscribeSeries  = "unsubscribe-from-specific-manga"
	EventPing               = "ping"
	DefaultPath             = "/manga-notifications"
	CloseAuthRejected       = 4001
	CloseNormal             = 1000
	authTokenQueryParameter = "auth_token"
)

// Frame is one outbound message.
type Frame struct {
	Event string     `json:"event"`
	Data  *FrameData `json:"data,omitempty"`
}

type FrameData struct {
	MangaID string `json:"mangaId"`
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// SeriesID returns the series a (un)subscribe frame targets, or "".
func (f Frame) SeriesID() string {
	if f.Data == nil {
		return ""
	}
	return f.Data.MangaID
}

func SubscribeGeneral() Frame { return Frame{Event: EventSubscribeGeneral} }
func Ping() Frame             { return Frame{Event: EventPing} }

func SubscribeSeries(seriesID string) Frame {
	return Frame{Event: EventSubscribeSeries, Data: &FrameData{MangaID: seriesID}}
}

func UnsubscribeSeries(seriesID string) Frame {
	return Frame{Event: EventUnsubscribeSeries, Data: &FrameData{MangaID: seriesID}}
}

// SocketURL derives the socket endpoint from the API origin: the scheme is
// swapped to its WebSocket equivalent, path is appended and the credential is
// passed as the auth_token query parameter.
func SocketURL(baseURL, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("base url has no host")
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{authTokenQueryParameter: []string{token}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// RedactURL hides the credential for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(authTokenQueryParameter) {
		q.Set(authTokenQueryParameter, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
