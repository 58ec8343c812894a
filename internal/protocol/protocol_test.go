package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeNewChapterNested(t *testing.T) {
	raw := `{"event":"new_chapter","data":{"id":"n1","timestamp":"2024-03-01T10:00:00.000Z","message":"Chapter 12 is out","mangaId":"S1","mangaTitle":"Foo","mangaSlug":"foo","chapterNumber":12.5,"chapterTitle":"Return","chapterId":"c1"}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ch, ok := ev.(NewChapter)
	if !ok {
		t.Fatalf("expected NewChapter, got %T", ev)
	}
	if ch.ID != "n1" || ch.ChapterID != "c1" || ch.SeriesID != "S1" || ch.SeriesSlug != "foo" {
		t.Fatalf("unexpected fields: %+v", ch)
	}
	if ch.ChapterNumber != 12.5 {
		t.Fatalf("chapter number = %v", ch.ChapterNumber)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !ch.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ch.Timestamp, want)
	}
}

func TestDecodeTypeFieldAndTopLevelPayload(t *testing.T) {
	raw := `{"type":"new-manga","id":42,"mangaId":7,"mangaTitle":"Bar","mangaSlug":"bar","message":"new!"}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ns, ok := ev.(NewSeries)
	if !ok {
		t.Fatalf("expected NewSeries, got %T", ev)
	}
	if ns.ID != "42" || ns.SeriesID != "7" || ns.SeriesTitle != "Bar" {
		t.Fatalf("unexpected fields: %+v", ns)
	}
	if !ns.Timestamp.IsZero() {
		t.Fatalf("missing timestamp should decode to zero, got %v", ns.Timestamp)
	}
}

func TestDecodeEventWinsOverType(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"pong","type":"new_manga"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind() != KindPong {
		t.Fatalf("kind = %s, want pong", ev.Kind())
	}
}

func TestDecodeBroadcastAndUnknown(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"manga-notification","data":{"id":"b1","message":"maintenance tonight"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if b, ok := ev.(Broadcast); !ok || b.ID != "b1" || b.Message != "maintenance tonight" {
		t.Fatalf("unexpected broadcast: %#v", ev)
	}

	ev, err = Decode([]byte(`{"event":"reading-streak","data":{"days":3}}`))
	if err != nil {
		t.Fatalf("unknown events are not errors: %v", err)
	}
	if u, ok := ev.(Unknown); !ok || u.Name != "reading-streak" {
		t.Fatalf("unexpected unknown: %#v", ev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`{not json`, `[1,2]`, `{"event":"new_chapter","data":{"chapterNumber":"twelve"}}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestChapterNumberAsString(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"new_chapter","data":{"id":"n2","chapterNumber":"7"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.(NewChapter).ChapterNumber != 7 {
		t.Fatalf("chapter number = %v", ev.(NewChapter).ChapterNumber)
	}
}

func TestFrames(t *testing.T) {
	cases := []struct {
		f    Frame
		want string
	}{
		{SubscribeGeneral(), `{"event":"subscribe-to-manga-updates"}`},
		{SubscribeSeries("S1"), `{"event":"subscribe-to-specific-manga","data":{"mangaId":"S1"}}`},
		{UnsubscribeSeries("S1"), `{"event":"unsubscribe-from-specific-manga","data":{"mangaId":"S1"}}`},
		{Ping(), `{"event":"ping"}`},
	}
	for _, c := range cases {
		b, err := c.f.Encode()
		if err != nil {
			t.Fatalf("encode %s: %v", c.f.Event, err)
		}
		if string(b) != c.want {
			t.Fatalf("encode %s = %s, want %s", c.f.Event, b, c.want)
		}
	}
	if SubscribeSeries("S9").SeriesID() != "S9" || Ping().SeriesID() != "" {
		t.Fatalf("SeriesID accessor mismatch")
	}
}

func TestSocketURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://api.example.com", "", "ws://api.example.com/manga-notifications?auth_token=t%2Bk%3D"},
		{"https://api.example.com/v1/", "/manga-notifications", "wss://api.example.com/v1/manga-notifications?auth_token=t%2Bk%3D"},
		{"https://api.example.com", "events", "wss://api.example.com/events?auth_token=t%2Bk%3D"},
	}
	for _, c := range cases {
		got, err := SocketURL(c.base, c.path, "t+k=")
		if err != nil {
			t.Fatalf("%s: %v", c.base, err)
		}
		if got != c.want {
			t.Fatalf("SocketURL(%q, %q) = %s, want %s", c.base, c.path, got, c.want)
		}
	}
	if _, err := SocketURL("ftp://api.example.com", "", "x"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := SocketURL("https://", "", "x"); err == nil {
		t.Fatalf("expected host error")
	}
}

func TestRedactURL(t *testing.T) {
	u, _ := SocketURL("https://api.example.com", "", "secret-token")
	red := RedactURL(u)
	if strings.Contains(red, "secret-token") {
		t.Fatalf("token leaked: %s", red)
	}
	if !strings.Contains(red, "auth_token=REDACTED") {
		t.Fatalf("unexpected redaction: %s", red)
	}
}
