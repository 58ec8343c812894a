package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the notification server over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout > 0 arms a read deadline per message: a connection that
	// stays silent longer than this counts as an abnormal close.
	ReadTimeout time.Duration
	Header      http.Header
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: handshake status=%d", ErrAuthRejected, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial: status=%d err=%w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &wsConn{c: c, writeTimeout: wt, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	connLock  sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	if w.readTimeout > 0 {
		_ = w.c.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	_, b, err := w.c.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return b, nil
}

func (w *wsConn) WriteMessage(b []byte) error {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		w.connLock.Lock()
		_ = w.c.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		w.connLock.Unlock()
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}
