package conn

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("conn: not connected")
	ErrAuthRejected = errors.New("conn: authentication rejected")
	ErrDestroyed    = errors.New("conn: manager destroyed")
)

// State is the lifecycle of the single logical connection.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Condition explains why the connection is not (or was not) usable.
type Condition string

const (
	CondNone            Condition = ""
	CondNotConnected    Condition = "not_connected"
	CondReconnecting    Condition = "reconnecting"
	CondReconnectFailed Condition = "reconnect_failed"
	CondAuthRejected    Condition = "auth_rejected"
	CondClosedByServer  Condition = "closed_by_server"
	CondNoCredential    Condition = "no_credential"
)

// Terminal conditions need a manual Reconnect.
func (c Condition) Terminal() bool {
	switch c {
	case CondReconnectFailed, CondAuthRejected, CondClosedByServer, CondNoCredential:
		return true
	}
	return false
}

// Status is the observable connection state. Hosts render Error directly.
type Status struct {
	State       State         `json:"state"`
	Connected   bool          `json:"connected"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	Condition   Condition     `json:"condition,omitempty"`
	Error       string        `json:"error,omitempty"`
	ChangedAt   time.Time     `json:"changed_at"`
}

func describe(c Condition, attempt, max int) string {
	switch c {
	case CondNone:
		return ""
	case CondNotConnected:
		return "not connected"
	case CondReconnecting:
		return fmt.Sprintf("disconnected, retrying %d/%d", attempt, max)
	case CondReconnectFailed:
		return "reconnection failed"
	case CondAuthRejected:
		return "authentication rejected"
	case CondClosedByServer:
		return "connection closed by server"
	case CondNoCredential:
		return "no valid credential"
	default:
		return string(c)
	}
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}
