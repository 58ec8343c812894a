package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	StopLogout     StopReason = "logout"
)

// closeReason is the human text sent in the websocket close frame.
func (r StopReason) closeReason() string {
	switch r {
	case StopLogout:
		return "User logged out"
	case StopSIGINT, StopSIGTERM:
		return "Client shutting down"
	default:
		return "Component unmounting"
	}
}
