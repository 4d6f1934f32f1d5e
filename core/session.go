package core

// SessionState is the lifecycle state of the settlement network session
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionAwaitingChallenge
	SessionAuthenticating
	SessionAuthenticated
)

var sessionStateNames = map[SessionState]string{
	SessionDisconnected:      "disconnected",
	SessionConnecting:        "connecting",
	SessionAwaitingChallenge: "awaiting_challenge",
	SessionAuthenticating:    "authenticating",
	SessionAuthenticated:     "authenticated",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}
