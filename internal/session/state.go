package session

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateActive
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateUnauthenticated: {StateAuthenticated, StateEnded},
	StateAuthenticated:   {StateActive, StateEnded},
	StateActive:          {StateReconnecting, StateEnded},
	StateReconnecting:    {StateActive, StateEnded},
}

// CanTransition reports whether from -> to is a legal move. ENDED is terminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// End reasons recorded on sessions and call logs.
const (
	ReasonClientEnd        = "client_end"
	ReasonDisconnected     = "disconnected"
	ReasonReconnectLimit   = "reconnect_limit"
	ReasonReconnectExpired = "reconnect_expired"
	ReasonAudioIdle        = "audio_idle"
	ReasonServerShutdown   = "server_shutdown"
	ReasonAdminEnd         = "admin_end"
)
