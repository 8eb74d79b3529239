package oracle

// SessionState tracks the lifecycle of one hasher instance and its
// challenge context. A hasher ready for challenge A cannot answer
// batches meant for challenge B without reinitialization.
type SessionState int

const (
	NotStarted SessionState = iota
	Starting
	Ready
	Crashed
)

func (s SessionState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Session is the supervisor's view of the hasher's expensive internal
// context. At most one challenge context is active per instance.
type Session struct {
	State       SessionState
	ChallengeID string
}

// Pure transition helpers. The supervisor applies them under its lock so
// every observable state is a valid one.

func (s Session) starting() Session {
	return Session{State: Starting}
}

func (s Session) ready(challengeID string) Session {
	return Session{State: Ready, ChallengeID: challengeID}
}

func (s Session) crashed() Session {
	return Session{State: Crashed}
}

func (s Session) stopped() Session {
	return Session{State: NotStarted}
}

// readyFor reports whether the active context matches the given
// challenge.
func (s Session) readyFor(challengeID string) bool {
	return s.State == Ready && s.ChallengeID == challengeID
}
