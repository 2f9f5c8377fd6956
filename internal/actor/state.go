package actor

// State is the lifecycle of a supervised actor.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateFailed
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
