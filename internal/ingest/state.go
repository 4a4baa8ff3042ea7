package ingest

// State is a lifecycle state of the ingestion loop.
type State int

// Lifecycle states. Transitions only move forward:
// AwaitingToken -> Running -> Draining -> Stopped. A shutdown while
// awaiting the token goes straight to Stopped.
const (
	StateStarting State = iota
	StateAwaitingToken
	StateRunning
	StateDraining
	StateStopped
)

var stateNames = [...]string{
	StateStarting:      "starting",
	StateAwaitingToken: "awaiting_token",
	StateRunning:       "running",
	StateDraining:      "draining",
	StateStopped:       "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
