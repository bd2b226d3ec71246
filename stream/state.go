package stream

// State is the lifecycle state of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failing
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failing:
		return "failing"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Status is a point-in-time view of the connection for diagnostics.
type Status struct {
	State      string `json:"state"`
	Symbols    int    `json:"symbols"`
	Reconnects int64  `json:"reconnects"`
}
