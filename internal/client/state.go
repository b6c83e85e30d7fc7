package client

// State is the lifecycle state of a tracker session connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// transitions lists the allowed state changes.
//
//	disconnected -> connecting    Register
//	connecting   -> connecting    self-check fired, registration re-issued
//	connecting   -> connected     registerClient acknowledged
//	connected    -> connecting    transport closed, reconnect scheduled
//	connected    -> connecting    Register called again
//	*            -> disconnected  Unregister
var transitions = map[State]map[State]bool{
	Disconnected: {Connecting: true, Disconnected: true},
	Connecting:   {Connecting: true, Connected: true, Disconnected: true},
	Connected:    {Connecting: true, Disconnected: true},
}

func canTransition(from, to State) bool {
	return transitions[from][to]
}
