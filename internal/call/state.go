// Package call drives one agent's call through its lifecycle, independent of
// whether media goes peer to peer or through the SIP trunk.
package call

type State int

const (
	Idle State = iota
	Calling
	Incoming
	Connected
	OnHold
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	case OnHold:
		return "on-hold"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether a session in this state still owns a transport.
func (s State) Live() bool {
	return s != Idle && s != Ended
}

// Established is true once media flows, held or not.
func (s State) Established() bool {
	return s == Connected || s == OnHold
}
