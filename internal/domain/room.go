package domain

type (
	RoomID       string
	ConnectionID string
)

type ConnectionStatus string

const (
	StatusAvailable ConnectionStatus = "available"
	StatusInCall    ConnectionStatus = "in-call"
)

// Connection is the server-side record of one live signaling connection.
type Connection struct {
	ID            ConnectionID
	User          *User
	Room          RoomID
	Status        ConnectionStatus
	CallState     string
	CallID        string
	InteractionID string
}

// UserID falls back to the connection id when the connection never registered.
func (c Connection) UserID() string {
	if c.User != nil && c.User.UserID != "" {
		return c.User.UserID
	}
	return string(c.ID)
}

// InRoom reports whether the connection currently occupies a room.
func (c Connection) InRoom() bool { return c.Room != "" }
