// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxAgentIDLen   = 36
	MaxExtensionLen = 16
)

var (
	ErrAgentIDEmpty     = errors.New("agent id empty")
	ErrAgentIDTooLong   = errors.New("agent id too long")
	ErrExtensionEmpty   = errors.New("extension empty")
	ErrExtensionTooLong = errors.New("extension too long")
)

type RegistrationStatus int

const (
	RegistrationUnknown RegistrationStatus = iota
	Registered
	NotRegistered
)

func (s RegistrationStatus) String() string {
	switch s {
	case Registered:
		return "registered"
	case NotRegistered:
		return "not-registered"
	default:
		return "unknown"
	}
}

// TrunkCredentials authenticate the agent against the trunk registrar.
type TrunkCredentials struct {
	Username    string `json:"username"`
	Password    string `json:"-"`
	DisplayName string `json:"displayName,omitempty"`
}

// User is the agent logged in on a client, or the profile a connection registered with.
type User struct {
	UserID       string             `json:"userId"`
	AgentID      string             `json:"agentId"`
	Extension    string             `json:"extension"`
	Trunk        *TrunkCredentials  `json:"-"`
	Registration RegistrationStatus `json:"-"`
}

// NewUser validates the login fields. Trunk credentials are kept only when both
// username and password are present.
func NewUser(agentID, extension, sipUser, sipPassword string) (*User, error) {
	agentID = strings.TrimSpace(agentID)
	extension = strings.TrimSpace(extension)
	switch {
	case agentID == "":
		return nil, ErrAgentIDEmpty
	case len(agentID) > MaxAgentIDLen:
		return nil, ErrAgentIDTooLong
	case extension == "":
		return nil, ErrExtensionEmpty
	case len(extension) > MaxExtensionLen:
		return nil, ErrExtensionTooLong
	}
	u := &User{UserID: agentID, AgentID: agentID, Extension: extension}
	sipUser = strings.TrimSpace(sipUser)
	sipPassword = strings.TrimSpace(sipPassword)
	if sipUser != "" && sipPassword != "" {
		u.Trunk = &TrunkCredentials{Username: sipUser, Password: sipPassword, DisplayName: agentID}
	}
	return u, nil
}

func (u *User) HasTrunkCredentials() bool {
	return u != nil && u.Trunk != nil
}
