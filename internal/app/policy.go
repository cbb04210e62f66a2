package app

import (
	"errors"

	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/domain"
)

type DeliveryAction int

const (
	DropMessage DeliveryAction = iota
	Disconnect
)

// Policy decides what happens to a recipient whose queue refused a frame.
// The sender is never told either way.
type Policy interface {
	OnDeliveryFailure(to domain.ConnectionID, err error) DeliveryAction
}

// SimplePolicy drops the frame and keeps the recipient.
type SimplePolicy struct{}

func (SimplePolicy) OnDeliveryFailure(domain.ConnectionID, error) DeliveryAction {
	return DropMessage
}

// StrictPolicy disconnects recipients that cannot keep up.
type StrictPolicy struct{}

func (StrictPolicy) OnDeliveryFailure(_ domain.ConnectionID, err error) DeliveryAction {
	if errors.Is(err, core.ErrBackpressure) {
		return Disconnect
	}
	return DropMessage
}

// PolicyByName maps the slow_consumer config value to a Policy.
func PolicyByName(name string) Policy {
	if name == "disconnect" {
		return StrictPolicy{}
	}
	return SimplePolicy{}
}
