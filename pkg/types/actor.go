package types

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// Actor identifies who caused a state change.
type Actor struct {
	Type enums.ActorType `json:"type"`
	ID   *uuid.UUID      `json:"id,omitempty"`
}

func SystemActor() Actor {
	return Actor{Type: enums.ActorSystem}
}

func GatewayActor() Actor {
	return Actor{Type: enums.ActorGateway}
}

func TimeoutActor() Actor {
	return Actor{Type: enums.ActorTimeout}
}

func AdminActor(id uuid.UUID) Actor {
	return Actor{Type: enums.ActorAdmin, ID: &id}
}

// CustomerActor returns a customer actor; guests have no id.
func CustomerActor(id *uuid.UUID) Actor {
	return Actor{Type: enums.ActorCustomer, ID: id}
}

// IDString renders the id or "" for anonymous actors.
func (a Actor) IDString() string {
	if a.ID == nil {
		return ""
	}
	return a.ID.String()
}
