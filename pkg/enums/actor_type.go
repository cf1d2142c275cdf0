package enums

import "fmt"

// ActorType identifies who triggered a transition or a stock movement.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorCustomer ActorType = "customer"
	ActorAdmin    ActorType = "admin"
	ActorGateway  ActorType = "gateway"
	ActorTimeout  ActorType = "timeout"
)

var validActorTypes = []ActorType{
	ActorSystem,
	ActorCustomer,
	ActorAdmin,
	ActorGateway,
	ActorTimeout,
}

func (a ActorType) String() string {
	return string(a)
}

func (a ActorType) IsValid() bool {
	for _, candidate := range validActorTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

func ParseActorType(value string) (ActorType, error) {
	for _, candidate := range validActorTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor type %q", value)
}
