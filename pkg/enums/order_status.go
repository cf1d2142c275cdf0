package enums

import "fmt"

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// OrderStatuses lists every status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return append([]OrderStatus(nil), validOrderStatuses...)
}

// orderTransitions lists, per source status, the reachable targets and the
// actors allowed to request each of them.
var orderTransitions = map[OrderStatus]map[OrderStatus][]ActorType{
	OrderStatusPending: {
		OrderStatusProcessing: {ActorGateway},
		OrderStatusCancelled:  {ActorCustomer, ActorTimeout, ActorAdmin},
	},
	OrderStatusProcessing: {
		OrderStatusShipped:   {ActorAdmin},
		OrderStatusDelivered: {ActorAdmin},
		OrderStatusCancelled: {ActorAdmin},
	},
	OrderStatusShipped: {
		OrderStatusDelivered: {ActorAdmin},
	},
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave this status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition reports whether actor may move an order from s to next.
func (s OrderStatus) CanTransition(next OrderStatus, actor ActorType) bool {
	targets, ok := orderTransitions[s]
	if !ok {
		return false
	}
	actors, ok := targets[next]
	if !ok {
		return false
	}
	for _, allowed := range actors {
		if allowed == actor {
			return true
		}
	}
	return false
}

// NextStatuses returns the targets reachable from s by any actor.
func (s OrderStatus) NextStatuses() []OrderStatus {
	out := make([]OrderStatus, 0, len(orderTransitions[s]))
	for _, candidate := range validOrderStatuses {
		if _, ok := orderTransitions[s][candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
