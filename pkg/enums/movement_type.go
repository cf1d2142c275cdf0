package enums

import "fmt"

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementSale       MovementType = "sale"
	MovementRestock    MovementType = "restock"
	MovementAdjustment MovementType = "adjustment"
	MovementReturn     MovementType = "return"
	MovementDamaged    MovementType = "damaged"
	MovementLost       MovementType = "lost"
)

var validMovementTypes = []MovementType{
	MovementSale,
	MovementRestock,
	MovementAdjustment,
	MovementReturn,
	MovementDamaged,
	MovementLost,
}

// String implements fmt.Stringer.
func (m MovementType) String() string {
	return string(m)
}

// IsValid reports whether the value is a known MovementType.
func (m MovementType) IsValid() bool {
	for _, candidate := range validMovementTypes {
		if candidate == m {
			return true
		}
	}
	return false
}

// IsManual reports whether an admin may record this movement type directly.
// Sale movements are reserved for payment confirmation.
func (m MovementType) IsManual() bool {
	return m.IsValid() && m != MovementSale
}

// AcceptsDelta enforces the sign convention for each movement type.
func (m MovementType) AcceptsDelta(delta int) bool {
	switch m {
	case MovementRestock, MovementReturn:
		return delta > 0
	case MovementSale, MovementDamaged, MovementLost:
		return delta < 0
	case MovementAdjustment:
		return delta != 0
	default:
		return false
	}
}

// ParseMovementType converts raw input into a MovementType.
func ParseMovementType(value string) (MovementType, error) {
	for _, candidate := range validMovementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid movement type %q", value)
}
