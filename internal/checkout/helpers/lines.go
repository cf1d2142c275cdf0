package helpers

import (
	"fmt"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
)

// MaxLineQuantity bounds a single cart line, before and after merging, so
// quantities and line totals stay within integer columns.
const MaxLineQuantity = 10000

// Line is one requested product and quantity.
type Line struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"min=1,max=10000"`
}

// MergeLines folds repeated product ids into one line, keeping first-seen order.
func MergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart has no lines")
	}
	index := make(map[uuid.UUID]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for i, line := range lines {
		if line.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line %d: product id is required", i))
		}
		if line.Quantity < 1 || line.Quantity > MaxLineQuantity {
			return nil, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("line %d: quantity must be between 1 and %d", i, MaxLineQuantity))
		}
		if pos, ok := index[line.ProductID]; ok {
			if merged[pos].Quantity > MaxLineQuantity-line.Quantity {
				return nil, pkgerrors.New(pkgerrors.CodeValidation,
					fmt.Sprintf("product %s: combined quantity exceeds %d", line.ProductID, MaxLineQuantity)).
					WithDetails(map[string]any{"product_id": line.ProductID.String(), "max": MaxLineQuantity})
			}
			merged[pos].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// ProductIDs lists the ids in line order.
func ProductIDs(lines []Line) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}
