package errors

import "fmt"

// CartLineProblem describes one rejected cart line.
type CartLineProblem struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// StockShortage describes the quantity gap for one product.
type StockShortage struct {
	OrderID   string `json:"order_id,omitempty"`
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// TransitionRejection is attached to ILLEGAL_TRANSITION errors.
type TransitionRejection struct {
	OrderID         string `json:"order_id"`
	CurrentStatus   string `json:"current_status"`
	RequestedStatus string `json:"requested_status"`
	Actor           string `json:"actor"`
}

func InvalidCart(problems []CartLineProblem) *Error {
	return New(CodeInvalidCart, fmt.Sprintf("%d cart line(s) reference unavailable products", len(problems))).
		WithDetails(map[string]any{"lines": problems})
}

func OutOfStockAtCreation(shortages []StockShortage) *Error {
	return New(CodeOutOfStock, fmt.Sprintf("%d cart line(s) exceed available stock", len(shortages))).
		WithDetails(map[string]any{"lines": shortages})
}

func IllegalTransition(rejection TransitionRejection) *Error {
	msg := fmt.Sprintf("order %s cannot move from %s to %s as %s",
		rejection.OrderID, rejection.CurrentStatus, rejection.RequestedStatus, rejection.Actor)
	return New(CodeIllegalTransition, msg).WithDetails(rejection)
}

func InsufficientStock(shortage StockShortage) *Error {
	msg := fmt.Sprintf("product %s has %d available, order %s needs %d",
		shortage.ProductID, shortage.Available, shortage.OrderID, shortage.Requested)
	return New(CodeInsufficientStock, msg).WithDetails(shortage)
}

func ReconciliationConflict(intentID, reason string) *Error {
	return New(CodeReconciliationConflict, fmt.Sprintf("intent %s: %s", intentID, reason)).
		WithDetails(map[string]string{"intent_id": intentID, "reason": reason})
}

func StorageConflict(err error, message string) *Error {
	return Wrap(CodeStorageConflict, err, message)
}
