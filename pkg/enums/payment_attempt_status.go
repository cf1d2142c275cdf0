package enums

import "fmt"

// PaymentAttemptStatus mirrors the gateway intent lifecycle we care about.
type PaymentAttemptStatus string

const (
	PaymentAttemptRequiresPayment PaymentAttemptStatus = "requires_payment"
	PaymentAttemptSucceeded       PaymentAttemptStatus = "succeeded"
	PaymentAttemptFailed          PaymentAttemptStatus = "failed"
	PaymentAttemptCanceled        PaymentAttemptStatus = "canceled"
)

var validPaymentAttemptStatuses = []PaymentAttemptStatus{
	PaymentAttemptRequiresPayment,
	PaymentAttemptSucceeded,
	PaymentAttemptFailed,
	PaymentAttemptCanceled,
}

func (p PaymentAttemptStatus) String() string {
	return string(p)
}

func (p PaymentAttemptStatus) IsValid() bool {
	for _, candidate := range validPaymentAttemptStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

func ParsePaymentAttemptStatus(value string) (PaymentAttemptStatus, error) {
	for _, candidate := range validPaymentAttemptStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment attempt status %q", value)
}
