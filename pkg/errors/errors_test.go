package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
		{code: CodeInvalidCart, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeOutOfStock, status: http.StatusConflict, detailsOK: true},
		{code: CodeIllegalTransition, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeInsufficientStock, status: http.StatusConflict, detailsOK: true},
		{code: CodeStorageConflict, status: http.StatusConflict, retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestIsCodeSeesThroughStdWrapping(t *testing.T) {
	base := IllegalTransition(TransitionRejection{
		OrderID:         "o-1",
		CurrentStatus:   "delivered",
		RequestedStatus: "processing",
		Actor:           "admin",
	})
	wrapped := fmt.Errorf("admin update: %w", base)

	if !IsCode(wrapped, CodeIllegalTransition) {
		t.Fatalf("expected wrapped error to carry %s", CodeIllegalTransition)
	}
	if IsCode(wrapped, CodeInsufficientStock) {
		t.Fatal("unexpected code match")
	}

	details, ok := As(wrapped).Details().(TransitionRejection)
	if !ok {
		t.Fatalf("expected TransitionRejection details, got %T", As(wrapped).Details())
	}
	if details.CurrentStatus != "delivered" || details.RequestedStatus != "processing" {
		t.Fatalf("unexpected rejection details %+v", details)
	}
}

func TestStorageConflictKeepsCause(t *testing.T) {
	cause := stdErrors.New("version mismatch")
	err := StorageConflict(cause, "order changed")

	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if !MetadataFor(err.Code()).Retryable {
		t.Fatal("storage conflicts must be retryable")
	}
}

func TestInsufficientStockMessage(t *testing.T) {
	err := InsufficientStock(StockShortage{OrderID: "o-9", ProductID: "p-1", Requested: 3, Available: 1})
	want := "INSUFFICIENT_STOCK: product p-1 has 1 available, order o-9 needs 3"
	if err.Error() != want {
		t.Fatalf("expected %q got %q", want, err.Error())
	}
}

func TestAsReturnsNilForPlainErrors(t *testing.T) {
	if As(stdErrors.New("plain")) != nil {
		t.Fatal("expected nil for untyped errors")
	}
	if As(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
