package errors

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestDumpExtractsPgxFields(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "orders_order_number_key",
		TableName:      "orders",
		Message:        "duplicate key value violates unique constraint",
	}
	err := Wrap(CodeConflict, fmt.Errorf("insert order: %w", pgErr), "create order")

	d := Dump(err)
	if d.Code != CodeConflict {
		t.Fatalf("expected code %s got %s", CodeConflict, d.Code)
	}
	if d.PGCode != "23505" || d.PGConstraint != "orders_order_number_key" || d.PGTable != "orders" {
		t.Fatalf("unexpected pg fields %+v", d)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d: %v", len(d.Chain), d.Chain)
	}
}

func TestSQLStateReadsBothDrivers(t *testing.T) {
	if got := SQLState(&pgconn.PgError{Code: "40001"}); got != "40001" {
		t.Fatalf("expected 40001 from pgx, got %q", got)
	}
	if got := SQLState(fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"})); got != "40P01" {
		t.Fatalf("expected 40P01 from pq, got %q", got)
	}
	if got := SQLState(fmt.Errorf("plain")); got != "" {
		t.Fatalf("expected empty state, got %q", got)
	}
}
