package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressValueScanKeepsSnapshot(t *testing.T) {
	line2 := "Suite 4"
	addr := Address{
		Name:       "Dana Ruiz",
		Line1:      "12 Harbor Rd",
		Line2:      &line2,
		City:       "Portland",
		State:      "OR",
		PostalCode: "97201",
		Country:    "US",
	}

	value, err := addr.Value()
	require.NoError(t, err)

	var decoded Address
	require.NoError(t, decoded.Scan([]byte(value.(string))))
	assert.Equal(t, addr, decoded)
}

func TestAddressValueRequiresLine1(t *testing.T) {
	_, err := Address{City: "Portland"}.Value()
	require.Error(t, err)
}

func TestAddressScanRejectsUnknownType(t *testing.T) {
	var a Address
	require.Error(t, a.Scan(42))
	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())
}

func TestAddressNormalized(t *testing.T) {
	got := Address{Line1: " 1 Main ", City: " Austin ", PostalCode: " 78701 ", Country: " us "}.Normalized()
	assert.Equal(t, "1 Main", got.Line1)
	assert.Equal(t, "US", got.Country)

	assert.Equal(t, "US", Address{Line1: "x"}.Normalized().Country)
}
