package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
)

func TestFindByIDsIncludesSoftDeleted(t *testing.T) {
	client := dbtest.New(t)
	conn := client.DB()
	live := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 1000, Stock: 5})
	gone := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 500, Stock: 1})
	require.NoError(t, conn.Delete(&models.Product{}, "id = ?", gone.ID).Error)

	repo := NewRepository(conn)
	found, err := repo.FindByIDs(context.Background(), []uuid.UUID{live.ID, gone.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.False(t, found[live.ID].DeletedAt.Valid)
	require.True(t, found[gone.ID].DeletedAt.Valid)
	require.False(t, found[gone.ID].IsPurchasable())
}

func TestFindByIDNotFound(t *testing.T) {
	client := dbtest.New(t)

	_, err := NewRepository(client.DB()).FindByID(context.Background(), uuid.New())
	require.True(t, db.IsNotFound(err))
}

func TestFindByIDsEmptyInput(t *testing.T) {
	client := dbtest.New(t)

	found, err := NewRepository(client.DB()).FindByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, found)
}
