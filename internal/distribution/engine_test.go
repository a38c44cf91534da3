package distribution

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/config"
	"github.com/visionmarket/ledger/internal/database"
	"github.com/visionmarket/ledger/internal/pools"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

func sum(m map[models.PoolCategory]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func TestAllocateNeverLeaks(t *testing.T) {
	for _, table := range []RatioTable{MarketplaceTable(), ProductTable()} {
		for amount := int64(0); amount <= 1000; amount++ {
			shares, err := Allocate(amount, table)
			require.NoError(t, err)
			if sum(shares) != amount {
				t.Fatalf("%s: allocations of %d sum to %d", table.Name, amount, sum(shares))
			}
		}
	}
}

func TestAllocateRemainderGoesToDesignatedBucket(t *testing.T) {
	shares, err := Allocate(7, MarketplaceTable())
	require.NoError(t, err)
	assert.Equal(t, int64(4), shares[models.PoolCompany])
	assert.Equal(t, int64(1), shares[models.PoolGamecard])
	assert.Equal(t, int64(1), shares[models.PoolPalette])
	assert.Equal(t, int64(1), shares[models.PoolOpening])
	assert.Equal(t, int64(0), shares[models.PoolPlatformOps])
}

func TestValidateRejectsBadTables(t *testing.T) {
	bad := MarketplaceTable()
	bad.Shares[models.PoolCompany] = decimal.NewFromInt(20)
	assert.ErrorIs(t, bad.Validate(), apperrors.Validation)

	noRemainder := ProductTable()
	noRemainder.RemainderBucket = models.PoolCompany
	assert.ErrorIs(t, noRemainder.Validate(), apperrors.Validation)

	_, err := Allocate(-1, MarketplaceTable())
	assert.ErrorIs(t, err, apperrors.Validation)
}

func TestTablesFromDefaultConfig(t *testing.T) {
	tables, err := TablesFromConfig(config.Default().Distribution.Tables)
	require.NoError(t, err)
	require.Contains(t, tables, "marketplace")
	require.Contains(t, tables, "product")

	shares, err := Allocate(100, tables["marketplace"])
	require.NoError(t, err)
	want, err := Allocate(100, MarketplaceTable())
	require.NoError(t, err)
	assert.Equal(t, want, shares)
	assert.Equal(t, models.PoolGamecard, tables["product"].RemainderBucket)
}

func TestDistributeMarketplaceFee(t *testing.T) {
	db := database.NewTestDB(t)
	registry := pools.NewRegistry(db, nil)
	engine := NewEngine(registry, nil)
	attr := models.Attribution{GameID: "g1", PaletteID: "p1", OpeningID: "o1", CreatorID: uuid.New()}

	err := db.Transaction(func(tx *gorm.DB) error {
		allocs, err := engine.Distribute(tx, 100, attr, MarketplaceTable())
		require.Len(t, allocs, 5)
		return err
	})
	require.NoError(t, err)

	ctx := context.Background()
	expect := map[models.PoolCategory]struct {
		id     string
		amount int64
	}{
		models.PoolCompany:     {pools.CompanyPoolID, 25},
		models.PoolGamecard:    {"g1", 25},
		models.PoolPalette:     {"p1", 25},
		models.PoolOpening:     {"o1", 15},
		models.PoolPlatformOps: {pools.PlatformOpsPoolID, 10},
	}
	for cat, want := range expect {
		pool, err := registry.Pool(ctx, cat, want.id)
		require.NoError(t, err)
		assert.Equal(t, want.amount, pool.EarnedValue, "category %s", cat)
		assert.Equal(t, int64(1), pool.InteractionCount)
	}
}

func TestDistributeFoldsMissingAttribution(t *testing.T) {
	db := database.NewTestDB(t)
	registry := pools.NewRegistry(db, nil)
	engine := NewEngine(registry, nil)

	var allocs []Allocation
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		allocs, err = engine.Distribute(tx, 100, models.Attribution{GameID: "g1"}, MarketplaceTable())
		return err
	})
	require.NoError(t, err)

	var total int64
	for _, a := range allocs {
		total += a.Amount
	}
	assert.Equal(t, int64(100), total)

	company, err := registry.Pool(context.Background(), models.PoolCompany, pools.CompanyPoolID)
	require.NoError(t, err)
	assert.Equal(t, int64(65), company.EarnedValue)

	_, err = registry.Pool(context.Background(), models.PoolPalette, "")
	assert.ErrorIs(t, err, apperrors.NotFound)
}

func TestDistributeProductTableWithoutGame(t *testing.T) {
	db := database.NewTestDB(t)
	registry := pools.NewRegistry(db, nil)
	engine := NewEngine(registry, nil)
	creator := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := engine.Distribute(tx, 200, models.Attribution{PaletteID: "p9", CreatorID: creator}, ProductTable())
		return err
	})
	require.NoError(t, err)

	ctx := context.Background()
	palette, err := registry.Pool(ctx, models.PoolPalette, "p9")
	require.NoError(t, err)
	assert.Equal(t, int64(70), palette.EarnedValue)

	royalty, err := registry.Pool(ctx, models.PoolCreatorRoyalty, creator.String())
	require.NoError(t, err)
	assert.Equal(t, int64(10), royalty.EarnedValue)

	// gamecard 80 + opening 40 have no pool ids and land in the company pool
	company, err := registry.Pool(ctx, models.PoolCompany, pools.CompanyPoolID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), company.EarnedValue)
}
