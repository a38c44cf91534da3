package pools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/database"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

func TestCreditCreatesAndAccumulates(t *testing.T) {
	r := NewRegistry(database.NewTestDB(t), nil)
	ctx := context.Background()

	for _, amt := range []int64{25, 40} {
		err := r.db.Transaction(func(tx *gorm.DB) error {
			_, err := r.Credit(tx, models.PoolGamecard, "game-1", amt)
			return err
		})
		require.NoError(t, err)
	}

	pool, err := r.Pool(ctx, models.PoolGamecard, "game-1")
	require.NoError(t, err)
	assert.Equal(t, int64(65), pool.EarnedValue)
	assert.Equal(t, int64(2), pool.InteractionCount)
	assert.Zero(t, pool.BaseValue)

	_, err = r.Pool(ctx, models.PoolPalette, "game-1")
	assert.ErrorIs(t, err, apperrors.NotFound)
}

func TestCreditRejectsMissingID(t *testing.T) {
	r := NewRegistry(database.NewTestDB(t), nil)
	err := r.db.Transaction(func(tx *gorm.DB) error {
		_, err := r.Credit(tx, models.PoolOpening, "", 10)
		return err
	})
	assert.ErrorIs(t, err, apperrors.Validation)
}

func TestConcurrentCreditsDoNotLoseUpdates(t *testing.T) {
	r := NewRegistry(database.NewTestDB(t), nil)
	var wg sync.WaitGroup
	n := 40
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.db.Transaction(func(tx *gorm.DB) error {
				_, err := r.Credit(tx, models.PoolCompany, CompanyPoolID, 3)
				return err
			})
			if err != nil {
				t.Errorf("credit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	pool, err := r.Pool(context.Background(), models.PoolCompany, CompanyPoolID)
	require.NoError(t, err)
	assert.Equal(t, int64(3*n), pool.EarnedValue)
	assert.Equal(t, int64(n), pool.InteractionCount)

	list, err := r.Pools(context.Background(), models.PoolCompany)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
