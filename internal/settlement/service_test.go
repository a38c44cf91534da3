package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/database"
	"github.com/visionmarket/ledger/internal/distribution"
	"github.com/visionmarket/ledger/internal/pools"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/transfer"
	"github.com/visionmarket/ledger/internal/wallet"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

type SettlementTestSuite struct {
	suite.Suite
	db      *gorm.DB
	wallets *wallet.Store
	assets  *registry.Store
	pools   *pools.Registry
	svc     *Service
	ctx     context.Context
	now     time.Time
}

func (s *SettlementTestSuite) SetupTest() {
	log := zaptest.NewLogger(s.T())
	s.db = database.NewTestDB(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

	s.wallets = wallet.NewStore(s.db, log)
	s.assets = registry.NewStore(s.db, log)
	s.pools = pools.NewRegistry(s.db, log)
	engine := distribution.NewEngine(s.pools, log)

	svc, err := NewService(s.db, s.wallets, s.assets, transfer.NewLimiter(3, 24*time.Hour, log), engine, nil,
		Config{FeeRate: DefaultFeeRate, Table: distribution.MarketplaceTable()}, log)
	s.Require().NoError(err)
	svc.now = func() time.Time { return s.now }
	s.svc = svc
}

func (s *SettlementTestSuite) fund(user uuid.UUID, amount int64) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		_, err := s.wallets.Credit(tx, user, amount, wallet.Entry{Type: models.EntryDeposit})
		return err
	})
	s.Require().NoError(err)
}

func (s *SettlementTestSuite) balance(user uuid.UUID) int64 {
	w, err := s.wallets.Get(s.ctx, user)
	if apperrors.Is(err, apperrors.NotFound) {
		return 0
	}
	s.Require().NoError(err)
	return w.Balance
}

func (s *SettlementTestSuite) listedAsset(seller uuid.UUID, price int64) (*models.Asset, *models.Listing) {
	asset, err := s.assets.Create(s.ctx, registry.NewAsset{OwnerID: seller, GameID: "g1", PaletteID: "p1", OpeningID: "o1"})
	s.Require().NoError(err)
	listing, err := s.svc.CreateListing(s.ctx, seller, asset.ID, price)
	s.Require().NoError(err)
	return asset, listing
}

func (s *SettlementTestSuite) TestPurchaseSplitsFeeAcrossPools() {
	buyer, seller := uuid.New(), uuid.New()
	s.fund(buyer, 5000)
	asset, listing := s.listedAsset(seller, 2000)

	receipt, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: buyer, BuyerID: buyer, ListingID: listing.ID})
	s.Require().NoError(err)
	s.Equal(int64(100), receipt.Fee)
	s.Equal(int64(1900), receipt.SellerProceeds)
	s.Equal(receipt.Price, receipt.Fee+receipt.SellerProceeds)

	s.Equal(int64(3000), s.balance(buyer))
	s.Equal(int64(1900), s.balance(seller))

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
	var total int64
	for cat, want := range expect {
		pool, err := s.pools.Pool(s.ctx, cat, want.id)
		s.Require().NoError(err)
		s.Equal(want.amount, pool.EarnedValue, "category %s", cat)
		total += pool.EarnedValue
	}
	s.Equal(receipt.Fee, total)

	got, err := s.assets.Get(s.ctx, asset.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.OwnerID)
	s.Equal(buyer, *got.OwnerID)

	sold, err := s.svc.GetListing(s.ctx, listing.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingSold, sold.Status)
	s.Require().NotNil(sold.BuyerID)
	s.Equal(buyer, *sold.BuyerID)

	sw, err := s.wallets.Get(s.ctx, seller)
	s.Require().NoError(err)
	s.Equal(int64(1900), sw.TotalEarned)
	bw, err := s.wallets.Get(s.ctx, buyer)
	s.Require().NoError(err)
	s.Equal(int64(2000), bw.TotalSpent)

	entries, _, err := s.wallets.Entries(s.ctx, seller, 10, 0)
	s.Require().NoError(err)
	var feeEntries int
	for _, e := range entries {
		if e.Type == models.EntryPlatformFee {
			feeEntries++
			s.Zero(e.SignedAmount)
			s.Equal(int64(100), e.FeeAmount)
		}
	}
	s.Equal(1, feeEntries)

	for _, user := range []uuid.UUID{buyer, seller} {
		rec, err := s.wallets.Reconcile(s.ctx, user)
		s.Require().NoError(err)
		s.True(rec.Consistent())
	}
}

func (s *SettlementTestSuite) TestSelfPurchaseRejectedWithoutMutation() {
	seller := uuid.New()
	s.fund(seller, 5000)
	_, listing := s.listedAsset(seller, 2000)

	_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: seller, BuyerID: seller, ListingID: listing.ID})
	s.ErrorIs(err, apperrors.Authorization)
	s.Equal(int64(5000), s.balance(seller))

	_, count, err := s.wallets.Entries(s.ctx, seller, 10, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *SettlementTestSuite) TestCallerMustBeBuyer() {
	buyer, seller, other := uuid.New(), uuid.New(), uuid.New()
	s.fund(buyer, 5000)
	_, listing := s.listedAsset(seller, 2000)

	_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: other, BuyerID: buyer, ListingID: listing.ID})
	s.ErrorIs(err, apperrors.Authorization)
	s.Equal(int64(5000), s.balance(buyer))
}

func (s *SettlementTestSuite) TestReplayAgainstSoldListingMutatesNothing() {
	buyer, seller := uuid.New(), uuid.New()
	s.fund(buyer, 5000)
	_, listing := s.listedAsset(seller, 2000)
	req := PurchaseRequest{CallerID: buyer, BuyerID: buyer, ListingID: listing.ID}

	_, err := s.svc.Purchase(s.ctx, req)
	s.Require().NoError(err)
	company, err := s.pools.Pool(s.ctx, models.PoolCompany, pools.CompanyPoolID)
	s.Require().NoError(err)

	_, err = s.svc.Purchase(s.ctx, req)
	s.ErrorIs(err, apperrors.StateConflict)

	s.Equal(int64(3000), s.balance(buyer))
	s.Equal(int64(1900), s.balance(seller))
	again, err := s.pools.Pool(s.ctx, models.PoolCompany, pools.CompanyPoolID)
	s.Require().NoError(err)
	s.Equal(company.EarnedValue, again.EarnedValue)
}

func (s *SettlementTestSuite) TestInsufficientFunds() {
	buyer, seller := uuid.New(), uuid.New()
	s.fund(buyer, 1999)
	_, listing := s.listedAsset(seller, 2000)

	_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: buyer, BuyerID: buyer, ListingID: listing.ID})
	s.ErrorIs(err, apperrors.InsufficientFunds)

	broke := uuid.New()
	_, err = s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: broke, BuyerID: broke, ListingID: listing.ID})
	s.ErrorIs(err, apperrors.InsufficientFunds)

	l, err := s.svc.GetListing(s.ctx, listing.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingActive, l.Status)
}

func (s *SettlementTestSuite) TestConcurrentPurchasesExactlyOneWins() {
	seller := uuid.New()
	_, listing := s.listedAsset(seller, 2000)
	buyers := make([]uuid.UUID, 8)
	for i := range buyers {
		buyers[i] = uuid.New()
		s.fund(buyers[i], 5000)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, b := range buyers {
		wg.Add(1)
		go func(buyer uuid.UUID) {
			defer wg.Done()
			_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: buyer, BuyerID: buyer, ListingID: listing.ID})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !apperrors.Is(err, apperrors.StateConflict) {
				s.T().Errorf("unexpected error: %v", err)
			}
		}(b)
	}
	wg.Wait()

	s.Equal(1, wins)
	var total int64
	for _, b := range buyers {
		total += s.balance(b)
	}
	s.Equal(int64(8*5000-2000), total)
	s.Equal(int64(1900), s.balance(seller))
}

func (s *SettlementTestSuite) TestTransferRateLimitAcrossSales() {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	for _, u := range []uuid.UUID{a, b, c} {
		s.fund(u, 10000)
	}
	asset, listing := s.listedAsset(a, 1000)

	chain := []uuid.UUID{b, c, a}
	for _, next := range chain {
		_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: next, BuyerID: next, ListingID: listing.ID})
		s.Require().NoError(err)
		s.now = s.now.Add(time.Hour)
		listing, err = s.svc.CreateListing(s.ctx, next, asset.ID, 1000)
		s.Require().NoError(err)
	}

	_, err := s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: b, BuyerID: b, ListingID: listing.ID})
	s.ErrorIs(err, apperrors.RateLimit)

	s.now = s.now.Add(22 * time.Hour)
	_, err = s.svc.Purchase(s.ctx, PurchaseRequest{CallerID: b, BuyerID: b, ListingID: listing.ID})
	s.NoError(err)
}

func (s *SettlementTestSuite) TestListingLifecycle() {
	seller, stranger := uuid.New(), uuid.New()
	asset, listing := s.listedAsset(seller, 500)

	_, err := s.svc.CreateListing(s.ctx, seller, asset.ID, 700)
	s.ErrorIs(err, apperrors.StateConflict)

	_, err = s.svc.CreateListing(s.ctx, stranger, asset.ID, 700)
	s.ErrorIs(err, apperrors.Authorization)

	_, err = s.svc.CreateListing(s.ctx, seller, asset.ID, 0)
	s.ErrorIs(err, apperrors.Validation)

	_, err = s.svc.CancelListing(s.ctx, stranger, listing.ID)
	s.ErrorIs(err, apperrors.Authorization)

	cancelled, err := s.svc.CancelListing(s.ctx, seller, listing.ID)
	s.Require().NoError(err)
	s.Equal(models.ListingCancelled, cancelled.Status)

	_, err = s.svc.CancelListing(s.ctx, seller, listing.ID)
	s.ErrorIs(err, apperrors.StateConflict)

	relisted, err := s.svc.CreateListing(s.ctx, seller, asset.ID, 700)
	s.Require().NoError(err)

	active, err := s.svc.ActiveListings(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(relisted.ID, active[0].ID)

	_, err = s.svc.GetListing(s.ctx, uuid.New())
	s.ErrorIs(err, apperrors.NotFound)
}

func TestSettlementTestSuite(t *testing.T) {
	suite.Run(t, new(SettlementTestSuite))
}

func TestFeeRounding(t *testing.T) {
	cases := map[int64]int64{2000: 100, 1: 0, 10: 1, 30: 2, 29: 1, 50: 3}
	for price, want := range cases {
		fee := Fee(price, DefaultFeeRate)
		assert.Equal(t, want, fee, "price %d", price)
		assert.Equal(t, price, fee+(price-fee))
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	bad := distribution.MarketplaceTable()
	bad.RemainderBucket = models.PoolCreatorRoyalty
	_, err := NewService(nil, nil, nil, nil, nil, nil, Config{FeeRate: DefaultFeeRate, Table: bad}, nil)
	require.Error(t, err)
}
