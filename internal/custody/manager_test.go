package custody

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
	"github.com/visionmarket/ledger/internal/notification"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/transfer"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
	"github.com/visionmarket/ledger/pkg/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordingNotifier) NotifyBestEffort(_ context.Context, alert notification.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingNotifier) types() []notification.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.AlertType, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Type
	}
	return out
}

type CustodyTestSuite struct {
	suite.Suite
	db       *gorm.DB
	assets   *registry.Store
	notifier *recordingNotifier
	mgr      *Manager
	ctx      context.Context
	now      time.Time
}

func (s *CustodyTestSuite) SetupTest() {
	log := zaptest.NewLogger(s.T())
	s.db = database.NewTestDB(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	s.assets = registry.NewStore(s.db, log)
	s.notifier = &recordingNotifier{}
	s.mgr = NewManager(s.db, s.assets, transfer.NewLimiter(3, 24*time.Hour, log), s.notifier, 7, log)
	s.mgr.now = func() time.Time { return s.now }
}

func (s *CustodyTestSuite) asset(owner uuid.UUID) *models.Asset {
	a, err := s.assets.Create(s.ctx, registry.NewAsset{OwnerID: owner, GameID: "g"})
	s.Require().NoError(err)
	return a
}

func (s *CustodyTestSuite) TestRepeatedLapseDoesNotExtendGrace() {
	user := uuid.New()

	st, err := s.mgr.HandleEvent(s.ctx, user, EventCancelled)
	s.Require().NoError(err)
	s.Require().NotNil(st.GracePeriodEnd)
	firstEnd := *st.GracePeriodEnd
	s.Equal(s.now.Add(7*24*time.Hour), firstEnd)
	s.Equal(models.SubscriptionGracePeriod, st.SubscriptionStatus)

	s.now = s.now.Add(3 * 24 * time.Hour)
	st, err = s.mgr.HandleEvent(s.ctx, user, EventCancelled)
	s.Require().NoError(err)
	s.Require().NotNil(st.GracePeriodEnd)
	s.True(firstEnd.Equal(*st.GracePeriodEnd))

	stored, err := s.mgr.State(s.ctx, user)
	s.Require().NoError(err)
	s.True(firstEnd.Equal(*stored.GracePeriodEnd))
	s.Equal([]notification.AlertType{notification.AlertGracePeriodStarted}, s.notifier.types())
}

func (s *CustodyTestSuite) TestRenewalClearsGrace() {
	user := uuid.New()

	_, err := s.mgr.HandleEvent(s.ctx, user, EventRenewed)
	s.Require().NoError(err)
	s.Equal([]notification.AlertType{notification.AlertSubscriptionRenewed}, s.notifier.types())

	_, err = s.mgr.HandleEvent(s.ctx, user, EventPastDue)
	s.Require().NoError(err)
	st, err := s.mgr.HandleEvent(s.ctx, user, EventActive)
	s.Require().NoError(err)
	s.Nil(st.GracePeriodEnd)
	s.Equal(models.SubscriptionActive, st.SubscriptionStatus)
	s.Equal([]notification.AlertType{
		notification.AlertSubscriptionRenewed,
		notification.AlertGracePeriodStarted,
		notification.AlertSubscriptionRenewed,
	}, s.notifier.types())

	_, err = s.mgr.HandleEvent(s.ctx, user, EventKind("refunded"))
	s.ErrorIs(err, apperrors.Validation)
}

func (s *CustodyTestSuite) TestRenewalAfterGraceEndReleasesFirst() {
	user := uuid.New()
	a := s.asset(user)

	_, err := s.mgr.HandleEvent(s.ctx, user, EventCancelled)
	s.Require().NoError(err)

	// renewal arrives after the grace period but before any sweep
	s.now = s.now.Add(8 * 24 * time.Hour)
	st, err := s.mgr.HandleEvent(s.ctx, user, EventRenewed)
	s.Require().NoError(err)
	s.Equal(models.SubscriptionActive, st.SubscriptionStatus)
	s.Nil(st.GracePeriodEnd)

	got, err := s.assets.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.Orphaned())
	s.Equal([]notification.AlertType{
		notification.AlertGracePeriodStarted,
		notification.AlertAssetsReleased,
		notification.AlertSubscriptionRenewed,
	}, s.notifier.types())

	n, err := s.mgr.CheckExpiry(s.ctx, user)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *CustodyTestSuite) TestLapseAfterGraceEndDoesNotRestartGrace() {
	user := uuid.New()
	s.asset(user)

	_, err := s.mgr.HandleEvent(s.ctx, user, EventPastDue)
	s.Require().NoError(err)

	s.now = s.now.Add(8 * 24 * time.Hour)
	st, err := s.mgr.HandleEvent(s.ctx, user, EventUnpaid)
	s.Require().NoError(err)
	s.Equal(models.SubscriptionReleased, st.SubscriptionStatus)
	s.Nil(st.GracePeriodEnd)
}

func (s *CustodyTestSuite) TestExpiryReleasesAssetsAndCancelsListings() {
	user, other := uuid.New(), uuid.New()
	a1, a2 := s.asset(user), s.asset(user)
	keep := s.asset(other)

	now := s.now
	listing := &models.Listing{ID: uuid.New(), AssetID: a1.ID, SellerID: user, Price: 900, Status: models.ListingActive, CreatedAt: now, UpdatedAt: now}
	s.Require().NoError(s.db.Create(listing).Error)

	_, err := s.mgr.HandleEvent(s.ctx, user, EventUnpaid)
	s.Require().NoError(err)

	n, err := s.mgr.CheckExpiry(s.ctx, user)
	s.Require().NoError(err)
	s.Zero(n)

	s.now = s.now.Add(7*24*time.Hour + time.Second)
	n, err = s.mgr.CheckExpiry(s.ctx, user)
	s.Require().NoError(err)
	s.Equal(2, n)

	for _, id := range []uuid.UUID{a1.ID, a2.ID} {
		a, err := s.assets.Get(s.ctx, id)
		s.Require().NoError(err)
		s.True(a.Orphaned())
	}
	k, err := s.assets.Get(s.ctx, keep.ID)
	s.Require().NoError(err)
	s.False(k.Orphaned())

	var l models.Listing
	s.Require().NoError(s.db.First(&l, "id = ?", listing.ID).Error)
	s.Equal(models.ListingCancelled, l.Status)

	var releases int64
	s.Require().NoError(s.db.Model(&models.TransferRecord{}).Where("type = ?", models.TransferRelease).Count(&releases).Error)
	s.Equal(int64(2), releases)

	st, err := s.mgr.State(s.ctx, user)
	s.Require().NoError(err)
	s.Equal(models.SubscriptionReleased, st.SubscriptionStatus)
	s.Nil(st.GracePeriodEnd)
	s.Contains(s.notifier.types(), notification.AlertAssetsReleased)

	n, err = s.mgr.CheckExpiry(s.ctx, user)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *CustodyTestSuite) TestSweepReleasesOnlyExpiredUsers() {
	expired, fresh := uuid.New(), uuid.New()
	s.asset(expired)
	s.asset(fresh)

	_, err := s.mgr.HandleEvent(s.ctx, expired, EventCancelled)
	s.Require().NoError(err)
	s.now = s.now.Add(5 * 24 * time.Hour)
	_, err = s.mgr.HandleEvent(s.ctx, fresh, EventCancelled)
	s.Require().NoError(err)

	s.now = s.now.Add(3 * 24 * time.Hour)
	res, err := s.mgr.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(SweepResult{Users: 1, Released: 1}, res)

	st, err := s.mgr.State(s.ctx, fresh)
	s.Require().NoError(err)
	s.Equal(models.SubscriptionGracePeriod, st.SubscriptionStatus)
}

func (s *CustodyTestSuite) TestReclaimRules() {
	creator, stranger := uuid.New(), uuid.New()
	a := s.asset(creator)

	_, err := s.mgr.Reclaim(s.ctx, creator, a.ID)
	s.ErrorIs(err, apperrors.StateConflict)

	s.Require().NoError(s.db.Transaction(func(tx *gorm.DB) error {
		return s.assets.SetOwner(tx, a.ID, nil)
	}))

	_, err = s.mgr.Reclaim(s.ctx, stranger, a.ID)
	s.ErrorIs(err, apperrors.Authorization)

	got, err := s.mgr.Reclaim(s.ctx, creator, a.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.OwnerID)
	s.Equal(creator, *got.OwnerID)

	_, err = s.mgr.Reclaim(s.ctx, uuid.New(), uuid.New())
	s.ErrorIs(err, apperrors.NotFound)
}

func (s *CustodyTestSuite) TestConcurrentReclaimFirstWriterWins() {
	creator := uuid.New()
	a := s.asset(creator)
	s.Require().NoError(s.db.Transaction(func(tx *gorm.DB) error {
		return s.assets.SetOwner(tx, a.ID, nil)
	}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.mgr.Reclaim(s.ctx, creator, a.ID)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, wins)

	var reclaims int64
	s.Require().NoError(s.db.Model(&models.TransferRecord{}).Where("asset_id = ? AND type = ?", a.ID, models.TransferReclaim).Count(&reclaims).Error)
	s.Equal(int64(1), reclaims)
}

func TestCustodyTestSuite(t *testing.T) {
	suite.Run(t, new(CustodyTestSuite))
}

func TestEventKinds(t *testing.T) {
	assert.True(t, EventRenewed.Renewal())
	assert.True(t, EventPastDue.Lapse())
	assert.False(t, EventActive.Lapse())
	require.False(t, EventKind("x").Renewal())
}
