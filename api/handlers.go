package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionmarket/ledger/api/responses"
	"github.com/visionmarket/ledger/internal/custody"
	"github.com/visionmarket/ledger/internal/registry"
	"github.com/visionmarket/ledger/internal/revenue"
	"github.com/visionmarket/ledger/internal/settlement"
	apperrors "github.com/visionmarket/ledger/pkg/errors"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "form"} {
				if name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]; name != "" && name != "-" {
					return name
				}
			}
			return f.Name
		})
	}
}

type pageQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func (q pageQuery) limit() int {
	if q.Limit == 0 {
		return 50
	}
	return q.Limit
}

type createListingRequest struct {
	AssetID uuid.UUID `json:"asset_id" binding:"required"`
	Price   int64     `json:"price" binding:"required,gt=0"`
}

type purchaseRequest struct {
	BuyerID *uuid.UUID `json:"buyer_id"`
}

type withdrawalRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required,max=2048"`
}

type adjustRequest struct {
	Amount int64  `json:"amount" binding:"required,ne=0"`
	Reason string `json:"reason" binding:"required,max=128"`
}

type registerAssetRequest struct {
	OwnerID   uuid.UUID `json:"owner_id" binding:"required"`
	GameID    string    `json:"game_id" binding:"max=64"`
	PaletteID string    `json:"palette_id" binding:"max=64"`
	OpeningID string    `json:"opening_id" binding:"max=64"`
}

type paymentRequest struct {
	EventID      string     `json:"event_id" binding:"required,max=128"`
	UserID       uuid.UUID  `json:"user_id"`
	AssetID      *uuid.UUID `json:"asset_id"`
	Gross        int64      `json:"gross" binding:"required,gt=0"`
	ProcessorFee int64      `json:"processor_fee" binding:"min=0"`
	Tax          int64      `json:"tax" binding:"min=0"`
	Cost         int64      `json:"cost" binding:"min=0"`
}

func (r paymentRequest) event() revenue.PaymentEvent {
	return revenue.PaymentEvent{
		EventID:      r.EventID,
		UserID:       r.UserID,
		AssetID:      r.AssetID,
		Gross:        r.Gross,
		ProcessorFee: r.ProcessorFee,
		Tax:          r.Tax,
		Cost:         r.Cost,
	}
}

type subscriptionRequest struct {
	EventID string    `json:"event_id" binding:"required,max=128"`
	UserID  uuid.UUID `json:"user_id" binding:"required"`
	Kind    string    `json:"kind" binding:"required,oneof=active renewed cancelled past_due unpaid"`
}

// bindError turns a binding failure into a ValidationError naming each field
func bindError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := apperrors.Validation.Explain("request validation failed")
		for _, fe := range ve {
			out = out.WithField(fe.Field(), fe.Tag())
		}
		return out
	}
	return apperrors.Validation.Explain("malformed request: %v", err)
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		responses.Fail(c, apperrors.Validation.Explain("%s is not a valid id", name).WithField(name, "uuid"))
		return uuid.Nil, false
	}
	return id, true
}

// --- WALLET ---

func (s *Server) getWallet(c *gin.Context) {
	w, err := s.svc.Wallets.Get(c.Request.Context(), callerID(c))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, w)
}

func (s *Server) getWalletLedger(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	entries, total, err := s.svc.Wallets.Entries(c.Request.Context(), callerID(c), q.limit(), q.Offset)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Paginated(c, entries, responses.NewPaginationMeta(q.limit(), q.Offset, total))
}

// --- LISTINGS ---

func (s *Server) listListings(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	list, err := s.svc.Settlement.ActiveListings(c.Request.Context(), q.limit(), q.Offset)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, list)
}

func (s *Server) getListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	l, err := s.svc.Settlement.GetListing(c.Request.Context(), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, l)
}

func (s *Server) createListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	l, err := s.svc.Settlement.CreateListing(c.Request.Context(), callerID(c), req.AssetID, req.Price)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Created(c, l)
}

func (s *Server) cancelListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	l, err := s.svc.Settlement.CancelListing(c.Request.Context(), callerID(c), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, l, "Listing cancelled")
}

func (s *Server) purchaseListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req purchaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			responses.Fail(c, bindError(err))
			return
		}
	}
	caller := callerID(c)
	buyer := caller
	if req.BuyerID != nil {
		buyer = *req.BuyerID
	}
	receipt, err := s.svc.Settlement.Purchase(c.Request.Context(), settlement.PurchaseRequest{
		CallerID:  caller,
		ListingID: id,
		BuyerID:   buyer,
	})
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, receipt, "Purchase settled")
}

// --- ASSETS & CUSTODY ---

func (s *Server) getAsset(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := s.svc.Assets.Get(c.Request.Context(), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, a)
}

func (s *Server) reclaimAsset(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := s.svc.Custody.Reclaim(c.Request.Context(), callerID(c), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, a, "Asset reclaimed")
}

func (s *Server) getCustodyState(c *gin.Context) {
	st, err := s.svc.Custody.State(c.Request.Context(), callerID(c))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, st)
}

// --- WITHDRAWALS ---

func (s *Server) listWithdrawals(c *gin.Context) {
	list, err := s.svc.Withdrawals.ListForUser(c.Request.Context(), callerID(c))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, list)
}

func (s *Server) createWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	w, err := s.svc.Withdrawals.Request(c.Request.Context(), callerID(c), req.Amount)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Created(c, w, "Withdrawal requested")
}

func (s *Server) cancelWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	w, err := s.svc.Withdrawals.Cancel(c.Request.Context(), callerID(c), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, w, "Withdrawal cancelled")
}

// --- ADMIN ---

func (s *Server) approveWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	w, err := s.svc.Withdrawals.Approve(c.Request.Context(), callerID(c), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	s.auditLog(c, "withdrawal_approved", zap.String("request_id", id.String()))
	responses.Success(c, w, "Withdrawal approved")
}

func (s *Server) rejectWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	w, err := s.svc.Withdrawals.Reject(c.Request.Context(), callerID(c), id, req.Reason)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	s.auditLog(c, "withdrawal_rejected", zap.String("request_id", id.String()))
	responses.Success(c, w, "Withdrawal rejected")
}

func (s *Server) completeWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	w, err := s.svc.Withdrawals.Complete(c.Request.Context(), callerID(c), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	s.auditLog(c, "withdrawal_completed", zap.String("request_id", id.String()), zap.Int64("amount", w.Amount))
	responses.Success(c, w, "Withdrawal completed")
}

func (s *Server) reconcileWallet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rec, err := s.svc.Wallets.Reconcile(c.Request.Context(), id)
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, rec)
}

func (s *Server) adjustWallet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	entry, err := s.svc.Wallets.AdjustBalance(c.Request.Context(), id, req.Amount, req.Reason)
	s.auditLog(c, "wallet_adjusted",
		zap.String("user_id", id.String()),
		zap.Int64("amount", req.Amount),
		zap.Error(err))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, entry, "Wallet adjusted")
}

func (s *Server) dashboardPools(c *gin.Context) {
	totals, err := s.svc.Dashboard.PoolTotals(c.Request.Context())
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, totals)
}

func (s *Server) dashboardWallets(c *gin.Context) {
	totals, err := s.svc.Dashboard.WalletTotals(c.Request.Context())
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, totals)
}

func (s *Server) dashboardWithdrawals(c *gin.Context) {
	rows, err := s.svc.Dashboard.WithdrawalBacklog(c.Request.Context())
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, rows)
}

// --- INTERNAL ---

func (s *Server) registerAsset(c *gin.Context) {
	var req registerAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	a, err := s.svc.Assets.Create(c.Request.Context(), registry.NewAsset{
		OwnerID:   req.OwnerID,
		GameID:    req.GameID,
		PaletteID: req.PaletteID,
		OpeningID: req.OpeningID,
	})
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Created(c, a)
}

func (s *Server) recordDeposit(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	res, err := s.svc.Revenue.RecordDeposit(c.Request.Context(), req.event())
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, res)
}

func (s *Server) recordProductOrder(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	res, err := s.svc.Revenue.RecordProductOrder(c.Request.Context(), req.event())
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, res)
}

func (s *Server) recordSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, bindError(err))
		return
	}
	res, st, err := s.svc.Revenue.RecordSubscriptionEvent(c.Request.Context(), req.EventID, req.UserID, custody.EventKind(req.Kind))
	if err != nil {
		responses.Fail(c, err)
		return
	}
	responses.Success(c, gin.H{"result": res, "custody": st})
}

// --- AUDIT LOGGING ---
func (s *Server) auditLog(c *gin.Context, event string, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("event", event),
		zap.String("actor", callerID(c).String()),
		zap.String("ip", c.ClientIP()),
	}, fields...)
	s.logger.Info("AUDIT", fields...)
}
