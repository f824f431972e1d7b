// Package donations serves the donation ledger: public per-paddler and per-team
// lists, a donor's own history and receipt downloads.
package donations

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/response"
	"github.com/bravethewaves/backend/pkg/storage"
)

// ReceiptLinker returns a time-limited download URL for a donation receipt. Implemented by *storage.S3.
type ReceiptLinker interface {
	PresignReceipt(ctx context.Context, paymentIntentID string) (string, error)
}

// Handler handles donation HTTP endpoints.
type Handler struct {
	store    ledger.Store
	receipts ReceiptLinker
	logger   *zap.Logger
}

// NewHandler creates a donations handler. receipts may be nil when object storage is not configured.
func NewHandler(store ledger.Store, receipts ReceiptLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, receipts: receipts, logger: logger}
}

// ForUser handles GET /donations/user/:userId.
func (h *Handler) ForUser(c *gin.Context) {
	list, err := h.store.ListDonationsForUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.logger.Error("list donations for user", zap.String("user_id", c.Param("userId")), zap.Error(err))
		response.Internal(c, "failed to list donations")
		return
	}
	response.OK(c, public(list))
}

// ForTeam handles GET /donations/teams/:teamId.
func (h *Handler) ForTeam(c *gin.Context) {
	teamID, err := uuid.Parse(c.Param("teamId"))
	if err != nil {
		response.BadRequest(c, "invalid team id")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetTeam(ctx, teamID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			response.NotFound(c, "team not found")
			return
		}
		response.Internal(c, "failed to load team")
		return
	}
	list, err := h.store.ListDonationsForTeam(ctx, teamID)
	if err != nil {
		h.logger.Error("list donations for team", zap.String("team_id", teamID.String()), zap.Error(err))
		response.Internal(c, "failed to list donations")
		return
	}
	response.OK(c, public(list))
}

// Made handles GET /donations/made/:userId. Callers may only read their own history,
// matched by normalized donor email.
func (h *Handler) Made(c *gin.Context) {
	if c.Param("userId") != middleware.Subject(c) {
		response.Forbidden(c, "not authorized to view these donations")
		return
	}
	u, ok := h.caller(c)
	if !ok {
		return
	}
	list, err := h.store.ListDonationsByDonorEmail(c.Request.Context(), u.Email)
	if err != nil {
		response.Internal(c, "failed to list donations")
		return
	}
	if list == nil {
		list = []models.Donation{}
	}
	response.OK(c, list)
}

// ReceiptLink is returned by GET /donations/:paymentIntentId/receipt.
type ReceiptLink struct {
	URL string `json:"url"`
}

// Receipt handles GET /donations/:paymentIntentId/receipt (donor only).
func (h *Handler) Receipt(c *gin.Context) {
	if h.receipts == nil {
		response.ServiceUnavailable(c, "receipts are not available")
		return
	}
	ctx := c.Request.Context()
	d, err := h.store.GetDonation(ctx, c.Param("paymentIntentId"))
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "donation not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load donation")
		return
	}
	u, ok := h.caller(c)
	if !ok {
		return
	}
	if !isDonor(d, u) {
		response.Forbidden(c, "not the donor of this donation")
		return
	}
	url, err := h.receipts.PresignReceipt(ctx, d.PaymentIntentID)
	if errors.Is(err, storage.ErrObjectNotFound) {
		response.NotFound(c, "receipt not ready yet")
		return
	}
	if err != nil {
		h.logger.Error("presign receipt", zap.String("payment_intent", d.PaymentIntentID), zap.Error(err))
		response.Internal(c, "failed to create receipt link")
		return
	}
	response.OK(c, ReceiptLink{URL: url})
}

func (h *Handler) caller(c *gin.Context) (*models.User, bool) {
	u, err := h.store.GetUser(c.Request.Context(), middleware.Subject(c))
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "user not found; sync first")
		return nil, false
	}
	if err != nil {
		response.Internal(c, "failed to load user")
		return nil, false
	}
	return u, true
}

func isDonor(d *models.Donation, u *models.User) bool {
	if d.DonorUserID != nil && *d.DonorUserID == u.ID {
		return true
	}
	email := models.NormalizeEmail(u.Email)
	return email != "" && models.NormalizeEmail(d.DonorEmail) == email
}

// public drops donations that never completed and masks anonymous donors.
func public(list []models.Donation) []models.DonationPublic {
	out := make([]models.DonationPublic, 0, len(list))
	for i := range list {
		if list[i].Status != models.DonationCompleted {
			continue
		}
		out = append(out, list[i].ToPublic())
	}
	return out
}
