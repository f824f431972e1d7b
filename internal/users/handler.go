// Package users serves identity sync, the caller's registration status and
// the public participant directory.
package users

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/internal/payments"
	"github.com/bravethewaves/backend/pkg/response"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
	maxNameLength          = 100
	maxBioLength           = 1000
)

// Handler handles user HTTP endpoints.
type Handler struct {
	store   ledger.Store
	newCode func() (string, error)
	logger  *zap.Logger
}

// NewHandler creates a users handler.
func NewHandler(store ledger.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, newCode: models.NewCode, logger: logger}
}

// SyncResponse is returned by POST /users/sync.
type SyncResponse struct {
	User    *models.User `json:"user"`
	Created bool         `json:"created"`
	// Claimed is true when this sync activated a registration paid for by a bundle owner.
	Claimed bool `json:"claimed"`
}

// Sync handles POST /users/sync. The user is created from the verified
// identity if absent; existing users are returned unchanged.
func (h *Handler) Sync(c *gin.Context) {
	id := middleware.CurrentIdentity(c)
	if id == nil {
		response.Unauthorized(c, "authentication required")
		return
	}
	ctx := c.Request.Context()
	u, created, err := h.store.SyncUser(ctx, ledger.UserSync{ID: id.Subject, Email: id.Email, Name: id.Name})
	if err != nil {
		h.logger.Error("sync user", zap.String("user_id", id.Subject), zap.Error(err))
		response.Internal(c, "failed to sync user")
		return
	}
	claimed, err := h.claimBundle(c, u)
	if err != nil {
		h.logger.Error("claim bundle registration", zap.String("user_id", u.ID), zap.Error(err))
		response.Internal(c, "failed to sync user")
		return
	}
	if claimed {
		if u, err = h.store.GetUser(ctx, u.ID); err != nil {
			response.Internal(c, "failed to sync user")
			return
		}
	}
	response.OK(c, SyncResponse{User: u, Created: created, Claimed: claimed})
}

// claimBundle activates an unpaid user whose email was listed in a paid bundle.
func (h *Handler) claimBundle(c *gin.Context, u *models.User) (bool, error) {
	ctx := c.Request.Context()
	email := models.NormalizeEmail(u.Email)
	if email == "" {
		return false, nil
	}
	reg, err := h.store.GetRegistration(ctx, u.ID)
	switch {
	case err == nil && reg.HasPaid:
		return false, nil
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return false, err
	}
	owner, err := h.store.FindBundleOwnerByEmail(ctx, email)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner.UserID == u.ID {
		return false, nil
	}
	paidBy := owner.UserID
	if _, err := h.store.MarkRegistrationPaid(ctx, ledger.RegistrationPayment{
		UserID:   u.ID,
		Currency: owner.Currency,
		PaidBy:   &paidBy,
	}); err != nil {
		return false, err
	}
	if _, err := payments.Promote(ctx, h.store, u, h.newCode); err != nil {
		return false, err
	}
	h.logger.Info("bundle registration claimed",
		zap.String("user_id", u.ID),
		zap.String("paid_by", paidBy),
		zap.String("email", email),
	)
	return true, nil
}

// TeamSummary is the caller's team as shown on the registration page.
type TeamSummary struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Division    models.Division `json:"division"`
	InviteCode  string          `json:"invite_code"`
	IsCaptain   bool            `json:"is_captain"`
	MemberCount int             `json:"member_count"`
	TotalRaised int64           `json:"total_raised_cents"`
}

// RegistrationStatus is returned by GET /registrations/me.
type RegistrationStatus struct {
	HasPaid      bool         `json:"has_paid"`
	Role         models.Role  `json:"role"`
	DonationCode string       `json:"donation_code,omitempty"`
	PaidBy       *string      `json:"paid_by,omitempty"`
	AmountRaised int64        `json:"amount_raised_cents"`
	Team         *TeamSummary `json:"team"`
}

// RegistrationMe handles GET /registrations/me.
func (h *Handler) RegistrationMe(c *gin.Context) {
	ctx := c.Request.Context()
	u, ok := h.caller(c)
	if !ok {
		return
	}
	out := RegistrationStatus{Role: u.Role, DonationCode: u.DonationCode, AmountRaised: u.AmountRaised}
	reg, err := h.store.GetRegistration(ctx, u.ID)
	switch {
	case err == nil:
		out.HasPaid = reg.HasPaid
		out.PaidBy = reg.PaidBy
	case !errors.Is(err, ledger.ErrNotFound):
		response.Internal(c, "failed to load registration")
		return
	}
	if u.TeamID != nil {
		t, err := h.store.GetTeam(ctx, *u.TeamID)
		switch {
		case err == nil:
			out.Team = &TeamSummary{
				ID:          t.ID,
				Name:        t.Name,
				Division:    t.Division,
				InviteCode:  t.InviteCode,
				IsCaptain:   t.CaptainID == u.ID,
				MemberCount: t.MemberCount,
				TotalRaised: t.TotalRaised,
			}
		case !errors.Is(err, ledger.ErrNotFound):
			response.Internal(c, "failed to load team")
			return
		}
	}
	response.OK(c, out)
}

// UpdateMeRequest is the body for PATCH /users/me.
type UpdateMeRequest struct {
	Name *string `json:"name"`
	Bio  *string `json:"bio"`
}

// UpdateMe handles PATCH /users/me.
func (h *Handler) UpdateMe(c *gin.Context) {
	var req UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > maxNameLength {
			response.BadRequest(c, "name must be 1-100 characters")
			return
		}
		req.Name = &name
	}
	if req.Bio != nil && len(*req.Bio) > maxBioLength {
		response.BadRequest(c, "bio too long")
		return
	}
	u, err := h.store.UpdateProfile(c.Request.Context(), middleware.Subject(c), ledger.ProfileUpdate{Name: req.Name, Bio: req.Bio})
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to update profile")
		return
	}
	response.OK(c, u)
}

// ListParticipants handles GET /participants.
func (h *Handler) ListParticipants(c *gin.Context) {
	h.list(c, ledger.ListQuery{})
}

// Leaderboard handles GET /participants/leaderboard?limit=.
func (h *Handler) Leaderboard(c *gin.Context) {
	h.list(c, ledger.ListQuery{ByRaised: true, Limit: LeaderboardLimit(c.Query("limit"))})
}

// Search handles GET /participants/search?q=.
func (h *Handler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		response.BadRequest(c, "q is required")
		return
	}
	h.list(c, ledger.ListQuery{Search: q})
}

// GetParticipant handles GET /participants/:id.
func (h *Handler) GetParticipant(c *gin.Context) {
	u, err := h.store.GetUser(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && !u.IsPaddler()) {
		response.NotFound(c, "participant not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load participant")
		return
	}
	response.OK(c, u.ToPublic())
}

func (h *Handler) list(c *gin.Context, q ledger.ListQuery) {
	list, err := h.store.ListParticipants(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("list participants", zap.Error(err))
		response.Internal(c, "failed to list participants")
		return
	}
	out := make([]models.UserPublic, 0, len(list))
	for i := range list {
		out = append(out, list[i].ToPublic())
	}
	response.OK(c, out)
}

// caller loads the authenticated user; it writes the error response when it returns false.
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

// LeaderboardLimit parses a leaderboard size, clamping it to a sane range.
func LeaderboardLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLeaderboardSize
	}
	if n > maxLeaderboardSize {
		return maxLeaderboardSize
	}
	return n
}
