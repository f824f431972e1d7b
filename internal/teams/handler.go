// Package teams serves team creation, membership and the public team directory.
package teams

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/models"
	"github.com/bravethewaves/backend/pkg/money"
	"github.com/bravethewaves/backend/pkg/queue"
	"github.com/bravethewaves/backend/pkg/response"
)

const (
	maxTeamName        = 80
	maxDescription     = 2000
	maxInviteAttempts  = 5
	defaultLeaderboard = 10
)

// Rebuilds schedules aggregate recomputation. Implemented by *queue.Queue.
type Rebuilds interface {
	EnqueueAggregateRebuild(ctx context.Context, p queue.AggregateRebuildPayload) error
}

// Handler handles team HTTP endpoints.
type Handler struct {
	store    ledger.Store
	rebuilds Rebuilds // nil: rebuild inline
	newCode  func() (string, error)
	logger   *zap.Logger
}

// NewHandler creates a teams handler. rebuilds may be nil.
func NewHandler(store ledger.Store, rebuilds Rebuilds, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, rebuilds: rebuilds, newCode: models.NewCode, logger: logger}
}

// CreateRequest is the body for POST /registrations/team.
type CreateRequest struct {
	TeamName     string      `json:"teamName"`
	Division     string      `json:"division"`
	Description  string      `json:"description"`
	DonationGoal json.Number `json:"donationGoal"`
}

// CreateResponse is returned when a team is created.
type CreateResponse struct {
	ID         uuid.UUID `json:"id"`
	TeamName   string    `json:"team_name"`
	InviteCode string    `json:"invite_code"`
}

// Create handles POST /registrations/team. Only paid users not already on a team may create one.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.TeamName)
	if name == "" || len(name) > maxTeamName {
		response.BadRequest(c, "teamName must be 1-80 characters")
		return
	}
	division, ok := models.ParseDivision(req.Division)
	if !ok {
		response.BadRequest(c, "invalid division")
		return
	}
	if len(req.Description) > maxDescription {
		response.BadRequest(c, "description too long")
		return
	}
	var goal int64
	if req.DonationGoal != "" {
		cents, err := money.ParseDollars(req.DonationGoal.String())
		if err != nil {
			response.BadRequest(c, "invalid donationGoal")
			return
		}
		goal = cents
	}

	ctx := c.Request.Context()
	u, ok := h.caller(c)
	if !ok {
		return
	}
	reg, err := h.store.GetRegistration(ctx, u.ID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		response.Internal(c, "failed to load registration")
		return
	}
	if reg == nil || !reg.HasPaid {
		response.Forbidden(c, "registration fee must be paid before creating a team")
		return
	}
	if u.TeamID != nil {
		response.BadRequest(c, "already on a team")
		return
	}

	team := &models.Team{
		Name:         name,
		CaptainID:    u.ID,
		Division:     division,
		Description:  req.Description,
		DonationGoal: goal,
	}
	if err := h.createWithCode(ctx, team); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyOnTeam):
			response.BadRequest(c, "already on a team")
		case errors.Is(err, ledger.ErrConflict):
			response.Conflict(c, "team name already taken")
		default:
			h.logger.Error("create team", zap.String("user_id", u.ID), zap.Error(err))
			response.Internal(c, "failed to create team")
		}
		return
	}
	h.rebuildTeam(ctx, team.ID, "team created")
	h.logger.Info("team created", zap.String("team_id", team.ID.String()), zap.String("captain", u.ID))
	response.Created(c, CreateResponse{ID: team.ID, TeamName: team.Name, InviteCode: team.InviteCode})
}

// createWithCode retries invite code generation while the name is free but the code collides.
func (h *Handler) createWithCode(ctx context.Context, team *models.Team) error {
	var err error
	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		if team.InviteCode, err = h.newCode(); err != nil {
			return err
		}
		err = h.store.CreateTeam(ctx, team)
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		if _, nameErr := h.store.GetTeamByName(ctx, team.Name); nameErr == nil {
			return err
		}
	}
	return err
}

// JoinRequest is the body for POST /registrations/join.
type JoinRequest struct {
	InviteCode string `json:"inviteCode"`
}

// Join handles POST /registrations/join.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.InviteCode) == "" {
		response.BadRequest(c, "inviteCode is required")
		return
	}
	ctx := c.Request.Context()
	u, ok := h.caller(c)
	if !ok {
		return
	}
	if u.TeamID != nil {
		response.BadRequest(c, "already on a team")
		return
	}
	team, err := h.store.GetTeamByInviteCode(ctx, strings.ToUpper(strings.TrimSpace(req.InviteCode)))
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "invalid invite code")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load team")
		return
	}
	switch err := h.store.JoinTeam(ctx, u.ID, team.ID); {
	case errors.Is(err, ledger.ErrAlreadyOnTeam):
		response.BadRequest(c, "already on a team")
		return
	case errors.Is(err, ledger.ErrNotFound):
		response.NotFound(c, "invalid invite code")
		return
	case err != nil:
		response.Internal(c, "failed to join team")
		return
	}
	h.rebuildTeam(ctx, team.ID, "member joined")
	response.OK(c, gin.H{"team_id": team.ID, "team_name": team.Name})
}

// List handles GET /public/teams. Invite codes are never included.
func (h *Handler) List(c *gin.Context) {
	h.list(c, ledger.ListQuery{})
}

// Leaderboard handles GET /public/teams/leaderboard.
func (h *Handler) Leaderboard(c *gin.Context) {
	h.list(c, ledger.ListQuery{ByRaised: true, Limit: defaultLeaderboard})
}

// Search handles GET /public/teams/search?q=. An empty query lists every team.
func (h *Handler) Search(c *gin.Context) {
	h.list(c, ledger.ListQuery{Search: strings.TrimSpace(c.Query("q"))})
}

// GetByName handles GET /public/teams/:name. The invite code is shown to the captain only.
func (h *Handler) GetByName(c *gin.Context) {
	team, ok := h.teamByName(c)
	if !ok {
		return
	}
	if middleware.Subject(c) != team.CaptainID {
		*team = team.WithoutInviteCode()
	}
	response.OK(c, team)
}

// Members handles GET /public/teams/:name/members.
func (h *Handler) Members(c *gin.Context) {
	team, ok := h.teamByName(c)
	if !ok {
		return
	}
	members, err := h.store.ListTeamMembers(c.Request.Context(), team.ID)
	if err != nil {
		response.Internal(c, "failed to list members")
		return
	}
	out := make([]models.UserPublic, 0, len(members))
	for i := range members {
		out = append(out, members[i].ToPublic())
	}
	response.OK(c, out)
}

// UpdateRequest is the body for PUT /teams/:id.
type UpdateRequest struct {
	Name         *string      `json:"name"`
	Division     *string      `json:"division"`
	Description  *string      `json:"description"`
	DonationGoal *json.Number `json:"donationGoal"`
}

// Update handles PUT /teams/:id (captain only).
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var upd ledger.TeamUpdate
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > maxTeamName {
			response.BadRequest(c, "name must be 1-80 characters")
			return
		}
		upd.Name = &name
	}
	if req.Division != nil {
		d, ok := models.ParseDivision(*req.Division)
		if !ok || *req.Division == "" {
			response.BadRequest(c, "invalid division")
			return
		}
		upd.Division = &d
	}
	if req.Description != nil {
		if len(*req.Description) > maxDescription {
			response.BadRequest(c, "description too long")
			return
		}
		upd.Description = req.Description
	}
	if req.DonationGoal != nil {
		cents, err := money.ParseDollars(req.DonationGoal.String())
		if err != nil {
			response.BadRequest(c, "invalid donationGoal")
			return
		}
		upd.DonationGoal = &cents
	}

	team, ok := h.captainTeam(c)
	if !ok {
		return
	}
	updated, err := h.store.UpdateTeam(c.Request.Context(), team.ID, upd)
	switch {
	case errors.Is(err, ledger.ErrConflict):
		response.Conflict(c, "team name already taken")
	case errors.Is(err, ledger.ErrNotFound):
		response.NotFound(c, "team not found")
	case err != nil:
		response.Internal(c, "failed to update team")
	default:
		response.OK(c, updated)
	}
}

// Delete handles DELETE /teams/:id (captain only). Every member's team reference is cleared.
func (h *Handler) Delete(c *gin.Context) {
	team, ok := h.captainTeam(c)
	if !ok {
		return
	}
	if err := h.store.DeleteTeam(c.Request.Context(), team.ID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			response.NotFound(c, "team not found")
			return
		}
		response.Internal(c, "failed to delete team")
		return
	}
	h.logger.Info("team deleted", zap.String("team_id", team.ID.String()), zap.String("captain", team.CaptainID))
	response.OK(c, gin.H{"message": "team removed"})
}

// RemoveMember handles DELETE /teams/:id/members/:userId (captain only).
func (h *Handler) RemoveMember(c *gin.Context) {
	team, ok := h.captainTeam(c)
	if !ok {
		return
	}
	memberID := c.Param("userId")
	if memberID == team.CaptainID {
		response.BadRequest(c, "captain cannot remove themselves; delete the team instead")
		return
	}
	ctx := c.Request.Context()
	if err := h.store.LeaveTeam(ctx, memberID, team.ID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			response.NotFound(c, "member not found on this team")
			return
		}
		response.Internal(c, "failed to remove member")
		return
	}
	h.rebuildTeam(ctx, team.ID, "member removed")
	response.OK(c, gin.H{"message": "member removed"})
}

// Leave handles POST /teams/leave. The captain cannot leave.
func (h *Handler) Leave(c *gin.Context) {
	ctx := c.Request.Context()
	u, ok := h.caller(c)
	if !ok {
		return
	}
	if u.TeamID == nil {
		response.BadRequest(c, "not on a team")
		return
	}
	team, err := h.store.GetTeam(ctx, *u.TeamID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		response.Internal(c, "failed to load team")
		return
	}
	if team != nil && team.CaptainID == u.ID {
		response.BadRequest(c, "captain cannot leave; delete the team instead")
		return
	}
	if err := h.store.LeaveTeam(ctx, u.ID, *u.TeamID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		response.Internal(c, "failed to leave team")
		return
	}
	if team != nil {
		h.rebuildTeam(ctx, team.ID, "member left")
	}
	response.OK(c, gin.H{"message": "left team"})
}

func (h *Handler) list(c *gin.Context, q ledger.ListQuery) {
	list, err := h.store.ListTeams(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("list teams", zap.Error(err))
		response.Internal(c, "failed to list teams")
		return
	}
	for i := range list {
		list[i] = list[i].WithoutInviteCode()
	}
	if list == nil {
		list = []models.Team{}
	}
	response.OK(c, list)
}

func (h *Handler) teamByName(c *gin.Context) (*models.Team, bool) {
	team, err := h.store.GetTeamByName(c.Request.Context(), c.Param("name"))
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "team not found")
		return nil, false
	}
	if err != nil {
		response.Internal(c, "failed to load team")
		return nil, false
	}
	return team, true
}

// captainTeam loads the team in :id and checks the caller is its captain.
func (h *Handler) captainTeam(c *gin.Context) (*models.Team, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid team id")
		return nil, false
	}
	team, err := h.store.GetTeam(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		response.NotFound(c, "team not found")
		return nil, false
	}
	if err != nil {
		response.Internal(c, "failed to load team")
		return nil, false
	}
	if team.CaptainID != middleware.Subject(c) {
		response.Forbidden(c, "not authorized as team captain")
		return nil, false
	}
	return team, true
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

// rebuildTeam recomputes the team total after a membership change. Failures
// are logged only; the total is a cache over member amounts.
func (h *Handler) rebuildTeam(ctx context.Context, teamID uuid.UUID, reason string) {
	var err error
	if h.rebuilds != nil {
		err = h.rebuilds.EnqueueAggregateRebuild(ctx, queue.AggregateRebuildPayload{TeamIDs: []uuid.UUID{teamID}, Reason: reason})
	} else {
		err = h.store.RebuildTeamTotal(ctx, teamID)
	}
	if err != nil {
		h.logger.Warn("team rebuild not scheduled", zap.String("team_id", teamID.String()), zap.Error(err))
	}
}
