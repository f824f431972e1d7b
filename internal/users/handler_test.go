package users

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/bravethewaves/backend/internal/auth"
	"github.com/bravethewaves/backend/internal/ledger"
	"github.com/bravethewaves/backend/internal/middleware"
	"github.com/bravethewaves/backend/internal/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newRouter(store ledger.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, nil)
	// X-Test-User stands in for a verified bearer token
	fakeAuth := func(c *gin.Context) {
		if sub := c.GetHeader("X-Test-User"); sub != "" {
			c.Set(middleware.ContextIdentity, &auth.Identity{Subject: sub, Email: c.GetHeader("X-Test-Email"), Name: sub})
		}
		c.Next()
	}
	r := gin.New()
	r.Use(fakeAuth)
	r.POST("/api/users/sync", h.Sync)
	r.PATCH("/api/users/me", h.UpdateMe)
	r.GET("/api/registrations/me", h.RegistrationMe)
	r.GET("/api/participants", h.ListParticipants)
	r.GET("/api/participants/leaderboard", h.Leaderboard)
	r.GET("/api/participants/search", h.Search)
	r.GET("/api/participants/:id", h.GetParticipant)
	return r
}

func do(r *gin.Engine, method, path, user, email string, body any) (*httptest.ResponseRecorder, envelope) {
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Email", email)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func paddler(t *testing.T, store ledger.Store, id, name, code string, raised int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := store.SyncUser(ctx, ledger.UserSync{ID: id, Email: id + "@example.com", Name: name})
	require.NoError(t, err)
	_, err = store.PromoteToPaddler(ctx, id, code)
	require.NoError(t, err)
	if raised > 0 {
		require.NoError(t, store.IncrementAmountRaised(ctx, id, raised))
	}
}

func TestSync_CreateIfAbsent(t *testing.T) {
	store := ledger.NewMemory()
	r := newRouter(store)

	w, env := do(r, http.MethodPost, "/api/users/sync", "u1", "U1@Example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out SyncResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.True(t, out.Created)
	require.False(t, out.Claimed)
	require.Equal(t, models.RoleUser, out.User.Role)

	_, err := store.UpdateProfile(context.Background(), "u1", ledger.ProfileUpdate{Bio: ptr("hello")})
	require.NoError(t, err)
	_, env = do(r, http.MethodPost, "/api/users/sync", "u1", "other@example.com", nil)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.False(t, out.Created)
	require.Equal(t, "hello", out.User.Bio)

	w, _ = do(r, http.MethodPost, "/api/users/sync", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSync_ClaimsBundleRegistration(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()
	paddler(t, store, "owner", "Olive", "OLV234", 0)
	_, err := store.MarkRegistrationPaid(ctx, ledger.RegistrationPayment{
		UserID:       "owner",
		AmountPaid:   5000,
		Currency:     "CAD",
		BundleEmails: []string{"friend@example.com"},
	})
	require.NoError(t, err)
	r := newRouter(store)

	_, env := do(r, http.MethodPost, "/api/users/sync", "friend", "Friend@Example.com ", nil)
	var out SyncResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.True(t, out.Claimed)
	require.Equal(t, models.RolePaddler, out.User.Role)
	require.NotEmpty(t, out.User.DonationCode)

	reg, err := store.GetRegistration(ctx, "friend")
	require.NoError(t, err)
	require.True(t, reg.HasPaid)
	require.Equal(t, "owner", *reg.PaidBy)

	// second sync is a no-op
	_, env = do(r, http.MethodPost, "/api/users/sync", "friend", "friend@example.com", nil)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.False(t, out.Claimed)

	// an email outside any bundle stays unpaid
	_, env = do(r, http.MethodPost, "/api/users/sync", "stranger", "stranger@example.com", nil)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.False(t, out.Claimed)
	require.Equal(t, models.RoleUser, out.User.Role)
}

func TestRegistrationMe(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()
	paddler(t, store, "cap", "Cap", "CAP234", 1500)
	_, err := store.MarkRegistrationPaid(ctx, ledger.RegistrationPayment{UserID: "cap", AmountPaid: 2500, Currency: "CAD"})
	require.NoError(t, err)
	team := &models.Team{Name: "Waves", InviteCode: "INV234", CaptainID: "cap", Division: models.DivisionCommunity}
	require.NoError(t, store.CreateTeam(ctx, team))
	r := newRouter(store)

	w, env := do(r, http.MethodGet, "/api/registrations/me", "cap", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out RegistrationStatus
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.True(t, out.HasPaid)
	require.Equal(t, "CAP234", out.DonationCode)
	require.NotNil(t, out.Team)
	require.True(t, out.Team.IsCaptain)
	require.Equal(t, "INV234", out.Team.InviteCode)
	require.Equal(t, 1, out.Team.MemberCount)

	w, _ = do(r, http.MethodGet, "/api/registrations/me", "ghost", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateMe(t *testing.T) {
	store := ledger.NewMemory()
	paddler(t, store, "p", "Pat", "PAT234", 0)
	r := newRouter(store)

	w, env := do(r, http.MethodPatch, "/api/users/me", "p", "", map[string]string{"name": "  Patricia ", "bio": "paddling"})
	require.Equal(t, http.StatusOK, w.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(env.Data, &u))
	require.Equal(t, "Patricia", u.Name)
	require.Equal(t, "paddling", u.Bio)

	w, _ = do(r, http.MethodPatch, "/api/users/me", "p", "", map[string]string{"name": " "})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParticipants(t *testing.T) {
	store := ledger.NewMemory()
	paddler(t, store, "a", "Alice", "ALC234", 500)
	paddler(t, store, "b", "Bob", "BOB234", 9000)
	paddler(t, store, "c", "Carol", "CRL234", 2000)
	_, _, err := store.SyncUser(context.Background(), ledger.UserSync{ID: "u", Email: "u@example.com", Name: "Unpaid"})
	require.NoError(t, err)
	r := newRouter(store)

	_, env := do(r, http.MethodGet, "/api/participants", "", "", nil)
	var list []models.UserPublic
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 3)
	require.Equal(t, "Alice", list[0].Name)

	_, env = do(r, http.MethodGet, "/api/participants/leaderboard?limit=2", "", "", nil)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)
	require.Equal(t, "Bob", list[0].Name)
	require.Equal(t, "Carol", list[1].Name)

	_, env = do(r, http.MethodGet, "/api/participants/search?q=AR", "", "", nil)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	require.Equal(t, "Carol", list[0].Name)

	w, _ := do(r, http.MethodGet, "/api/participants/search", "", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodGet, "/api/participants/b", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(r, http.MethodGet, "/api/participants/u", "", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaderboardLimit(t *testing.T) {
	require.Equal(t, 10, LeaderboardLimit(""))
	require.Equal(t, 10, LeaderboardLimit("-3"))
	require.Equal(t, 5, LeaderboardLimit("5"))
	require.Equal(t, 100, LeaderboardLimit("5000"))
}

func ptr[T any](v T) *T { return &v }
