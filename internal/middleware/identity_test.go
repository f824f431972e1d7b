package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/bravethewaves/backend/internal/auth"
)

type stubVerifier map[string]*auth.Identity

func (s stubVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return nil, errors.New("bad token")
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", mw, func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})
	return r
}

func TestIdentityRequiresValidBearer(t *testing.T) {
	r := newRouter(Identity(stubVerifier{"good": {Subject: "u1"}}))

	cases := []struct {
		header string
		status int
		body   string
	}{
		{"", http.StatusUnauthorized, ""},
		{"Basic abc", http.StatusUnauthorized, ""},
		{"Bearer bad", http.StatusUnauthorized, ""},
		{"Bearer good", http.StatusOK, "u1"},
		{"bearer good", http.StatusOK, "u1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, tc.status, w.Code, tc.header)
		if tc.status == http.StatusOK {
			require.Equal(t, tc.body, w.Body.String())
		}
	}
}

func TestOptionalIdentityAllowsAnonymous(t *testing.T) {
	r := newRouter(OptionalIdentity(stubVerifier{"good": {Subject: "u1"}}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "u1", w.Body.String())
}
