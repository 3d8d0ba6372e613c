package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "feeder1", RoleFeeder, StatusActive)
	f.addPrincipal(t, "root", RoleAdmin, StatusActive)

	feeder := f.login(t, "feeder1")
	admin := f.login(t, "root")

	var seen Identity
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := Middleware(f.service, RequireRole(ok, RoleAdmin))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer garbage", http.StatusUnauthorized},
		{"refresh token", "Bearer " + feeder.RefreshToken, http.StatusUnauthorized},
		{"wrong role", "Bearer " + feeder.AccessToken, http.StatusForbidden},
		{"admin", "bearer " + admin.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/account-status/alice", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	require.Equal(t, "root", seen.Subject)
	assert.Equal(t, RoleAdmin, seen.Role)
}

func TestRequireRoleWithoutIdentity(t *testing.T) {
	handler := RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}), RoleAdmin)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
