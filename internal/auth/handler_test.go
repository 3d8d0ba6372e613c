package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(f *fixture) *Handler {
	h := NewHandler(f.service, true)
	h.now = f.clock.Now
	return h
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:5555"
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}

func TestHandler_LoginValidation(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{`, "invalid json body"},
		{"unknown field", `{"username":"alice","password":"x","extra":1}`, "invalid json body"},
		{"bad username", `{"username":"a!","password":"correct-horse-battery"}`, "username format is invalid"},
		{"empty password", `{"username":"alice","password":""}`, "password format is invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Login(rec, jsonRequest(http.MethodPost, "/auth/login", tc.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandler_LoginAndVerify(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)

	code := f.expectMessage("Your verification code", "alice@example.com", otpCodePattern)
	rec := httptest.NewRecorder()
	h.Login(rec, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"correct-horse-battery"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "verification code sent", body["message"])
	assert.Equal(t, "alic****@example.com", body["email"])

	rec = httptest.NewRecorder()
	h.Verify(rec, jsonRequest(http.MethodPost, "/auth/verify", `{"username":"alice","otp":"`+*code+`"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.EqualValues(t, 1800, body["expires_in"])
	assert.NotContains(t, body, "refresh_token")

	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/auth", cookie.Path)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), cookie.MaxAge)
}

func TestHandler_WrongPasswordIs401(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)

	rec := httptest.NewRecorder()
	h.Login(rec, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"not-the-password"}`))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", decodeBody(t, rec)["error"])
}

func TestHandler_LockedIs429WithRemainingMinutes(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rec = httptest.NewRecorder()
		h.Login(rec, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"not-the-password"}`))
	}

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.EqualValues(t, 15, body["remaining_minutes"])
	assert.Equal(t, "login temporarily locked", body["error"])
}

func TestHandler_RefreshCookieFlow(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)
	session := f.login(t, "alice")

	t.Run("missing cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "missing refresh token", decodeBody(t, rec)["error"])
	})

	t.Run("valid cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.RefreshToken})
		rec := httptest.NewRecorder()
		h.Refresh(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decodeBody(t, rec)["access_token"])
		assert.Nil(t, refreshCookie(rec))
	})

	t.Run("logout clears cookie and revokes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.RefreshToken})
		rec := httptest.NewRecorder()
		h.Logout(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		cleared := refreshCookie(rec)
		require.NotNil(t, cleared)
		assert.Equal(t, -1, cleared.MaxAge)

		req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.RefreshToken})
		rec = httptest.NewRecorder()
		h.Refresh(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", decodeBody(t, rec)["error"])
		require.NotNil(t, refreshCookie(rec))
		assert.Equal(t, -1, refreshCookie(rec).MaxAge)
	})
}

func TestHandler_RefreshExpired(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)
	session := f.login(t, "alice")

	f.clock.Advance(8 * 24 * time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session expired, please log in again", decodeBody(t, rec)["error"])
}

func TestHandler_RefreshRotationSetsNewCookie(t *testing.T) {
	f := newFixture(t)
	f.service.WithSessionConfig(true, 0)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)
	session := f.login(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: session.RefreshToken})
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.NotEqual(t, session.RefreshToken, cookie.Value)
}

func TestHandler_Me(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{Subject: "alice", Role: RoleFeeder}))
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "feeder", body["role"])
	assert.NotContains(t, body, "password_hash")
}

func TestHandler_ResetPasswordUnknownCode(t *testing.T) {
	f := newFixture(t)
	h := newTestHandler(f)

	rec := httptest.NewRecorder()
	h.ResetPassword(rec, jsonRequest(http.MethodPatch, "/auth/reset-password",
		`{"reset_code":"nope","new_password":"a-much-better-password","confirm_password":"a-much-better-password"}`))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "reset code is invalid or has expired", decodeBody(t, rec)["error"])
}

func TestHandler_AdminRoutes(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", RoleFeeder, StatusActive)
	h := newTestHandler(f)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/account-status/{username}", h.AccountStatus)
	mux.HandleFunc("POST /admin/unlock-account/{username}", h.UnlockAccount)
	mux.HandleFunc("PATCH /admin/users/{username}", h.UpdateUser)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/account-status/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["can_attempt"])
	assert.EqualValues(t, 5, body["attempts_remaining"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/unlock-account/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["unlocked"])
	assert.Equal(t, "account was not locked", body["message"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPatch, "/admin/users/alice", `{"role":"manager"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manager", decodeBody(t, rec)["role"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPatch, "/admin/users/ghost", `{"role":"manager"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user does not exist", decodeBody(t, rec)["error"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPatch, "/admin/users/alice", `{"role":"overlord"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
