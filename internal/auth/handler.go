package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"farm-identity/internal/observability"
)

const (
	maxJSONBodyBytes  = 1 << 20
	refreshCookieName = "refresh_token"
	refreshCookiePath = "/auth"
)

type Handler struct {
	service       *Service
	secureCookies bool
	now           func() time.Time
}

// NewHandler builds the HTTP surface. secureCookies sets the Secure attribute
// on the refresh cookie and should be false only in local development.
func NewHandler(service *Service, secureCookies bool) *Handler {
	return &Handler{service: service, secureCookies: secureCookies, now: time.Now}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Username string `json:"username"`
	OTP      string `json:"otp"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	ResetCode       string `json:"reset_code"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.ToLower(strings.TrimSpace(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if body.Password == "" || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	challenge, err := h.service.InitiateLogin(r.Context(), body.Username, body.Password, attemptContext(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, challenge)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.ToLower(strings.TrimSpace(body.Username))
	body.OTP = strings.TrimSpace(body.OTP)
	if !usernameRegex.MatchString(body.Username) || body.OTP == "" {
		writeError(w, http.StatusBadRequest, "username and otp are required")
		return
	}

	session, err := h.service.CompleteLogin(r.Context(), body.Username, body.OTP, attemptContext(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to verify otp")
		return
	}

	h.setRefreshCookie(w, session)
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	session, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrUnauthorized) {
			h.clearRefreshCookie(w)
		}
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	if session.RefreshToken != "" {
		h.setRefreshCookie(w, session)
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var token string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		token = cookie.Value
	}

	h.clearRefreshCookie(w)
	if err := h.service.Logout(r.Context(), token); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	summary, err := h.service.Me(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ack, err := h.service.ForgotPassword(r.Context(), body.Email)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to start password reset")
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.ResetCode, body.NewPassword, body.ConfirmPassword); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "reset code is invalid or has expired")
			return
		}
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password has been reset"})
}

func (h *Handler) AccountStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.AccountStatus(r.Context(), r.PathValue("username"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load account status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	username := normalizeUsername(r.PathValue("username"))
	unlocked, err := h.service.UnlockAccount(r.Context(), username)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to unlock account")
		return
	}

	message := "account was not locked"
	if unlocked {
		message = "account unlocked"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"unlocked": unlocked,
		"message":  message,
	})
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var body PrincipalUpdate
	if !decodeJSON(w, r, &body) {
		return
	}

	summary, err := h.service.UpdatePrincipal(r.Context(), r.PathValue("username"), body)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "user does not exist")
			return
		}
		h.writeServiceError(w, r, err, "failed to update user")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    session.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  session.RefreshExpiresAt,
		MaxAge:   int(h.service.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeServiceError maps the error taxonomy to status codes. Anything outside
// it is reported to Sentry and answered with fallback.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var locked ErrLoginLocked
	switch {
	case errors.As(err, &locked):
		now := h.now()
		retryAfter := int(locked.Until.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             locked.Error(),
			"remaining_minutes": locked.RemainingMinutes(now),
		})
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid otp code")
	case errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "session expired, please log in again")
	case errors.Is(err, ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrDelivery):
		captureError(r, err)
		writeError(w, http.StatusInternalServerError, ErrDelivery.Error())
	default:
		captureError(r, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func captureError(r *http.Request, err error) {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

func attemptContext(r *http.Request) AttemptContext {
	return AttemptContext{
		IPAddress: observability.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
