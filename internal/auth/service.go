package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"farm-identity/internal/notify"
	"farm-identity/internal/observability"
)

const (
	tokenTypeBearer     = "Bearer"
	defaultResetCodeTTL = 10 * time.Minute
	challengeMessage    = "verification code sent"
	resetMessage        = "if the email is registered, a reset code has been sent"
)

// Service is the session manager: password + OTP login, token refresh,
// logout and the administrative account operations built on the tracker.
type Service struct {
	principals PrincipalStore
	resets     ResetStore
	tracker    *LoginTracker
	ledger     *RevocationLedger
	tokens     *TokenCodec
	otp        *OTPGenerator
	hasher     *Hasher
	notifier   notify.Notifier
	logger     *observability.Logger

	rotateRefresh bool
	resetTTL      time.Duration
	now           func() time.Time
}

type ServiceDeps struct {
	Principals PrincipalStore
	Resets     ResetStore
	Tracker    *LoginTracker
	Ledger     *RevocationLedger
	Tokens     *TokenCodec
	OTP        *OTPGenerator
	Hasher     *Hasher
	Notifier   notify.Notifier
	Logger     *observability.Logger
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		principals: deps.Principals,
		resets:     deps.Resets,
		tracker:    deps.Tracker,
		ledger:     deps.Ledger,
		tokens:     deps.Tokens,
		otp:        deps.OTP,
		hasher:     deps.Hasher,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		resetTTL:   defaultResetCodeTTL,
		now:        time.Now,
	}
}

func (s *Service) WithSessionConfig(rotateRefresh bool, resetTTL time.Duration) {
	s.rotateRefresh = rotateRefresh
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
}

func (s *Service) RotatesRefreshTokens() bool {
	return s.rotateRefresh
}

func (s *Service) RefreshTTL() time.Duration {
	return s.tokens.RefreshTTL()
}

// InitiateLogin checks the password and sends an OTP to the principal's email.
// Unknown users, wrong passwords and inactive accounts all fail with ErrUnauthorized.
func (s *Service) InitiateLogin(ctx context.Context, username, password string, meta AttemptContext) (Challenge, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return Challenge{}, ErrInvalidInput
	}

	if err := s.gate(ctx, username); err != nil {
		return Challenge{}, err
	}

	principal, err := s.principals.GetPrincipalByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Challenge{}, s.fail(ctx, username, meta, "user not found", ErrUnauthorized)
		}
		return Challenge{}, err
	}
	if principal.Status != StatusActive {
		return Challenge{}, s.fail(ctx, username, meta, "inactive", ErrUnauthorized)
	}
	if !s.hasher.Verify(password, principal.PasswordHash) {
		return Challenge{}, s.fail(ctx, username, meta, "invalid password", ErrUnauthorized)
	}

	code, err := s.otp.GenerateAndStore(ctx, &principal)
	if err != nil {
		return Challenge{}, err
	}

	body := fmt.Sprintf("Your login verification code is %s.\nDo not share this code with anyone.", code)
	if err := s.notifier.Send(ctx, "Your verification code", body, principal.Email); err != nil {
		s.logger.Error("otp_delivery_failed", map[string]any{
			"username": username,
			"error":    err.Error(),
		})
		return Challenge{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	s.logger.Info("otp_issued", map[string]any{"username": username})

	return Challenge{
		Message: challengeMessage,
		Email:   obfuscateEmail(principal.Email),
	}, nil
}

// CompleteLogin verifies the OTP and issues an access and refresh token pair.
func (s *Service) CompleteLogin(ctx context.Context, username, code string, meta AttemptContext) (Session, error) {
	username = normalizeUsername(username)
	code = strings.TrimSpace(code)
	if username == "" || code == "" {
		return Session{}, ErrInvalidInput
	}

	if err := s.gate(ctx, username); err != nil {
		return Session{}, err
	}

	principal, err := s.principals.GetPrincipalByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, s.fail(ctx, username, meta, "user not found", ErrUnauthorized)
		}
		return Session{}, err
	}
	if principal.Status != StatusActive {
		return Session{}, s.fail(ctx, username, meta, "inactive", ErrUnauthorized)
	}

	if err := s.otp.Verify(code, principal); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return Session{}, s.fail(ctx, username, meta, "otp not requested", ErrInvalidCode)
		case errors.Is(err, ErrUnauthorized):
			return Session{}, s.fail(ctx, username, meta, "invalid otp", ErrInvalidCode)
		default:
			return Session{}, err
		}
	}

	if err := s.tracker.RecordSuccess(ctx, username, meta); err != nil {
		return Session{}, err
	}
	if err := s.principals.SetOTP(ctx, principal.ID, "", ""); err != nil {
		return Session{}, err
	}

	session, err := s.issueSession(principal)
	if err != nil {
		return Session{}, err
	}

	s.logger.Info("login_succeeded", map[string]any{
		"username": username,
		"ip":       meta.IPAddress,
	})
	return session, nil
}

// Refresh exchanges a refresh token for a new access token. Expired tokens fail
// with ErrTokenExpired; every other rejection is ErrUnauthorized.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.tokens.VerifyRefresh(strings.TrimSpace(refreshToken))
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return Session{}, ErrTokenExpired
		}
		return Session{}, ErrUnauthorized
	}

	revoked, err := s.ledger.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, ErrUnauthorized
	}

	principal, err := s.principals.GetPrincipalByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrUnauthorized
		}
		return Session{}, err
	}
	if principal.Status != StatusActive {
		return Session{}, ErrUnauthorized
	}

	if s.rotateRefresh {
		if err := s.ledger.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return Session{}, err
		}
		return s.issueSession(principal)
	}

	access, err := s.tokens.IssueAccess(principal.Username, principal.Role, s.tokens.AccessTTL())
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the refresh token's jti. Missing, malformed or expired tokens
// are accepted silently.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil
	}

	if err := s.ledger.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}

	s.logger.Info("logout", map[string]any{"username": claims.Subject})
	return nil
}

// Authenticate resolves an access token. Every failure is ErrUnauthorized.
func (s *Service) Authenticate(accessToken string) (Identity, error) {
	claims, err := s.tokens.VerifyAccess(strings.TrimSpace(accessToken))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// RequireRole authenticates the token and checks the role against allowed.
func (s *Service) RequireRole(accessToken string, allowed ...Role) (Identity, error) {
	identity, err := s.Authenticate(accessToken)
	if err != nil {
		return Identity{}, err
	}
	if err := Authorize(identity, allowed...); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func Authorize(identity Identity, allowed ...Role) error {
	for _, role := range allowed {
		if identity.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) Me(ctx context.Context, identity Identity) (PrincipalSummary, error) {
	principal, err := s.principals.GetPrincipalByUsername(ctx, identity.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PrincipalSummary{}, ErrUnauthorized
		}
		return PrincipalSummary{}, err
	}
	return principal.Summary(), nil
}

func (s *Service) AccountStatus(ctx context.Context, username string) (LockoutStatus, error) {
	username = normalizeUsername(username)
	if username == "" {
		return LockoutStatus{}, ErrInvalidInput
	}
	return s.tracker.CheckStatus(ctx, username)
}

// UnlockAccount reports whether an active lockout was cleared.
func (s *Service) UnlockAccount(ctx context.Context, username string) (bool, error) {
	username = normalizeUsername(username)
	if username == "" {
		return false, ErrInvalidInput
	}

	unlocked, err := s.tracker.Unlock(ctx, username)
	if err != nil {
		return false, err
	}

	s.logger.Info("account_unlocked", map[string]any{
		"username": username,
		"changed":  unlocked,
	})
	return unlocked, nil
}

// ForgotPassword emails a single-use reset code. Unknown emails get the same
// acknowledgement so callers cannot enumerate registered addresses.
func (s *Service) ForgotPassword(ctx context.Context, email string) (Challenge, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return Challenge{}, ErrInvalidInput
	}

	ack := Challenge{Message: resetMessage, Email: obfuscateEmail(email)}

	principal, err := s.principals.GetPrincipalByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Info("password_reset_unknown_email", map[string]any{})
			return ack, nil
		}
		return Challenge{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate reset id: %w", err)
	}
	code := uuid.NewString()
	now := s.now().UTC()

	if err := s.resets.CreatePasswordReset(ctx, PasswordReset{
		ID:        id.String(),
		Email:     principal.Email,
		CodeHash:  hashResetCode(code),
		Status:    resetStatusPending,
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}); err != nil {
		return Challenge{}, err
	}

	body := fmt.Sprintf("Your password reset code is %s\nIt expires in %d minutes. Do not share this code with anyone.",
		code, int(s.resetTTL.Minutes()))
	if err := s.notifier.Send(ctx, "Password reset", body, principal.Email); err != nil {
		s.logger.Error("reset_delivery_failed", map[string]any{
			"username": principal.Username,
			"error":    err.Error(),
		})
		return Challenge{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	return ack, nil
}

// ResetPassword consumes a reset code. Unknown, used and expired codes are ErrNotFound.
func (s *Service) ResetPassword(ctx context.Context, code, newPassword, confirmPassword string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNotFound
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if newPassword != confirmPassword {
		return fmt.Errorf("%w: passwords do not match", ErrInvalidInput)
	}

	reset, err := s.resets.GetPendingPasswordReset(ctx, hashResetCode(code), s.now().UTC())
	if err != nil {
		return err
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	// Consuming the code is the conditional write; only its winner sets a password.
	if err := s.resets.MarkPasswordResetUsed(ctx, reset.ID); err != nil {
		return err
	}

	principal, err := s.principals.GetPrincipalByEmail(ctx, reset.Email)
	if err != nil {
		return err
	}
	if err := s.principals.SetPasswordHash(ctx, principal.ID, hashed); err != nil {
		return err
	}

	s.logger.Info("password_reset", map[string]any{"username": principal.Username})
	return nil
}

// UpdatePrincipal applies a validated partial update and returns the stored snapshot.
func (s *Service) UpdatePrincipal(ctx context.Context, username string, update PrincipalUpdate) (PrincipalSummary, error) {
	current, err := s.principals.GetPrincipalByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return PrincipalSummary{}, err
	}

	next, err := update.Apply(current)
	if err != nil {
		return PrincipalSummary{}, err
	}
	next.UpdatedAt = s.now().UTC()

	stored, err := s.principals.UpdatePrincipal(ctx, next)
	if err != nil {
		return PrincipalSummary{}, err
	}
	return stored.Summary(), nil
}

// BootstrapAdmin upserts an active admin principal. All three values empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = normalizeUsername(username)
	email = strings.TrimSpace(strings.ToLower(email))

	if username == "" && email == "" && password == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if err := validatePassword(password); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD: %w", err)
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate principal id: %w", err)
	}
	now := s.now().UTC()

	_, err = s.principals.UpsertPrincipal(ctx, Principal{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: hashed,
		Role:         RoleAdmin,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return err
}

// gate refuses the attempt while the account is locked out.
func (s *Service) gate(ctx context.Context, username string) error {
	status, err := s.tracker.CheckStatus(ctx, username)
	if err != nil {
		return err
	}
	if status.CanAttempt {
		return nil
	}

	if status.UnlockAt == nil {
		return fmt.Errorf("lockout status for %q has no unlock time", username)
	}
	until := *status.UnlockAt
	s.logger.Warn("login_locked", map[string]any{
		"username":  username,
		"unlock_at": until,
	})
	return ErrLoginLocked{Until: until}
}

// fail records the failed attempt. The lockout error wins over cause when the
// failure tips the account over the threshold.
func (s *Service) fail(ctx context.Context, username string, meta AttemptContext, reason string, cause error) error {
	if err := s.tracker.RecordFailure(ctx, username, meta, reason); err != nil {
		var locked ErrLoginLocked
		if errors.As(err, &locked) {
			s.logger.Warn("login_locked", map[string]any{
				"username":  username,
				"unlock_at": locked.Until,
			})
		}
		return err
	}

	s.logger.Info("login_failed", map[string]any{
		"username": username,
		"reason":   reason,
		"ip":       meta.IPAddress,
	})
	return cause
}

func (s *Service) issueSession(principal Principal) (Session, error) {
	access, err := s.tokens.IssueAccess(principal.Username, principal.Role, s.tokens.AccessTTL())
	if err != nil {
		return Session{}, err
	}

	refresh, _, refreshExpiresAt, err := s.tokens.IssueRefresh(principal.Username, s.tokens.RefreshTTL())
	if err != nil {
		return Session{}, err
	}

	return Session{
		AccessToken:      access,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.tokens.AccessTTL().Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func hashResetCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// obfuscateEmail keeps the first four characters of the local part.
func obfuscateEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "****"
	}
	local, domain := email[:at], email[at+1:]

	visible := []rune(local)
	if len(visible) > 4 {
		visible = visible[:4]
	}
	return string(visible) + "****@" + domain
}
