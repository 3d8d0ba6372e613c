package auth

import (
	"context"
	"time"
)

// PrincipalStore is the slice of the record store the identity subsystem needs.
// Lookups return ErrNotFound when no row matches.
type PrincipalStore interface {
	GetPrincipalByUsername(ctx context.Context, username string) (Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	SetOTP(ctx context.Context, principalID, otpHash, otpNonce string) error
	SetPasswordHash(ctx context.Context, principalID, passwordHash string) error
	UpdatePrincipal(ctx context.Context, principal Principal) (Principal, error)
	UpsertPrincipal(ctx context.Context, principal Principal) (Principal, error)
}

// AttemptStore holds the attempt log and lockout rows. WithinAttemptTx runs
// fn against a store bound to one transaction, serialized per username, and
// commits only when fn returns nil.
type AttemptStore interface {
	WithinAttemptTx(ctx context.Context, username string, fn func(AttemptStore) error) error
	InsertLoginAttempt(ctx context.Context, attempt LoginAttempt) error
	LastSuccessfulAttempt(ctx context.Context, username string) (time.Time, bool, error)
	CountFailedAttemptsSince(ctx context.Context, username string, since time.Time) (int, error)
	GetLockout(ctx context.Context, username string) (AccountLockout, bool, error)
	UpsertLockout(ctx context.Context, lockout AccountLockout) (AccountLockout, error)
	DeactivateLockout(ctx context.Context, username string) (int64, error)
	DeactivateExpiredLockouts(ctx context.Context, now time.Time) (int64, error)
}

type RevocationStore interface {
	InsertRevokedToken(ctx context.Context, token RevokedToken) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	DeleteRevokedTokensExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type ResetStore interface {
	CreatePasswordReset(ctx context.Context, reset PasswordReset) error
	GetPendingPasswordReset(ctx context.Context, codeHash string, now time.Time) (PasswordReset, error)
	MarkPasswordResetUsed(ctx context.Context, id string) error
}
