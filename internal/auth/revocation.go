package auth

import (
	"context"
	"strings"
	"time"
)

// RevocationLedger is the durable denylist of refresh token ids.
type RevocationLedger struct {
	store RevocationStore
	now   func() time.Time
}

func NewRevocationLedger(store RevocationStore) *RevocationLedger {
	return &RevocationLedger{store: store, now: time.Now}
}

// Revoke records jti. Revoking an already revoked id succeeds.
func (l *RevocationLedger) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return ErrInvalidInput
	}

	return l.store.InsertRevokedToken(ctx, RevokedToken{
		JTI:       jti,
		ExpiresAt: expiresAt.UTC(),
		RevokedAt: l.now().UTC(),
	})
}

func (l *RevocationLedger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return l.store.IsTokenRevoked(ctx, strings.TrimSpace(jti))
}

// Prune drops ids whose tokens expired before cutoff; they can no longer verify anyway.
func (l *RevocationLedger) Prune(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	return l.store.DeleteRevokedTokensExpiredBefore(ctx, cutoff.UTC(), batchSize)
}
