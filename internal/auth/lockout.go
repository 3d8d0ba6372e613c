package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts   = 5
	defaultLockWindow    = 15 * time.Minute
	defaultAttemptWindow = 60 * time.Minute
)

type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
	Window       time.Duration
}

func (p LockoutPolicy) withDefaults() LockoutPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.LockDuration <= 0 {
		p.LockDuration = defaultLockWindow
	}
	if p.Window <= 0 {
		p.Window = defaultAttemptWindow
	}
	return p
}

// LoginTracker keeps the append-only attempt log and derives lockout state
// from it. Nothing is cached: every call re-reads the store, and expired
// lockouts are deactivated lazily at the start of each status check.
type LoginTracker struct {
	store  AttemptStore
	policy LockoutPolicy
	now    func() time.Time
}

func NewLoginTracker(store AttemptStore, policy LockoutPolicy) *LoginTracker {
	return &LoginTracker{
		store:  store,
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

func (t *LoginTracker) Policy() LockoutPolicy {
	return t.policy
}

// clock matches the microsecond precision of the attempt log.
func (t *LoginTracker) clock() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

func (t *LoginTracker) CheckStatus(ctx context.Context, username string) (LockoutStatus, error) {
	username = normalizeUsername(username)
	now := t.clock()

	if _, err := t.cleanupExpired(ctx, now); err != nil {
		return LockoutStatus{}, err
	}

	lockout, found, err := t.store.GetLockout(ctx, username)
	if err != nil {
		return LockoutStatus{}, err
	}
	if found && lockout.Active && now.Before(lockout.UnlockAt) {
		unlockAt := lockout.UnlockAt
		return LockoutStatus{
			Username:          username,
			CanAttempt:        false,
			IsLocked:          true,
			UnlockAt:          &unlockAt,
			FailedAttempts:    lockout.FailedAttempts,
			AttemptsRemaining: 0,
		}, nil
	}

	failed, err := t.countFailures(ctx, t.store, username, now, lockout, found)
	if err != nil {
		return LockoutStatus{}, err
	}

	// Failures over the threshold with no active lockout get one with a fixed
	// unlock time, so the reported wait does not move between checks.
	if failed >= t.policy.MaxAttempts {
		var locked AccountLockout
		err := t.store.WithinAttemptTx(ctx, username, func(store AttemptStore) error {
			var err error
			locked, err = t.lock(ctx, store, username, now, failed)
			return err
		})
		if err != nil {
			return LockoutStatus{}, err
		}
		unlockAt := locked.UnlockAt
		return LockoutStatus{
			Username:       username,
			IsLocked:       true,
			UnlockAt:       &unlockAt,
			FailedAttempts: locked.FailedAttempts,
		}, nil
	}

	remaining := t.policy.MaxAttempts - failed
	if remaining < 0 {
		remaining = 0
	}

	return LockoutStatus{
		Username:          username,
		CanAttempt:        failed < t.policy.MaxAttempts,
		IsLocked:          false,
		FailedAttempts:    failed,
		AttemptsRemaining: remaining,
	}, nil
}

// RecordFailure appends a failed attempt and returns ErrLoginLocked when the
// account is, or has just become, locked. The insert, the lockout read and the
// lockout write commit together or not at all.
func (t *LoginTracker) RecordFailure(ctx context.Context, username string, meta AttemptContext, reason string) error {
	username = normalizeUsername(username)
	now := t.clock()

	var lockedUntil *time.Time
	err := t.store.WithinAttemptTx(ctx, username, func(store AttemptStore) error {
		if err := insertAttempt(ctx, store, username, meta, now, false, reason); err != nil {
			return err
		}

		lockout, found, err := store.GetLockout(ctx, username)
		if err != nil {
			return err
		}

		// Already locked: extend the existing row in place.
		if found && lockout.Active && now.Before(lockout.UnlockAt) {
			lockout.LockedAt = now
			lockout.UnlockAt = now.Add(t.policy.LockDuration)
			lockout.FailedAttempts++
			updated, err := store.UpsertLockout(ctx, lockout)
			if err != nil {
				return err
			}
			lockedUntil = &updated.UnlockAt
			return nil
		}

		failed, err := t.countFailures(ctx, store, username, now, lockout, found)
		if err != nil {
			return err
		}
		if failed < t.policy.MaxAttempts {
			return nil
		}

		locked, err := t.lock(ctx, store, username, now, failed)
		if err != nil {
			return err
		}
		lockedUntil = &locked.UnlockAt
		return nil
	})
	if err != nil {
		return err
	}

	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return nil
}

// RecordSuccess appends a successful attempt and clears any active lockout,
// which also resets the failure count.
func (t *LoginTracker) RecordSuccess(ctx context.Context, username string, meta AttemptContext) error {
	username = normalizeUsername(username)
	now := t.clock()

	return t.store.WithinAttemptTx(ctx, username, func(store AttemptStore) error {
		if err := insertAttempt(ctx, store, username, meta, now, true, ""); err != nil {
			return err
		}
		_, err := store.DeactivateLockout(ctx, username)
		return err
	})
}

// Unlock is the administrative override. It reports whether a lockout was cleared.
func (t *LoginTracker) Unlock(ctx context.Context, username string) (bool, error) {
	affected, err := t.store.DeactivateLockout(ctx, normalizeUsername(username))
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *LoginTracker) CleanupExpired(ctx context.Context) (int64, error) {
	return t.cleanupExpired(ctx, t.clock())
}

func (t *LoginTracker) cleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return t.store.DeactivateExpiredLockouts(ctx, now)
}

// countFailures counts failures after the latest of: the window start, the
// last success, and the start of the last lockout.
func (t *LoginTracker) countFailures(ctx context.Context, store AttemptStore, username string, now time.Time, lockout AccountLockout, found bool) (int, error) {
	since := now.Add(-t.policy.Window)
	if found && lockout.LockedAt.After(since) {
		since = lockout.LockedAt
	}

	lastSuccess, ok, err := store.LastSuccessfulAttempt(ctx, username)
	if err != nil {
		return 0, err
	}
	if ok && lastSuccess.After(since) {
		since = lastSuccess
	}

	return store.CountFailedAttemptsSince(ctx, username, since)
}

func (t *LoginTracker) lock(ctx context.Context, store AttemptStore, username string, now time.Time, failed int) (AccountLockout, error) {
	return store.UpsertLockout(ctx, AccountLockout{
		Username:       username,
		LockedAt:       now,
		UnlockAt:       now.Add(t.policy.LockDuration),
		FailedAttempts: failed,
		Active:         true,
	})
}

func insertAttempt(ctx context.Context, store AttemptStore, username string, meta AttemptContext, at time.Time, success bool, reason string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate attempt id: %w", err)
	}

	return store.InsertLoginAttempt(ctx, LoginAttempt{
		ID:            id.String(),
		Username:      username,
		IPAddress:     strings.TrimSpace(meta.IPAddress),
		UserAgent:     strings.TrimSpace(meta.UserAgent),
		AttemptTime:   at,
		Success:       success,
		FailureReason: reason,
	})
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}
