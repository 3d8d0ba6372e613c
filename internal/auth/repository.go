package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the repository uses. pgx.Tx satisfies it too.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres record store behind every store interface in this package.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const principalColumns = `id, username, email, password_hash, role, status, otp_hash, otp_nonce, created_at, updated_at`

func (r *Repository) GetPrincipalByUsername(ctx context.Context, username string) (Principal, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+principalColumns+`
		FROM principals
		WHERE username = $1
	`, username)

	principal, err := scanPrincipal(row)
	if err != nil {
		return Principal{}, wrapNotFound(err, "query principal by username")
	}
	return principal, nil
}

func (r *Repository) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+principalColumns+`
		FROM principals
		WHERE email = $1
	`, email)

	principal, err := scanPrincipal(row)
	if err != nil {
		return Principal{}, wrapNotFound(err, "query principal by email")
	}
	return principal, nil
}

// SetOTP stores the hash of the latest code with the nonce its key was derived from.
func (r *Repository) SetOTP(ctx context.Context, principalID, otpHash, otpNonce string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE principals
		SET otp_hash = $2, otp_nonce = $3, updated_at = $4
		WHERE id = $1
	`, principalID, otpHash, otpNonce, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update otp hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetPasswordHash(ctx context.Context, principalID, passwordHash string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE principals
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, principalID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) UpdatePrincipal(ctx context.Context, p Principal) (Principal, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE principals
		SET username = $2, email = $3, role = $4, status = $5, updated_at = $6
		WHERE id = $1
		RETURNING `+principalColumns,
		p.ID, p.Username, p.Email, string(p.Role), string(p.Status), p.UpdatedAt.UTC())

	updated, err := scanPrincipal(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Principal{}, fmt.Errorf("%w: username or email already in use", ErrConflict)
		}
		return Principal{}, wrapNotFound(err, "update principal")
	}
	return updated, nil
}

// UpsertPrincipal inserts p or, when the username exists, overwrites its
// email, password, role and status.
func (r *Repository) UpsertPrincipal(ctx context.Context, p Principal) (Principal, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO principals (id, username, email, password_hash, role, status, otp_hash, otp_nonce, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', '', $7, $8)
		ON CONFLICT (username) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+principalColumns,
		p.ID, p.Username, p.Email, p.PasswordHash, string(p.Role), string(p.Status), p.CreatedAt.UTC(), p.UpdatedAt.UTC())

	stored, err := scanPrincipal(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Principal{}, fmt.Errorf("%w: email already in use", ErrConflict)
		}
		return Principal{}, fmt.Errorf("upsert principal: %w", err)
	}
	return stored, nil
}

// WithinAttemptTx takes a transaction-scoped advisory lock on the username so
// concurrent attempt writers for the same account run one at a time.
func (r *Repository) WithinAttemptTx(ctx context.Context, username string, fn func(AttemptStore) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin login attempt tx: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, username); err != nil {
		return rollback(ctx, tx, fmt.Errorf("lock login attempts: %w", err))
	}

	if err := fn(&Repository{db: tx}); err != nil {
		return rollback(ctx, tx, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit login attempt tx: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback login attempt tx: %w", err))
	}
	return cause
}

func (r *Repository) InsertLoginAttempt(ctx context.Context, a LoginAttempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO login_attempts (id, username, ip_address, user_agent, attempt_time, success, failure_reason)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''))
	`, a.ID, a.Username, a.IPAddress, a.UserAgent, a.AttemptTime.UTC(), a.Success, a.FailureReason)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (r *Repository) LastSuccessfulAttempt(ctx context.Context, username string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, `
		SELECT attempt_time
		FROM login_attempts
		WHERE username = $1 AND success
		ORDER BY attempt_time DESC
		LIMIT 1
	`, username).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query last successful attempt: %w", err)
	}
	return at.UTC(), true, nil
}

func (r *Repository) CountFailedAttemptsSince(ctx context.Context, username string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM login_attempts
		WHERE username = $1 AND NOT success AND attempt_time > $2
	`, username, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return count, nil
}

const lockoutColumns = `id, username, locked_at, unlock_at, failed_attempts, is_active`

func (r *Repository) GetLockout(ctx context.Context, username string) (AccountLockout, bool, error) {
	lockout, err := scanLockout(r.db.QueryRow(ctx, `
		SELECT `+lockoutColumns+`
		FROM account_lockouts
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountLockout{}, false, nil
		}
		return AccountLockout{}, false, fmt.Errorf("query lockout: %w", err)
	}
	return lockout, true, nil
}

// UpsertLockout writes the single lockout row for the username, reactivating
// and overwriting it when one already exists.
func (r *Repository) UpsertLockout(ctx context.Context, l AccountLockout) (AccountLockout, error) {
	if l.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return AccountLockout{}, fmt.Errorf("generate lockout id: %w", err)
		}
		l.ID = id.String()
	}

	stored, err := scanLockout(r.db.QueryRow(ctx, `
		INSERT INTO account_lockouts (id, username, locked_at, unlock_at, failed_attempts, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			locked_at = EXCLUDED.locked_at,
			unlock_at = EXCLUDED.unlock_at,
			failed_attempts = EXCLUDED.failed_attempts,
			is_active = EXCLUDED.is_active
		RETURNING `+lockoutColumns,
		l.ID, l.Username, l.LockedAt.UTC(), l.UnlockAt.UTC(), l.FailedAttempts, l.Active))
	if err != nil {
		return AccountLockout{}, fmt.Errorf("upsert lockout: %w", err)
	}
	return stored, nil
}

func (r *Repository) DeactivateLockout(ctx context.Context, username string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE account_lockouts
		SET is_active = FALSE
		WHERE username = $1 AND is_active
	`, username)
	if err != nil {
		return 0, fmt.Errorf("deactivate lockout: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeactivateExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE account_lockouts
		SET is_active = FALSE
		WHERE is_active AND unlock_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate expired lockouts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) InsertRevokedToken(ctx context.Context, t RevokedToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING
	`, t.JTI, t.ExpiresAt.UTC(), t.RevokedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

func (r *Repository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return revoked, nil
}

// DeleteRevokedTokensExpiredBefore deletes in batches until fewer than
// batchSize rows go in one pass.
func (r *Repository) DeleteRevokedTokensExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		tag, err := r.db.Exec(ctx, `
			WITH stale AS (
				SELECT jti
				FROM revoked_tokens
				WHERE expires_at < $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
			DELETE FROM revoked_tokens t
			USING stale
			WHERE t.jti = stale.jti
		`, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale revoked tokens: %w", err)
		}

		affected := tag.RowsAffected()
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

func (r *Repository) CreatePasswordReset(ctx context.Context, reset PasswordReset) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO password_resets (id, email, code_hash, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reset.ID, reset.Email, reset.CodeHash, reset.Status, reset.ExpiresAt.UTC(), reset.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (r *Repository) GetPendingPasswordReset(ctx context.Context, codeHash string, now time.Time) (PasswordReset, error) {
	var reset PasswordReset
	err := r.db.QueryRow(ctx, `
		SELECT id, email, code_hash, status, expires_at, created_at
		FROM password_resets
		WHERE code_hash = $1 AND status = $2 AND expires_at > $3
	`, codeHash, resetStatusPending, now.UTC()).Scan(
		&reset.ID, &reset.Email, &reset.CodeHash, &reset.Status, &reset.ExpiresAt, &reset.CreatedAt,
	)
	if err != nil {
		return PasswordReset{}, wrapNotFound(err, "query password reset")
	}
	return reset, nil
}

func (r *Repository) MarkPasswordResetUsed(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE password_resets
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, resetStatusUsed, resetStatusPending)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p      Principal
		role   string
		status string
	)
	if err := row.Scan(
		&p.ID, &p.Username, &p.Email, &p.PasswordHash, &role, &status, &p.OTPHash, &p.OTPNonce, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return Principal{}, err
	}
	p.Role = Role(role)
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanLockout(row pgx.Row) (AccountLockout, error) {
	var l AccountLockout
	if err := row.Scan(&l.ID, &l.Username, &l.LockedAt, &l.UnlockAt, &l.FailedAttempts, &l.Active); err != nil {
		return AccountLockout{}, err
	}
	l.LockedAt = l.LockedAt.UTC()
	l.UnlockAt = l.UnlockAt.UTC()
	return l, nil
}

func wrapNotFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
