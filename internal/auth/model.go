package auth

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleFeeder  Role = "feeder"
	RoleManager Role = "manager"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleFeeder, RoleManager:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

type Principal struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Status       Status
	OTPHash      string
	OTPNonce     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PrincipalSummary is the public view of a principal returned by /auth/me.
type PrincipalSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	Status   Status `json:"status"`
}

func (p Principal) Summary() PrincipalSummary {
	return PrincipalSummary{
		ID:       p.ID,
		Username: p.Username,
		Email:    p.Email,
		Role:     p.Role,
		Status:   p.Status,
	}
}

// AttemptContext carries request metadata recorded with every login attempt.
type AttemptContext struct {
	IPAddress string
	UserAgent string
}

type LoginAttempt struct {
	ID            string
	Username      string
	IPAddress     string
	UserAgent     string
	AttemptTime   time.Time
	Success       bool
	FailureReason string
}

type AccountLockout struct {
	ID             string
	Username       string
	LockedAt       time.Time
	UnlockAt       time.Time
	FailedAttempts int
	Active         bool
}

type LockoutStatus struct {
	Username          string     `json:"username" yaml:"username"`
	CanAttempt        bool       `json:"can_attempt" yaml:"can_attempt"`
	IsLocked          bool       `json:"is_locked" yaml:"is_locked"`
	UnlockAt          *time.Time `json:"unlock_at,omitempty" yaml:"unlock_at,omitempty"`
	FailedAttempts    int        `json:"failed_attempts" yaml:"failed_attempts"`
	AttemptsRemaining int        `json:"attempts_remaining" yaml:"attempts_remaining"`
}

type RevokedToken struct {
	JTI       string
	ExpiresAt time.Time
	RevokedAt time.Time
}

type PasswordReset struct {
	ID        string
	Email     string
	CodeHash  string
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

const (
	resetStatusPending = "pending"
	resetStatusUsed    = "used"
)

// Identity is what an authenticated access token resolves to.
type Identity struct {
	Subject string `json:"username"`
	Role    Role   `json:"role"`
}

type Challenge struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

// Session is the result of a completed login. RefreshToken travels as a cookie only.
type Session struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}
