package auth

import (
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("invalid credentials")
	ErrInvalidCode  = errors.New("invalid otp code")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("not enough permissions")
	ErrDelivery     = errors.New("failed to deliver verification code")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("already exists")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// RemainingMinutes rounds up so a lockout never reports zero while still active.
func (e ErrLoginLocked) RemainingMinutes(now time.Time) int {
	remaining := e.Until.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Minutes()))
}
