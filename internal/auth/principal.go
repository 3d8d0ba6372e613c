package auth

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	minPasswordLength = 12
	maxPasswordLength = 200
)

// PrincipalUpdate is a partial update. Nil fields are left unchanged.
type PrincipalUpdate struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Role     *Role   `json:"role,omitempty"`
	Status   *Status `json:"status,omitempty"`
}

func (u PrincipalUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.Role == nil && u.Status == nil
}

// Apply validates every set field and returns the merged copy. p is not modified.
func (u PrincipalUpdate) Apply(p Principal) (Principal, error) {
	if u.Empty() {
		return Principal{}, fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}

	next := p
	if u.Username != nil {
		username := normalizeUsername(*u.Username)
		if err := validateUsername(username); err != nil {
			return Principal{}, err
		}
		next.Username = username
	}
	if u.Email != nil {
		email, err := normalizeEmail(*u.Email)
		if err != nil {
			return Principal{}, err
		}
		next.Email = email
	}
	if u.Role != nil {
		if !u.Role.Valid() {
			return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *u.Role)
		}
		next.Role = *u.Role
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return Principal{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *u.Status)
		}
		next.Status = *u.Status
	}
	return next, nil
}

func validateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username format is invalid", ErrInvalidInput)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be %d to %d characters", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email format is invalid", ErrInvalidInput)
	}
	return email, nil
}
