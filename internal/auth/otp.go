package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	defaultOTPInterval = 30 * time.Minute
	otpNonceBytes      = 16
)

var otpKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// OTPGenerator issues time-stepped codes. Every issuance gets its own TOTP key,
// HMAC(system secret, principal ID || nonce), so codes differ across principals
// and a reissue within the same step yields a new code. Only a bcrypt hash of
// the latest code and its nonce are kept on the principal.
type OTPGenerator struct {
	secret []byte
	opts   totp.ValidateOpts
	hasher *Hasher
	store  PrincipalStore
	now    func() time.Time
	nonce  func() (string, error)
}

func NewOTPGenerator(rawSecret string, interval time.Duration, hasher *Hasher, store PrincipalStore) *OTPGenerator {
	if interval <= 0 {
		interval = defaultOTPInterval
	}

	return &OTPGenerator{
		secret: []byte(rawSecret),
		opts: totp.ValidateOpts{
			Period:    uint(interval / time.Second),
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
		hasher: hasher,
		store:  store,
		now:    time.Now,
		nonce:  randomNonce,
	}
}

// GenerateAndStore persists the hash of a fresh code on the principal and
// returns the plaintext code. A newer code replaces any earlier one.
func (g *OTPGenerator) GenerateAndStore(ctx context.Context, principal *Principal) (string, error) {
	nonce, err := g.nonce()
	if err != nil {
		return "", fmt.Errorf("generate otp nonce: %w", err)
	}

	code, err := totp.GenerateCodeCustom(g.keyFor(principal.ID, nonce), g.now().UTC(), g.opts)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}

	hashed, err := g.hasher.Hash(code)
	if err != nil {
		return "", err
	}
	if err := g.store.SetOTP(ctx, principal.ID, hashed, nonce); err != nil {
		return "", err
	}
	principal.OTPHash = hashed
	principal.OTPNonce = nonce

	return code, nil
}

// Verify returns ErrNotFound when no code was issued and ErrUnauthorized on mismatch.
func (g *OTPGenerator) Verify(code string, principal Principal) error {
	if principal.OTPHash == "" || principal.OTPNonce == "" {
		return ErrNotFound
	}
	if !g.hasher.Verify(code, principal.OTPHash) {
		return ErrUnauthorized
	}

	valid, err := totp.ValidateCustom(code, g.keyFor(principal.ID, principal.OTPNonce), g.now().UTC(), g.opts)
	if err != nil || !valid {
		return ErrUnauthorized
	}
	return nil
}

func (g *OTPGenerator) keyFor(principalID, nonce string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(principalID))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	return otpKeyEncoding.EncodeToString(mac.Sum(nil))
}

func randomNonce() (string, error) {
	buf := make([]byte, otpNonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
