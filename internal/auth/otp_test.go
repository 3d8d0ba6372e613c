package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestOTP(store *memStore, clock *testClock) *OTPGenerator {
	g := NewOTPGenerator(testOTPSecret, 30*time.Minute, NewHasher(bcrypt.MinCost), store)
	g.now = clock.Now
	return g
}

func TestOTPGenerator_GenerateStoresOnlyHash(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["p1"] = Principal{ID: "p1", Username: "alice"}

	principal := store.principals["p1"]
	code, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)

	assert.Len(t, code, 6)
	assert.NotEmpty(t, principal.OTPHash)
	assert.NotEqual(t, code, principal.OTPHash)
	assert.Equal(t, principal.OTPHash, store.principals["p1"].OTPHash)

	require.NoError(t, g.Verify(code, principal))
}

func TestOTPGenerator_VerifyWithoutIssuedCode(t *testing.T) {
	g := newTestOTP(newMemStore(), newTestClock())

	err := g.Verify("123456", Principal{ID: "p1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOTPGenerator_WrongCode(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["p1"] = Principal{ID: "p1"}

	principal := store.principals["p1"]
	code, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, g.Verify(wrong, principal), ErrUnauthorized)
}

func TestOTPGenerator_AcceptsAdjacentStepOnly(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["p1"] = Principal{ID: "p1"}

	principal := store.principals["p1"]
	code, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, g.Verify(code, principal))

	clock.Advance(60 * time.Minute)
	assert.ErrorIs(t, g.Verify(code, principal), ErrUnauthorized)
}

func TestOTPGenerator_NewCodeInvalidatesPrevious(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["p1"] = Principal{ID: "p1"}

	principal := store.principals["p1"]
	first, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	second, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)
	if first == second {
		t.Skip("independent keys produced the same code")
	}

	assert.ErrorIs(t, g.Verify(first, principal), ErrUnauthorized)
	assert.NoError(t, g.Verify(second, principal))
}

func TestOTPGenerator_ReissueWithinSameStep(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["p1"] = Principal{ID: "p1"}

	principal := store.principals["p1"]
	first, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)
	firstNonce := principal.OTPNonce

	clock.Advance(time.Minute)
	second, err := g.GenerateAndStore(context.Background(), &principal)
	require.NoError(t, err)

	assert.NotEqual(t, firstNonce, principal.OTPNonce)
	assert.Equal(t, principal.OTPNonce, store.principals["p1"].OTPNonce)
	if first == second {
		t.Skip("independent keys produced the same code")
	}

	assert.ErrorIs(t, g.Verify(first, principal), ErrUnauthorized)
	assert.NoError(t, g.Verify(second, principal))
}

func TestOTPGenerator_KeysDifferPerIssuance(t *testing.T) {
	g := newTestOTP(newMemStore(), newTestClock())

	assert.NotEqual(t, g.keyFor("p1", "n1"), g.keyFor("p2", "n1"))
	assert.NotEqual(t, g.keyFor("p1", "n1"), g.keyFor("p1", "n2"))
	assert.Equal(t, g.keyFor("p1", "n1"), g.keyFor("p1", "n1"))
}

func TestOTPGenerator_CodeBoundToPrincipal(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	store.principals["alice"] = Principal{ID: "alice"}
	store.principals["bob"] = Principal{ID: "bob"}

	alice := store.principals["alice"]
	aliceCode, err := g.GenerateAndStore(context.Background(), &alice)
	require.NoError(t, err)

	bob := store.principals["bob"]
	bobCode, err := g.GenerateAndStore(context.Background(), &bob)
	require.NoError(t, err)
	if aliceCode == bobCode {
		t.Skip("independent keys produced the same code")
	}

	assert.ErrorIs(t, g.Verify(aliceCode, bob), ErrUnauthorized)
	assert.NoError(t, g.Verify(bobCode, bob))
}

func TestOTPGenerator_SharedNonceStillBoundToPrincipal(t *testing.T) {
	store := newMemStore()
	clock := newTestClock()
	g := newTestOTP(store, clock)
	g.nonce = func() (string, error) { return "fixed-nonce", nil }
	store.principals["alice"] = Principal{ID: "alice"}
	store.principals["bob"] = Principal{ID: "bob"}

	alice := store.principals["alice"]
	aliceCode, err := g.GenerateAndStore(context.Background(), &alice)
	require.NoError(t, err)

	bob := store.principals["bob"]
	bob.OTPNonce = "fixed-nonce"
	digest, err := g.hasher.Hash(aliceCode)
	require.NoError(t, err)
	bob.OTPHash = digest

	// Even with a matching hash and nonce the TOTP check is keyed by principal.
	bobKey := g.keyFor("bob", "fixed-nonce")
	for _, offset := range []time.Duration{-30 * time.Minute, 0, 30 * time.Minute} {
		current, err := totp.GenerateCodeCustom(bobKey, clock.Now().Add(offset), g.opts)
		require.NoError(t, err)
		if current == aliceCode {
			t.Skip("code collides with a valid step for the other principal")
		}
	}
	assert.ErrorIs(t, g.Verify(aliceCode, bob), ErrUnauthorized)
}

func TestOTPGenerator_MissingNonce(t *testing.T) {
	g := newTestOTP(newMemStore(), newTestClock())

	digest, err := g.hasher.Hash("123456")
	require.NoError(t, err)
	assert.ErrorIs(t, g.Verify("123456", Principal{ID: "p1", OTPHash: digest}), ErrNotFound)
}

func TestOTPGenerator_HashWithoutValidTOTPFails(t *testing.T) {
	clock := newTestClock()
	g := newTestOTP(newMemStore(), clock)

	const nonce = "abcdef"
	key := g.keyFor("p1", nonce)
	const forged = "424242"
	for _, offset := range []time.Duration{-30 * time.Minute, 0, 30 * time.Minute} {
		current, err := totp.GenerateCodeCustom(key, clock.Now().Add(offset), g.opts)
		require.NoError(t, err)
		if current == forged {
			t.Skip("forged code collides with a valid step")
		}
	}

	// The stored hash matches, but the code was never produced by the generator.
	digest, err := g.hasher.Hash(forged)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Verify(forged, Principal{ID: "p1", OTPHash: digest, OTPNonce: nonce}), ErrUnauthorized)
}
