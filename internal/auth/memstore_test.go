package auth

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"farm-identity/internal/mocks"
	"farm-identity/internal/observability"
)

// memStore is an in-memory implementation of every store interface.
type memStore struct {
	txMu       sync.Mutex
	mu         sync.Mutex
	upsertErr  error
	principals map[string]Principal
	attempts   []LoginAttempt
	lockouts   map[string]AccountLockout
	revoked    map[string]RevokedToken
	resets     map[string]PasswordReset
}

func newMemStore() *memStore {
	return &memStore{
		principals: make(map[string]Principal),
		lockouts:   make(map[string]AccountLockout),
		revoked:    make(map[string]RevokedToken),
		resets:     make(map[string]PasswordReset),
	}
}

func (m *memStore) GetPrincipalByUsername(_ context.Context, username string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.Username == username {
			return p, nil
		}
	}
	return Principal{}, ErrNotFound
}

func (m *memStore) GetPrincipalByEmail(_ context.Context, email string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.Email == email {
			return p, nil
		}
	}
	return Principal{}, ErrNotFound
}

func (m *memStore) SetOTP(_ context.Context, id, hash, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.OTPHash = hash
	p.OTPNonce = nonce
	m.principals[id] = p
	return nil
}

func (m *memStore) SetPasswordHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.PasswordHash = hash
	m.principals[id] = p
	return nil
}

func (m *memStore) UpdatePrincipal(_ context.Context, p Principal) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[p.ID]; !ok {
		return Principal{}, ErrNotFound
	}
	for id, other := range m.principals {
		if id != p.ID && (other.Username == p.Username || other.Email == p.Email) {
			return Principal{}, ErrConflict
		}
	}
	m.principals[p.ID] = p
	return p, nil
}

func (m *memStore) UpsertPrincipal(_ context.Context, p Principal) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.principals {
		if existing.Username == p.Username {
			existing.Email = p.Email
			existing.PasswordHash = p.PasswordHash
			existing.Role = p.Role
			existing.Status = p.Status
			existing.UpdatedAt = p.UpdatedAt
			m.principals[id] = existing
			return existing, nil
		}
	}
	m.principals[p.ID] = p
	return p, nil
}

// WithinAttemptTx serializes callers and restores the attempt log and
// lockouts when fn fails.
func (m *memStore) WithinAttemptTx(_ context.Context, _ string, fn func(AttemptStore) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	attempts := len(m.attempts)
	lockouts := make(map[string]AccountLockout, len(m.lockouts))
	for k, v := range m.lockouts {
		lockouts[k] = v
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.attempts = m.attempts[:attempts]
		m.lockouts = lockouts
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) InsertLoginAttempt(_ context.Context, a LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) LastSuccessfulAttempt(_ context.Context, username string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		last  time.Time
		found bool
	)
	for _, a := range m.attempts {
		if a.Username == username && a.Success && (!found || a.AttemptTime.After(last)) {
			last, found = a.AttemptTime, true
		}
	}
	return last, found, nil
}

func (m *memStore) CountFailedAttemptsSince(_ context.Context, username string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.attempts {
		if a.Username == username && !a.Success && a.AttemptTime.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetLockout(_ context.Context, username string) (AccountLockout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lockouts[username]
	return l, ok, nil
}

func (m *memStore) UpsertLockout(_ context.Context, l AccountLockout) (AccountLockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return AccountLockout{}, m.upsertErr
	}
	if existing, ok := m.lockouts[l.Username]; ok {
		l.ID = existing.ID
	}
	if l.ID == "" {
		l.ID = "lockout-" + l.Username
	}
	m.lockouts[l.Username] = l
	return l, nil
}

func (m *memStore) DeactivateLockout(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lockouts[username]
	if !ok || !l.Active {
		return 0, nil
	}
	l.Active = false
	m.lockouts[username] = l
	return 1, nil
}

func (m *memStore) DeactivateExpiredLockouts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for username, l := range m.lockouts {
		if l.Active && !l.UnlockAt.After(now) {
			l.Active = false
			m.lockouts[username] = l
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertRevokedToken(_ context.Context, t RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[t.JTI]; !ok {
		m.revoked[t.JTI] = t
	}
	return nil
}

func (m *memStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *memStore) DeleteRevokedTokensExpiredBefore(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, t := range m.revoked {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.revoked, jti)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreatePasswordReset(_ context.Context, r PasswordReset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[r.ID] = r
	return nil
}

func (m *memStore) GetPendingPasswordReset(_ context.Context, codeHash string, now time.Time) (PasswordReset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resets {
		if r.CodeHash == codeHash && r.Status == resetStatusPending && r.ExpiresAt.After(now) {
			return r, nil
		}
	}
	return PasswordReset{}, ErrNotFound
}

func (m *memStore) MarkPasswordResetUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resets[id]
	if !ok || r.Status != resetStatusPending {
		return ErrNotFound
	}
	r.Status = resetStatusUsed
	m.resets[id] = r
	return nil
}

func (m *memStore) attemptsFor(username string) []LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LoginAttempt
	for _, a := range m.attempts {
		if a.Username == username {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptTime.Before(out[j].AttemptTime) })
	return out
}

func (m *memStore) activeLockouts(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.lockouts {
		if l.Username == username && l.Active {
			n++
		}
	}
	return n
}

// testClock is a settable clock shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testSecret    = "test-signing-secret-0123456789abcdef"
	testOTPSecret = "test-otp-secret-0123456789abcdef"
	testPassword  = "correct-horse-battery"
)

type fixture struct {
	store    *memStore
	clock    *testClock
	hasher   *Hasher
	tokens   *TokenCodec
	otp      *OTPGenerator
	tracker  *LoginTracker
	ledger   *RevocationLedger
	notifier *mocks.MockNotifier
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	store := newMemStore()
	clock := newTestClock()
	hasher := NewHasher(bcrypt.MinCost)

	tokens, err := NewTokenCodec(testSecret, "HS256", 30*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	tokens.now = clock.Now

	otp := NewOTPGenerator(testOTPSecret, 30*time.Minute, hasher, store)
	otp.now = clock.Now

	tracker := NewLoginTracker(store, LockoutPolicy{MaxAttempts: 5, LockDuration: 15 * time.Minute, Window: 60 * time.Minute})
	tracker.now = clock.Now

	ledger := NewRevocationLedger(store)
	ledger.now = clock.Now

	notifier := mocks.NewMockNotifier(ctrl)

	service := NewService(ServiceDeps{
		Principals: store,
		Resets:     store,
		Tracker:    tracker,
		Ledger:     ledger,
		Tokens:     tokens,
		OTP:        otp,
		Hasher:     hasher,
		Notifier:   notifier,
		Logger:     observability.NewLoggerTo(io.Discard, "test"),
	})
	service.now = clock.Now

	return &fixture{
		store:    store,
		clock:    clock,
		hasher:   hasher,
		tokens:   tokens,
		otp:      otp,
		tracker:  tracker,
		ledger:   ledger,
		notifier: notifier,
		service:  service,
	}
}

func (f *fixture) addPrincipal(t *testing.T, username string, role Role, status Status) Principal {
	t.Helper()

	hashed, err := f.hasher.Hash(testPassword)
	require.NoError(t, err)

	p := Principal{
		ID:           "id-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hashed,
		Role:         role,
		Status:       status,
		CreatedAt:    f.clock.Now(),
		UpdatedAt:    f.clock.Now(),
	}
	f.store.principals[p.ID] = p
	return p
}
