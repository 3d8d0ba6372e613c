package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"farm-identity/internal/observability"
)

type LockoutCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type RevocationPruner interface {
	Prune(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeactivatedLockouts int64 `json:"deactivated_lockouts"`
	DeletedRevokedIDs   int64 `json:"deleted_revoked_ids"`
}

// Runner deactivates expired lockouts and prunes revoked token ids whose
// tokens expired more than retention ago. Login attempts are never deleted.
type Runner struct {
	lockouts  LockoutCleaner
	revoked   RevocationPruner
	retention time.Duration
	batchSize int
	now       func() time.Time
}

func NewRunner(lockouts LockoutCleaner, revoked RevocationPruner, retention time.Duration, batchSize int) *Runner {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	return &Runner{
		lockouts:  lockouts,
		revoked:   revoked,
		retention: retention,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (r *Runner) Run(ctx context.Context) (CleanupResult, error) {
	deactivated, err := r.lockouts.CleanupExpired(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	cutoff := r.now().UTC().Add(-r.retention)
	deleted, err := r.revoked.Prune(ctx, cutoff, r.batchSize)
	if err != nil {
		return CleanupResult{DeactivatedLockouts: deactivated}, err
	}

	return CleanupResult{
		DeactivatedLockouts: deactivated,
		DeletedRevokedIDs:   deleted,
	}, nil
}

type CleanupHandler struct {
	runner     *Runner
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(runner *Runner, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		runner:     runner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.runner.Run(r.Context())
	if err != nil {
		h.logger.Error("identity_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("identity_cleanup_completed", map[string]any{
		"deactivated_lockouts": result.DeactivatedLockouts,
		"deleted_revoked_ids":  result.DeletedRevokedIDs,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
