package maintenance

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"account-service/internal/apperr"
	"account-service/internal/httpx"
	"account-service/internal/observability"
)

// SessionSweeper drops session secrets whose refresh expiry is before the cutoff.
type SessionSweeper interface {
	ClearExpiredSessions(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	ClearedSessions int64 `json:"clearedSessions"`
}

type CleanupHandler struct {
	sweeper    SessionSweeper
	logger     *observability.Logger
	cronSecret string
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(sweeper SessionSweeper, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Without a configured secret the endpoint does not exist.
	if h.cronSecret == "" {
		httpx.Fail(w, r, h.logger, apperr.NotFound("not found"))
		return
	}

	token, ok := httpx.BearerToken(r.Header.Get("Authorization"))
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
		httpx.Fail(w, r, h.logger, apperr.Unauthorized("unauthorized"))
		return
	}

	cleared, err := h.sweeper.ClearExpiredSessions(r.Context(), h.now(), h.batchSize)
	if err != nil {
		h.logger.Error("session_cleanup_failed", map[string]any{"error": err.Error()})
		httpx.Fail(w, r, h.logger, apperr.Internal("cleanup failed", err))
		return
	}

	h.logger.Info("session_cleanup_completed", map[string]any{"cleared_sessions": cleared})
	httpx.Respond(w, http.StatusOK, CleanupResult{ClearedSessions: cleared}, "Cleanup completed")
}
