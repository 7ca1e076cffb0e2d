package api

import (
	"net/http"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/poller"
)

// Sweeper is the reconciler surface the handler needs.
type Sweeper interface {
	Snapshot() poller.Stats
	ResetStats()
	Tick()
}

// ReconcilerHandler exposes reconciler counters and a manual sweep trigger
// for operators.
type ReconcilerHandler struct {
	reconciler Sweeper
	logger     *zap.Logger
}

func NewReconcilerHandler(reconciler Sweeper, logger *zap.Logger) *ReconcilerHandler {
	return &ReconcilerHandler{reconciler: reconciler, logger: logger}
}

// GetStats handles GET /api/reconciler/stats
func (h *ReconcilerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(h.logger, w, http.StatusOK, h.reconciler.Snapshot())
}

// ResetStats handles POST /api/reconciler/stats/reset
func (h *ReconcilerHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.reconciler.ResetStats()
	writeJSONResponse(h.logger, w, http.StatusOK, map[string]string{"status": "reset"})
}

// TriggerSweep handles POST /api/reconciler/poll. The sweep runs in the
// background; an overlapping sweep is skipped by the reconciler itself.
func (h *ReconcilerHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	go h.reconciler.Tick()
	writeJSONResponse(h.logger, w, http.StatusAccepted, map[string]string{"status": "started"})
}
