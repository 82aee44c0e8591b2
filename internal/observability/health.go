// Package observability serves the agent's HTTP health endpoint.
package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports agent liveness over HTTP. The agent marks each
// successful bus pull; once pulls go stale the endpoint flips to
// NOT_READY so the supervisor restarts the process.
type HealthChecker struct {
	httpServer *http.Server
	logger     *zap.Logger
	staleAfter time.Duration

	mu       sync.RWMutex
	ready    bool
	lastPull time.Time
}

// NewHealthChecker creates a health checker. staleAfter <= 0 disables the
// pull-staleness check.
func NewHealthChecker(logger *zap.Logger, staleAfter time.Duration) *HealthChecker {
	return &HealthChecker{
		logger:     logger,
		staleAfter: staleAfter,
		ready:      true,
	}
}

// MarkPull records a successful bus poll. Nil-safe so callers need no
// health wiring in tests.
func (h *HealthChecker) MarkPull() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.lastPull = time.Now()
	h.mu.Unlock()
}

// SetReady flips overall readiness, used during shutdown.
func (h *HealthChecker) SetReady(ready bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// Run serves /healthz until the context ends.
func (h *HealthChecker) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	h.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("health server listening", zap.String("addr", addr))
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	lastPull := h.lastPull
	h.mu.RUnlock()

	stale := false
	if h.staleAfter > 0 && !lastPull.IsZero() {
		stale = time.Since(lastPull) > h.staleAfter
	}

	if ready && !stale {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT_READY"))
}
