package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/fulmenhq/gofulmen/errors"
)

// Check states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// DefaultCheckTimeout bounds each checker.
const DefaultCheckTimeout = 5 * time.Second

// HealthChecker is implemented by dependencies the daemon needs, such as the
// task database and the log bucket.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time
	timeout   time.Duration

	ready atomic.Bool

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		timeout:   DefaultCheckTimeout,
		checkers:  make(map[string]HealthChecker),
	}
}

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

// RegisterChecker adds or replaces the checker called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// HealthHandler runs every checker. It answers 200 when all are healthy or
// only degraded, 503 otherwise.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == StatusUnhealthy {
		RespondWithError(w, http.StatusServiceUnavailable,
			apperrors.NewErrorEnvelope(CodeServiceUnavailable, "one or more health checks failed").
				WithPath(r.URL.Path).
				WithDetails(map[string]interface{}{"checks": checks}))
		return
	}
	writeJSON(w, http.StatusOK, m.response(status, checks))
}

// LiveHandler reports that the process is serving requests.
func (m *HealthManager) LiveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.response(StatusHealthy, nil))
}

// SetReady marks whether the dispatcher loop is polling.
func (m *HealthManager) SetReady(ready bool) {
	m.ready.Store(ready)
}

// ReadyHandler answers 503 until SetReady(true), then behaves like
// HealthHandler.
func (m *HealthManager) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !m.ready.Load() {
		RespondWithError(w, http.StatusServiceUnavailable,
			apperrors.NewErrorEnvelope(CodeServiceUnavailable, "dispatcher not polling yet").WithPath(r.URL.Path))
		return
	}
	m.HealthHandler(w, r)
}

// HealthHandler serves the process-wide manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).HealthHandler)
}

// LivenessHandler serves the process-wide manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).LiveHandler)
}

// ReadinessHandler serves the process-wide manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).ReadyHandler)
}

// StartupHandler reports the process has started; it matches liveness.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withManager(w, r, (*HealthManager).LiveHandler)
}

func withManager(w http.ResponseWriter, r *http.Request, h func(*HealthManager, http.ResponseWriter, *http.Request)) {
	m := GetHealthManager()
	if m == nil {
		RespondWithError(w, http.StatusServiceUnavailable,
			apperrors.NewErrorEnvelope(CodeServiceUnavailable, "health manager not initialized").WithPath(r.URL.Path))
		return
	}
	h(m, w, r)
}

func (m *HealthManager) response(status string, checks map[string]string) HealthResponse {
	return HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			state := StatusHealthy
			if err := checker.CheckHealth(cctx); err != nil {
				state = StatusUnhealthy
				if errors.Is(err, context.DeadlineExceeded) {
					state = StatusTimeout
				}
			}
			mu.Lock()
			results[name] = state
			mu.Unlock()
		}(name, checkers[i])
	}
	wg.Wait()
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, state := range checks {
		switch state {
		case StatusHealthy:
		case StatusTimeout, StatusDegraded:
			overall = StatusDegraded
		default:
			return StatusUnhealthy
		}
	}
	return overall
}
