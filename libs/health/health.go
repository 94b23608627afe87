package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency (database, broker) is usable.
type Check func(ctx context.Context) error

type Manager struct {
	ready   atomic.Bool
	checks  map[string]Check
	timeout time.Duration
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
	}
	m.ready.Store(initialReady)
	return m
}

// AddCheck registers a dependency probe run by the readiness handler.
// Must be called before the manager is served.
func (m *Manager) AddCheck(name string, check Check) {
	if check == nil {
		return
	}
	m.checks[name] = check
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Probe runs every registered check and returns the failures keyed by name.
func (m *Manager) Probe(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	failures := map[string]string{}
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ts": time.Now().UnixMilli()})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failures := m.Probe(c.Request.Context()); len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
