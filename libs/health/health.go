package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes a dependency such as the database or redis.
type Check func(ctx context.Context) error

type Manager struct {
	ready  atomic.Bool
	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: map[string]Check{}}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) AddCheck(name string, check Check) {
	if check == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Failing runs every registered check and returns the failure message per dependency.
func (m *Manager) Failing(ctx context.Context) map[string]string {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	failed := map[string]string{}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if failed := m.Failing(ctx); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failing": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
