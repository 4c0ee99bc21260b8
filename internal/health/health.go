// Package health tracks the reachability of each configured server endpoint.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wingetdash/fleet/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of an endpoint.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// unhealthyAfter is the number of consecutive failures that marks an
// endpoint unhealthy. Fewer failures mark it degraded.
const unhealthyAfter = 3

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case Unknown, Healthy, Degraded, Unhealthy:
		return true
	}
	return false
}

// Check stores the latest health result for one endpoint.
type Check struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	Message             string    `json:"message,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for multiple endpoints.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Success records a successful call to the named endpoint.
func (m *Monitor) Success(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.checks[name]
	if prev.Status != "" && prev.Status != Healthy {
		log.Info("endpoint recovered", "endpoint", name, "after", prev.ConsecutiveFailures)
	}
	m.checks[name] = Check{
		Name:        name,
		Status:      Healthy,
		LastSuccess: now,
		UpdatedAt:   now,
	}
}

// Failure records a failed call. The status degrades on the first failure
// and turns unhealthy after repeated ones.
func (m *Monitor) Failure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.checks[name]
	c.Name = name
	c.ConsecutiveFailures++
	c.Message = fmt.Sprint(err)
	c.UpdatedAt = m.now()
	c.Status = Degraded
	if c.ConsecutiveFailures >= unhealthyAfter {
		c.Status = Unhealthy
	}
	m.checks[name] = c

	log.Warn("endpoint check failed", "endpoint", name, "status", string(c.Status),
		"consecutiveFailures", c.ConsecutiveFailures, "error", err)
}

// Get returns the health check for a named endpoint.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the best status across endpoints: the agent is healthy as
// long as one server is reachable. Returns Unknown with no checks.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return overall(m.checks)
}

func overall(checks map[string]Check) Status {
	if len(checks) == 0 {
		return Unknown
	}
	best := Unhealthy
	for _, c := range checks {
		if statusRank(c.Status) < statusRank(best) {
			best = c.Status
		}
	}
	return best
}

// All returns a snapshot of all current checks, sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Snapshot is the on-disk form read by `fleet-agent status`.
type Snapshot struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version"`
	Endpoints []Check   `json:"endpoints"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot(version string) Snapshot {
	return Snapshot{
		Status:    m.Overall(),
		Version:   version,
		Endpoints: m.All(),
		WrittenAt: m.now().UTC(),
	}
}

// WriteFile atomically writes the snapshot as JSON.
func (m *Monitor) WriteFile(path, version string) error {
	data, err := json.MarshalIndent(m.Snapshot(version), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
