package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Level is the health of one component
type Level int

const (
	LevelHealthy Level = iota
	// LevelDegraded is a component that works but limits what the node does,
	// such as a node the server disabled
	LevelDegraded
	LevelUnhealthy
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Component names reported by the agent
const (
	ComponentStore   = "store"
	ComponentChannel = "channel"
	ComponentRunners = "runners"
)

// criticalComponents must be healthy for the node to report ready
var criticalComponents = []string{ComponentStore, ComponentChannel}

// staleAfter marks a component unhealthy when nothing refreshed it, which
// means the collector stopped
const staleAfter = 3 * defaultCollectInterval

// NodeSummary is the part of the snapshot exposed on the health endpoints
type NodeSummary struct {
	ActiveRunners  int  `json:"activeRunners"`
	Capacity       int  `json:"capacity"`
	ConfigRevision int  `json:"configRevision"`
	AcceptingWork  bool `json:"acceptingWork"`
}

// HealthStatus is the body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Node       *NodeSummary      `json:"node,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Level   Level
	Message string
	Updated time.Time
}

func (c ComponentHealth) describe(now time.Time) (Level, string) {
	if now.Sub(c.Updated) > staleAfter {
		return LevelUnhealthy, "unhealthy: stale since " + c.Updated.Format(time.RFC3339)
	}
	if c.Message == "" {
		return c.Level, c.Level.String()
	}
	return c.Level, c.Level.String() + ": " + c.Message
}

// HealthChecker holds the latest component reports
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	node       *NodeSummary
	startTime  time.Time
	version    string
	now        func() time.Time
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		now:        time.Now,
	}
}

var healthChecker = newHealthChecker()

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
	BuildInfo.WithLabelValues(version).Set(1)
}

// UpdateComponent records the health of a component
func UpdateComponent(name string, level Level, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Level:   level,
		Message: message,
		Updated: healthChecker.now(),
	}
}

// SetNodeSummary publishes the node block of the health responses
func SetNodeSummary(s NodeSummary) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.node = &s
}

// GetHealth folds every component into one status. The worst level wins.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	now := healthChecker.now()
	worst := LevelHealthy
	components := make(map[string]string, len(healthChecker.components))
	var degraded []string

	for name, comp := range healthChecker.components {
		level, desc := comp.describe(now)
		components[name] = desc
		if level > worst {
			worst = level
		}
		if level != LevelHealthy {
			degraded = append(degraded, name)
		}
	}

	status := healthChecker.base(now)
	status.Status = worst.String()
	status.Components = components
	if len(degraded) > 0 {
		sort.Strings(degraded)
		status.Message = "check " + joinNames(degraded)
	}
	return status
}

// GetReadiness reports ready once every critical component is healthy.
// A degraded runner pool does not affect readiness.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	now := healthChecker.now()
	status := healthChecker.base(now)
	status.Status = "ready"
	status.Components = make(map[string]string, len(criticalComponents))

	for _, name := range criticalComponents {
		comp, ok := healthChecker.components[name]
		if !ok {
			status.Status = "not_ready"
			status.Message = "waiting for " + name
			status.Components[name] = "not reported"
			continue
		}
		level, desc := comp.describe(now)
		status.Components[name] = desc
		if level != LevelHealthy {
			status.Status = "not_ready"
			status.Message = "waiting for " + name
		}
	}
	return status
}

func (h *HealthChecker) base(now time.Time) HealthStatus {
	return HealthStatus{
		Timestamp: now,
		Version:   h.version,
		Uptime:    now.Sub(h.startTime).Round(time.Second).String(),
		Node:      h.node,
	}
}

func joinNames(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health. Only an unhealthy node answers 503; a
// degraded one is still up.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == LevelUnhealthy.String() {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler serves /live, which answers as long as the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthChecker.mu.RLock()
		uptime := time.Since(healthChecker.startTime).Round(time.Second)
		healthChecker.mu.RUnlock()

		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}
