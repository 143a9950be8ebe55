package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall states reported by /health and /ready
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// DefaultCritical lists the components a Courier process cannot serve without:
// the event store, the telemetry sink and its own HTTP listener.
var DefaultCritical = []string{"store", "sink", "api"}

// ComponentState is the last reported state of one dependency
type ComponentState struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	// Since is when Healthy last changed
	Since   time.Time `json:"since"`
	Updated time.Time `json:"updated"`
}

// HealthReport is the body of /health and /ready
type HealthReport struct {
	Status     string                    `json:"status"`
	Version    string                    `json:"version,omitempty"`
	Uptime     string                    `json:"uptime"`
	Components map[string]ComponentState `json:"components"`
	// Waiting names the critical components that are missing or unhealthy
	Waiting []string `json:"waiting,omitempty"`
}

// HealthRegistry collects component states reported by the health monitor
// and the API server. A failing critical component takes the process down and
// out of rotation; a failing optional one (the email provider) only degrades it.
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentState
	critical   map[string]bool
	version    string
	started    time.Time
	now        func() time.Time
}

// NewHealthRegistry creates a registry with the given critical components
func NewHealthRegistry(critical ...string) *HealthRegistry {
	r := &HealthRegistry{
		components: make(map[string]ComponentState),
		started:    time.Now(),
		now:        time.Now,
	}
	r.SetCritical(critical...)
	return r
}

var defaultHealth = NewHealthRegistry(DefaultCritical...)

// SetCritical replaces the set of components readiness waits for
func (r *HealthRegistry) SetCritical(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.critical = make(map[string]bool, len(names))
	for _, n := range names {
		r.critical[n] = true
	}
}

// SetVersion sets the build version shown in reports
func (r *HealthRegistry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// Report records the state of a component and mirrors it on the
// courier_component_healthy gauge.
func (r *HealthRegistry) Report(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	state, seen := r.components[name]
	if !seen || state.Healthy != healthy {
		state.Since = now
	}
	state.Healthy = healthy
	state.Message = message
	state.Updated = now
	r.components[name] = state

	v := 0.0
	if healthy {
		v = 1
	}
	ComponentHealthy.WithLabelValues(name).Set(v)
}

// Health reports down when a critical component is unhealthy and degraded
// when only optional ones are.
func (r *HealthRegistry) Health() HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := r.snapshot()
	report.Status = StatusOK
	for _, c := range report.Components {
		if c.Healthy {
			continue
		}
		if c.Critical {
			report.Status = StatusDown
			break
		}
		report.Status = StatusDegraded
	}
	return report
}

// Readiness reports ready once every critical component has reported healthy
func (r *HealthRegistry) Readiness() HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := r.snapshot()
	for name := range r.critical {
		if c, ok := r.components[name]; !ok || !c.Healthy {
			report.Waiting = append(report.Waiting, name)
		}
	}
	sort.Strings(report.Waiting)

	report.Status = StatusReady
	if len(report.Waiting) > 0 {
		report.Status = StatusNotReady
	}
	return report
}

func (r *HealthRegistry) snapshot() HealthReport {
	components := make(map[string]ComponentState, len(r.components))
	for name, c := range r.components {
		c.Critical = r.critical[name]
		components[name] = c
	}
	return HealthReport{
		Version:    r.version,
		Uptime:     r.now().Sub(r.started).Round(time.Second).String(),
		Components: components,
	}
}

// HealthHandler serves /health: 503 only when the process is down
func (r *HealthRegistry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := r.Health()
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	}
}

// ReadyHandler serves /ready for load balancers
func (r *HealthRegistry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := r.Readiness()
		status := http.StatusOK
		if report.Status != StatusReady {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	}
}

// LivenessHandler answers 200 while the process runs
func (r *HealthRegistry) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": r.now().Sub(r.started).Round(time.Second).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Process-wide registry

// ReportComponent records a component state on the process registry
func ReportComponent(name string, healthy bool, message string) {
	defaultHealth.Report(name, healthy, message)
}

// SetCriticalComponents replaces the process registry's critical set
func SetCriticalComponents(names ...string) { defaultHealth.SetCritical(names...) }

// SetVersion sets the version shown by the process registry
func SetVersion(version string) { defaultHealth.SetVersion(version) }

func HealthHandler() http.HandlerFunc   { return defaultHealth.HealthHandler() }
func ReadyHandler() http.HandlerFunc    { return defaultHealth.ReadyHandler() }
func LivenessHandler() http.HandlerFunc { return defaultHealth.LivenessHandler() }
