package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
)

// Reporter receives component state changes
type Reporter func(name string, healthy bool, message string)

type component struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor runs checkers periodically and reports each component's status to
// the metrics health registry, which backs /health and /ready.
type Monitor struct {
	cfg    Config
	report Reporter

	mu         sync.Mutex
	components []*component

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Zero config fields take DefaultConfig values.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:    cfg,
		report: metrics.ReportComponent,
		stopCh: make(chan struct{}),
	}
}

// Add registers a component. It must be called before Start.
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, &component{name: name, checker: checker, status: NewStatus()})
}

// Start checks every component immediately and then on each interval
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.CheckNow(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckNow runs every checker once and reports the results
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithComponent("health")

	for _, c := range m.components {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		result := c.checker.Check(checkCtx)
		cancel()

		wasHealthy := c.status.Healthy
		c.status.Update(result, m.cfg)

		if wasHealthy != c.status.Healthy {
			event := logger.Info()
			if !c.status.Healthy {
				event = logger.Error()
			}
			event.
				Str("component", c.name).
				Str("check", string(c.checker.Type())).
				Bool("healthy", c.status.Healthy).
				Str("message", result.Message).
				Msg("Component health changed")
		}

		message := result.Message
		if !result.Healthy && c.status.Healthy {
			message = "degraded: " + result.Message
		}
		m.report(c.name, c.status.Healthy, message)
	}
}

// Statuses returns a snapshot of every component's status by name
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.components))
	for _, c := range m.components {
		out[c.name] = *c.status
	}
	return out
}

// Names returns the registered component names in sorted order
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}
