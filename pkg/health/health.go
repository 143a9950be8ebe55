package health

import (
	"context"
	"time"
)

// CheckType identifies how a checker probes its dependency
type CheckType string

const (
	CheckTypePing CheckType = "ping"
	CheckTypeHTTP CheckType = "http"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often checks run and how many failures flip a component
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking unhealthy
	Retries int
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks consecutive results for one component
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy flips to false only after Retries consecutive failures and back
	// to true on the first success
	Healthy bool
}

// NewStatus creates a Status that starts healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}
