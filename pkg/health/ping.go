package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is implemented by the event store and the sinks
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when its Ping succeeds
type PingChecker struct {
	target Pinger
}

// NewPingChecker creates a checker for target
func NewPingChecker(target Pinger) *PingChecker {
	return &PingChecker{target: target}
}

func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if err := p.target.Ping(ctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ping failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
