package bench

import (
	"errors"
	"fmt"
	"time"
)

// Plan is the ramp-up schedule: Count sessions started Interval apart, each
// kept alive for at most Lifetime after negotiation.
type Plan struct {
	Count    int           `json:"count"`
	Interval time.Duration `json:"interval"`
	Lifetime time.Duration `json:"lifetime"`
}

var ErrInvalidPlan = errors.New("invalid bench plan")

func (p Plan) Validate() error {
	switch {
	case p.Count <= 0:
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidPlan, p.Count)
	case p.Interval < 0:
		return fmt.Errorf("%w: interval must not be negative, got %s", ErrInvalidPlan, p.Interval)
	case p.Lifetime <= 0:
		return fmt.Errorf("%w: lifetime must be positive, got %s", ErrInvalidPlan, p.Lifetime)
	}
	return nil
}

// RampDuration is how long it takes to start every session.
func (p Plan) RampDuration() time.Duration {
	if p.Count <= 1 {
		return 0
	}
	return time.Duration(p.Count-1) * p.Interval
}
