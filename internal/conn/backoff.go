package conn

import (
	"fmt"
	"time"
)

const (
	DefaultBackoffFloor   = 100 * time.Millisecond
	DefaultBackoffCeiling = 30 * time.Second
	DefaultBackoffFactor  = 2.0
)

// Policy is the reconnect delay policy. Factor 1 gives a fixed delay of
// Floor; larger factors grow the delay geometrically up to Ceiling.
type Policy struct {
	Floor   time.Duration
	Ceiling time.Duration
	Factor  float64
}

// DefaultPolicy returns the exponential policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{Floor: DefaultBackoffFloor, Ceiling: DefaultBackoffCeiling, Factor: DefaultBackoffFactor}
}

// Validate reports whether the policy is bounded and usable.
func (p Policy) Validate() error {
	if p.Floor <= 0 {
		return fmt.Errorf("backoff floor must be positive, got %s", p.Floor)
	}
	if p.Ceiling < p.Floor {
		return fmt.Errorf("backoff ceiling %s is below floor %s", p.Ceiling, p.Floor)
	}
	if p.Factor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %g", p.Factor)
	}
	return nil
}

// Next returns the delay to use after current. The result is always in
// [Floor, Ceiling].
func (p Policy) Next(current time.Duration) time.Duration {
	if current < p.Floor {
		return p.Floor
	}
	next := float64(current) * p.Factor
	if next >= float64(p.Ceiling) {
		return p.Ceiling
	}
	return time.Duration(next)
}
