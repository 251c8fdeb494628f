package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the timing of a single service check
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Timeout bounds each attempt
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive passes needed
	SuccessThreshold int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		Timeout:          5 * time.Second,
		SuccessThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// Status tracks the check history of one service
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	Attempts             int
	LastCheck            time.Time
	LastResult           Result
}

// NewStatus creates an empty Status
func NewStatus() *Status {
	return &Status{}
}

// Update records a new check result
func (s *Status) Update(result Result) {
	s.Attempts++
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}
}

// Passing reports whether the success threshold has been reached
func (s *Status) Passing(config Config) bool {
	return s.ConsecutiveSuccesses >= config.withDefaults().SuccessThreshold
}
