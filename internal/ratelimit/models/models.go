package models

import (
	"strings"
	"time"
)

// Class groups endpoints that share a request budget.
type Class string

const (
	// ClassRead covers lookups, verification and quotes.
	ClassRead Class = "read"
	// ClassWrite covers registrations and session mutations.
	ClassWrite Class = "write"
	// ClassExpensive covers calls that reach a paid collaborator or sign.
	ClassExpensive Class = "expensive"
)

func (c Class) IsValid() bool {
	switch c {
	case ClassRead, ClassWrite, ClassExpensive:
		return true
	}
	return false
}

// Limit allows Requests per sliding Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits are per client IP.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassRead:      {Requests: 300, Window: time.Minute},
		ClassWrite:     {Requests: 60, Window: time.Minute},
		ClassExpensive: {Requests: 10, Window: time.Minute},
	}
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is in seconds and only set when not allowed.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Key names the bucket of one client in one class.
func Key(class Class, clientIP string) string {
	return "ratelimit:" + string(class) + ":" + strings.ToLower(clientIP)
}

// RetryAfterSeconds rounds the wait until resetAt up to whole seconds, at least one.
func RetryAfterSeconds(now, resetAt time.Time) int {
	d := resetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
