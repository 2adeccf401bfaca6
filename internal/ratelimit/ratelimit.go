// Package ratelimit throttles one session's inbound frames.
//
// Frames that change the document wait for a token, so a fast client is
// slowed down rather than losing edits. Ephemeral frames are dropped when no
// token is available, and each drop counts as a violation.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is owned by one read loop and is not safe for concurrent use.
type Limiter struct {
	limiter       *rate.Limiter
	maxViolations int
	violations    int
}

// NewLimiter refills perSecond tokens per second up to burst. The limiter
// reports Exceeded once more than maxViolations frames were dropped.
func NewLimiter(perSecond float64, burst, maxViolations int) *Limiter {
	return &Limiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), burst),
		maxViolations: maxViolations,
	}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow takes a token if one is available and records a violation if not.
func (l *Limiter) Allow() bool {
	return l.allowAt(time.Now())
}

func (l *Limiter) allowAt(now time.Time) bool {
	if l.limiter.AllowN(now, 1) {
		return true
	}
	l.violations++
	return false
}

func (l *Limiter) Violations() int {
	return l.violations
}

func (l *Limiter) Exceeded() bool {
	return l.violations > l.maxViolations
}
