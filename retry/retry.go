// Package retry decides what happens to a job after a stage fails.
package retry

import (
	"math"
	"time"

	"renderq/job"
)

// Action is the outcome chosen for a failed attempt.
type Action int

const (
	Requeue Action = iota
	Fail
)

func (a Action) String() string {
	if a == Requeue {
		return "requeue"
	}
	return "fail"
}

// Decision carries the action and, for Requeue, the backoff delay.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Failure *job.Failure
}

type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns base * 2^(attempts-1), capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		// doubling past this point would overflow
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decide classifies err for j, whose Attempts already counts the failed run.
func (p Policy) Decide(j *job.Job, err error) Decision {
	se := job.Classify(j.StageCursor, err)
	f := se.Failure()

	if se.Category == job.Permanent || j.Attempts >= j.MaxAttempts {
		return Decision{Action: Fail, Failure: f}
	}
	return Decision{Action: Requeue, Delay: p.Backoff(j.Attempts), Failure: f}
}
