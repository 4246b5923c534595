package mqjob

import (
	"time"
)

type Result struct {
	complete bool
	err      error
	fail     bool
	retry    bool

	reschedule      bool
	rescheduleDelay time.Duration
}

// Complete deletes the job.
func Complete() Result {
	return Result{complete: true}
}

// Retry counts a failed attempt and sends the job back with backoff.
func Retry(err error) Result {
	return Result{retry: true, err: err}
}

// Fail deletes the job without further attempts.
func Fail(err error) Result {
	return Result{fail: true, err: err}
}

// Reschedule sends the job back to run after the given delay without counting an attempt.
func Reschedule(after time.Duration) Result {
	return Result{reschedule: true, rescheduleDelay: after}
}
