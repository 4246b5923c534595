package mqjob

import (
	"time"
)

// RescheduleAt returns the earliest time a job that failed attempts times may run again:
// now + attempts^4 + 5 seconds.
func RescheduleAt(attempts int, now time.Time) time.Time {
	if attempts < 0 {
		attempts = 0
	}
	n := int64(attempts)
	return now.Add(time.Duration(n*n*n*n+5) * time.Second)
}
