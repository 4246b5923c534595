package mqjob

import (
	"time"
)

type WorkerOption func(w *Worker)

func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollInterval = interval
	}
}

func WithConcurrency(value int) WorkerOption {
	return func(w *Worker) {
		w.concurrency = value
	}
}

// WithMaxAttempts sets how many failed attempts a job gets before it is failed.
// Zero retries forever.
func WithMaxAttempts(value int) WorkerOption {
	return func(w *Worker) {
		w.maxAttempts = value
	}
}
