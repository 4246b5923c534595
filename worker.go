package mqjob

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Handler interface {
	Handle(ctx context.Context, job *Job) Result
}

type HandlerFunc func(ctx context.Context, job *Job) Result

func (h HandlerFunc) Handle(ctx context.Context, job *Job) Result {
	return h(ctx, job)
}

type Worker struct {
	cli          *Client
	queue        string
	handler      Handler
	pollInterval time.Duration
	concurrency  int
	maxAttempts  int
	wg           *sync.WaitGroup
	close        chan struct{}
}

func NewWorker(cli *Client, queue string, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		cli:          cli,
		queue:        queue,
		handler:      handler,
		pollInterval: 1 * time.Second,
		concurrency:  1,
		maxAttempts:  cli.cfg.MaxAttempts,
		wg:           &sync.WaitGroup{},
		close:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	observer := w.cli.observer
	for {
		select {
		case <-w.close:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.cli.Reserve(ctx, w.queue)
		var dErr *DeserializationError
		if errors.As(err, &dErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrEmptyQueue) {
				observer.QueueIsEmpty(ctx)
			} else {
				observer.WorkerError(ctx, err)
			}

			select {
			case <-ctx.Done():
				return
			case <-w.close:
				return
			case <-time.After(w.pollInterval):

			}
			continue
		}

		err = w.process(ctx, job)
		if err != nil {
			observer.WorkerError(ctx, err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	observer := w.cli.observer

	now := w.cli.now()
	if job.RunAt.After(now) {
		// delivered ahead of schedule, e.g. the gateway caps delivery delay
		job.Delay = job.RunAt.Sub(now)
		return job.Save(ctx)
	}

	observer.JobStarted(ctx, job)
	result := w.handle(ctx, job)

	switch {
	case result.complete:
		err := job.Destroy(ctx)
		if err != nil {
			return err
		}
		observer.JobCompleted(ctx, job)
	case result.retry:
		job.Attempts++
		job.LastError = errorString(result.err)
		if w.maxAttempts > 0 && job.Attempts >= w.maxAttempts {
			return w.fail(ctx, job, result.err)
		}
		job.RunAt = job.RescheduleAt()
		job.Delay = job.RunAt.Sub(w.cli.now())
		err := job.Save(ctx)
		if err != nil {
			return err
		}
		observer.JobWillBeRetried(ctx, job, job.RunAt, result.err)
	case result.fail:
		return w.fail(ctx, job, result.err)
	case result.reschedule:
		job.RunAt = w.cli.now().Add(result.rescheduleDelay)
		job.Delay = result.rescheduleDelay
		err := job.Save(ctx)
		if err != nil {
			return err
		}
		observer.JobRescheduled(ctx, job, result.rescheduleDelay)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, job *Job) Result {
	if job.Timeout <= 0 {
		return w.handler.Handle(ctx, job)
	}
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) error {
	job.FailedAt = w.cli.now()
	job.LastError = errorString(cause)
	err := job.Fail(ctx)
	if err != nil {
		return err
	}
	w.cli.observer.JobFailed(ctx, job, cause)
	return nil
}

func (w *Worker) Shutdown() {
	close(w.close)
	w.wg.Wait()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
