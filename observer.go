package mqjob

import (
	"context"
	"log/slog"
	"time"
)

type Observer interface {
	JobSaved(ctx context.Context, job *Job)
	JobDestroyed(ctx context.Context, job *Job)
	JobStarted(ctx context.Context, job *Job)
	JobCompleted(ctx context.Context, job *Job)
	JobRescheduled(ctx context.Context, job *Job, after time.Duration)
	JobWillBeRetried(ctx context.Context, job *Job, at time.Time, err error)
	JobFailed(ctx context.Context, job *Job, err error)
	StaleMessageNotDeleted(ctx context.Context, job *Job, err error)
	MessageDiscarded(ctx context.Context, msg Message, err error)
	QueueIsEmpty(ctx context.Context)
	WorkerError(ctx context.Context, err error)
}

type NoopObserver struct {
}

func (n NoopObserver) JobSaved(ctx context.Context, job *Job) {
}

func (n NoopObserver) JobDestroyed(ctx context.Context, job *Job) {
}

func (n NoopObserver) JobStarted(ctx context.Context, job *Job) {
}

func (n NoopObserver) JobCompleted(ctx context.Context, job *Job) {
}

func (n NoopObserver) JobRescheduled(ctx context.Context, job *Job, after time.Duration) {
}

func (n NoopObserver) JobWillBeRetried(ctx context.Context, job *Job, at time.Time, err error) {
}

func (n NoopObserver) JobFailed(ctx context.Context, job *Job, err error) {
}

func (n NoopObserver) StaleMessageNotDeleted(ctx context.Context, job *Job, err error) {
}

func (n NoopObserver) MessageDiscarded(ctx context.Context, msg Message, err error) {
}

func (n NoopObserver) QueueIsEmpty(ctx context.Context) {

}

func (n NoopObserver) WorkerError(ctx context.Context, err error) {
}

func NewNoopObserver() NoopObserver {
	return NoopObserver{}
}

// LogObserver writes lifecycle events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return LogObserver{logger: logger}
}

func (o LogObserver) JobSaved(ctx context.Context, job *Job) {
	o.logger.DebugContext(ctx, "job saved", jobAttrs(job)...)
}

func (o LogObserver) JobDestroyed(ctx context.Context, job *Job) {
	o.logger.DebugContext(ctx, "job destroyed", jobAttrs(job)...)
}

func (o LogObserver) JobStarted(ctx context.Context, job *Job) {
	o.logger.DebugContext(ctx, "job started", jobAttrs(job)...)
}

func (o LogObserver) JobCompleted(ctx context.Context, job *Job) {
	o.logger.InfoContext(ctx, "job completed", jobAttrs(job)...)
}

func (o LogObserver) JobRescheduled(ctx context.Context, job *Job, after time.Duration) {
	o.logger.InfoContext(ctx, "job rescheduled", append(jobAttrs(job), "after", after)...)
}

func (o LogObserver) JobWillBeRetried(ctx context.Context, job *Job, at time.Time, err error) {
	o.logger.WarnContext(ctx, "job will be retried", append(jobAttrs(job), "run_at", at, "error", err)...)
}

func (o LogObserver) JobFailed(ctx context.Context, job *Job, err error) {
	o.logger.ErrorContext(ctx, "job failed", append(jobAttrs(job), "error", err)...)
}

func (o LogObserver) StaleMessageNotDeleted(ctx context.Context, job *Job, err error) {
	o.logger.WarnContext(ctx, "superseded message was not deleted, it may be delivered again", append(jobAttrs(job), "error", err)...)
}

func (o LogObserver) MessageDiscarded(ctx context.Context, msg Message, err error) {
	o.logger.ErrorContext(ctx, "message discarded", "message_id", msg.Id, "queue", msg.Queue, "error", err)
}

func (o LogObserver) QueueIsEmpty(ctx context.Context) {
}

func (o LogObserver) WorkerError(ctx context.Context, err error) {
	o.logger.ErrorContext(ctx, "worker error", "error", err)
}

func jobAttrs(job *Job) []any {
	attrs := []any{"queue", job.Queue, "attempts", job.Attempts, "priority", job.Priority}
	if msg, ok := job.Message(); ok {
		attrs = append(attrs, "message_id", msg.Id)
	}
	if job.decoded {
		if name, ok := job.cli.codec.Name(job.payload); ok {
			attrs = append(attrs, "payload_type", name)
		}
	}
	return attrs
}
