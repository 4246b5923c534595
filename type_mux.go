package mqjob

import (
	"context"
)

// Mux routes jobs to handlers by the registered codec name of their payload.
type Mux struct {
	data map[string]Handler
}

func NewMux() *Mux {
	return &Mux{
		data: make(map[string]Handler),
	}
}

func (m *Mux) Register(payloadType string, handler Handler) *Mux {
	m.data[payloadType] = handler
	return m
}

func (m *Mux) Handle(ctx context.Context, job *Job) Result {
	_, err := job.PayloadObject()
	if err != nil {
		return Fail(err)
	}
	handler, ok := m.data[job.PayloadType()]
	if !ok {
		return Fail(ErrUnknownType)
	}
	return handler.Handle(ctx, job)
}

// Performer is a payload that knows how to run itself.
type Performer interface {
	Perform(ctx context.Context) error
}

// PerformHandler runs payloads implementing Performer, retrying on error.
func PerformHandler() Handler {
	return HandlerFunc(func(ctx context.Context, job *Job) Result {
		payload, err := job.PayloadObject()
		if err != nil {
			return Fail(err)
		}
		performer, ok := payload.(Performer)
		if !ok {
			return Fail(ErrNotPerformable)
		}
		err = performer.Perform(ctx)
		if err != nil {
			return Retry(err)
		}
		return Complete()
	})
}
