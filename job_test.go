package mqjob_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/txix-open/mqjob"
)

type staleCounter struct {
	mqjob.NoopObserver
	stale int32
	saved int32
}

func (o *staleCounter) StaleMessageNotDeleted(ctx context.Context, job *mqjob.Job, err error) {
	atomic.AddInt32(&o.stale, 1)
}

func (o *staleCounter) JobSaved(ctx context.Context, job *mqjob.Job) {
	atomic.AddInt32(&o.saved, 1)
}

func prepareJobTest(t *testing.T, opts ...mqjob.ClientOption) (*require.Assertions, *recordingGateway, *mqjob.Client) {
	gw := &recordingGateway{}
	opts = append([]mqjob.ClientOption{mqjob.WithCodec(testCodec())}, opts...)
	cli := mqjob.NewClient(gw, testConfig(), opts...)
	return require.New(t), gw, cli
}

func decodeBody(require *require.Assertions, body []byte) map[string]any {
	data := map[string]any{}
	require.NoError(json.Unmarshal(body, &data))
	return data
}

func TestJob_DefaultQueueScenario(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{
		"priority":       0,
		"attempts":       2,
		"payload_object": "do_work",
	})
	require.NoError(err)
	require.Equal("default_queue", job.Queue)
	require.EqualValues(2, job.Attempts)

	payload, err := job.PayloadObject()
	require.NoError(err)
	require.Equal("do_work", payload)

	err = job.Save(context.Background())
	require.NoError(err)
	require.Equal([]string{"send"}, gw.ops())

	sent := gw.last("send")
	require.Equal("default_queue", sent.queue)
	body := decodeBody(require, sent.body)
	require.Equal("do_work", body["handler"])
	require.EqualValues(2, body["attempts"])
	require.EqualValues(0, body["priority"])
	require.Equal("default_queue", body["queue"])
}

func TestJob_FromMessage(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	handler, err := cli.Codec().Encode(sendEmail{To: "a@b.c", Subject: "x"})
	require.NoError(err)
	body, err := json.Marshal(map[string]any{
		"handler":  handler,
		"queue":    "q1",
		"attempts": 3,
		"run_at":   "2024-03-01T11:00:00Z",
		"trace_id": "abc",
	})
	require.NoError(err)

	msg := mqjob.Message{Id: "m1", Queue: "q1", Body: body, Receipt: "r1"}
	job, err := cli.JobFromMessage(msg)
	require.NoError(err)

	payload, err := job.PayloadObject()
	require.NoError(err)
	require.Equal(sendEmail{To: "a@b.c", Subject: "x"}, payload)
	require.Equal("send_email", job.PayloadType())
	require.Equal("q1", job.Queue)
	require.Equal(3, job.Attempts)
	require.True(job.RunAt.Equal(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)))
	require.Equal(map[string]any{"trace_id": "abc"}, job.Extra)
	require.Equal(mqjob.DefaultTimeout, job.Timeout)

	backing, ok := job.Message()
	require.True(ok)
	require.Equal("r1", backing.Receipt)
	require.Empty(gw.ops())
}

func TestJob_FromMessagePlainHandler(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	job, err := cli.JobFromMessage(mqjob.Message{
		Body: []byte(`{"handler": "do_work", "queue": "q1"}`),
	})
	require.NoError(err)
	payload, err := job.PayloadObject()
	require.NoError(err)
	require.Equal("do_work", payload)
	require.Equal("q1", job.Queue)
}

func TestJob_FromMessageErrors(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	dErr := &mqjob.DeserializationError{}

	_, err := cli.JobFromMessage(mqjob.Message{Body: []byte(`not json`)})
	require.True(errors.As(err, &dErr))

	_, err = cli.JobFromMessage(mqjob.Message{Body: []byte(`{"handler": "!nope\na: 1\n"}`)})
	require.True(errors.As(err, &dErr))
	require.True(errors.Is(err, mqjob.ErrUnknownPayloadType))

	_, err = cli.JobFromMessage(mqjob.Message{Body: []byte(`{"handler": "x", "attempts": "many"}`)})
	require.True(errors.As(err, &dErr))

	_, err = cli.JobFromMessage(mqjob.Message{Queue: "q1", Body: []byte(`null`)})
	require.True(errors.As(err, &dErr))
	require.ErrorIs(err, mqjob.ErrBodyNotObject)

	_, err = cli.JobFromMessage(mqjob.Message{Queue: "q1", Body: []byte(`[]`)})
	require.True(errors.As(err, &dErr))
}

func TestJob_FromMessageWithoutQueue(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	msg := mqjob.Message{Id: "m1", Queue: "other", Body: []byte(`{"handler": "do_work"}`), Receipt: "r1"}
	job, err := cli.JobFromMessage(msg)
	require.NoError(err)
	require.Equal("default_queue", job.Queue)

	//the stale message is still deleted where it was received
	err = job.Save(context.Background())
	require.NoError(err)
	require.Equal([]string{"delete", "send"}, gw.ops())
	require.Equal("other", gw.last("delete").msg.Queue)
	require.Equal("default_queue", gw.last("send").queue)
}

func TestJob_NormalizeKeysAndDefaults(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{
		" Handler ":  "do_work",
		"Expires-In": 60,
		"DELAY":      "1m30s",
		"Last Error": "boom",
	})
	require.NoError(err)
	require.Equal("do_work", job.Handler())
	require.Equal(time.Minute, job.ExpiresIn)
	require.Equal(90*time.Second, job.Delay)
	require.Equal("boom", job.LastError)
	require.Equal(mqjob.DefaultTimeout, job.Timeout)
	require.Empty(job.Extra)
}

func TestJob_PayloadObjectWinsOverHandler(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{
		"handler":        "ignored",
		"payload_object": sendEmail{To: "a@b.c"},
	})
	require.NoError(err)
	require.Equal("send_email", job.PayloadType())
}

func TestJob_NilPayloadObjectFallsBackToHandler(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{
		"payload_object": nil,
		"handler":        "do_work",
	})
	require.NoError(err)
	require.Equal("do_work", job.Handler())

	err = job.Save(context.Background())
	require.NoError(err)
	require.Equal([]string{"send"}, gw.ops())
}

func TestJob_SaveWithoutHandler(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{"priority": 1})
	require.NoError(err)

	err = job.Save(context.Background())
	require.ErrorIs(err, mqjob.ErrHandlerMissing)
	pErr := &mqjob.PreconditionError{}
	require.True(errors.As(err, &pErr))
	require.Empty(gw.ops())
}

func TestJob_SaveReplacesBackingMessage(t *testing.T) {
	observer := &staleCounter{}
	require, gw, cli := prepareJobTest(t, mqjob.WithObserver(observer))

	msg := mqjob.Message{Id: "m1", Queue: "q1", Body: []byte(`{"handler": "do_work", "queue": "q1"}`), Receipt: "r1"}
	job, err := cli.JobFromMessage(msg)
	require.NoError(err)

	job.Attempts = 1
	job.Delay = 6 * time.Second
	err = job.Save(context.Background())
	require.NoError(err)

	require.Equal([]string{"delete", "send"}, gw.ops())
	require.Equal(msg, gw.last("delete").msg)
	sent := gw.last("send")
	require.Equal("q1", sent.queue)
	require.Equal(6*time.Second, sent.delay)
	require.EqualValues(1, decodeBody(require, sent.body)["attempts"])

	_, ok := job.Message()
	require.False(ok)
	require.EqualValues(0, atomic.LoadInt32(&observer.stale))
	require.EqualValues(1, atomic.LoadInt32(&observer.saved))
}

func TestJob_SaveContinuesWhenStaleDeleteFails(t *testing.T) {
	observer := &staleCounter{}
	require, gw, cli := prepareJobTest(t, mqjob.WithObserver(observer))
	gw.deleteErr = mqjob.ErrMessageNotFound

	job, err := cli.JobFromMessage(mqjob.Message{Id: "m1", Body: []byte(`{"handler": "do_work"}`), Receipt: "r1"})
	require.NoError(err)

	err = job.Save(context.Background())
	require.NoError(err)
	require.Equal([]string{"delete", "send"}, gw.ops())
	require.EqualValues(1, atomic.LoadInt32(&observer.stale))
}

func TestJob_SaveSendError(t *testing.T) {
	require, gw, cli := prepareJobTest(t)
	gw.sendErr = errors.New("access denied")

	job, err := cli.NewJob(mqjob.Attributes{"handler": "do_work", "queue": "q1"})
	require.NoError(err)

	err = job.Save(context.Background())
	qErr := &mqjob.QueueError{}
	require.True(errors.As(err, &qErr))
	require.Equal("send", qErr.Op)
	require.Equal("q1", qErr.Queue)
}

func TestJob_Destroy(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{"handler": "do_work"})
	require.NoError(err)
	require.NoError(job.Destroy(context.Background()))
	require.NoError(job.Fail(context.Background()))
	require.Empty(gw.ops())

	msg := mqjob.Message{Id: "m1", Queue: "q1", Body: []byte(`{"handler": "do_work"}`), Receipt: "r1"}
	job, err = cli.JobFromMessage(msg)
	require.NoError(err)
	require.NoError(job.Destroy(context.Background()))
	require.Equal([]string{"delete"}, gw.ops())
	require.Equal(msg, gw.last("delete").msg)

	//already deleted, nothing left to do
	require.NoError(job.Destroy(context.Background()))
	require.Equal([]string{"delete"}, gw.ops())
}

func TestJob_DestroyError(t *testing.T) {
	require, gw, cli := prepareJobTest(t)
	gw.deleteErr = mqjob.ErrMessageNotFound

	job, err := cli.JobFromMessage(mqjob.Message{Id: "m1", Body: []byte(`{"handler": "do_work"}`), Receipt: "r1"})
	require.NoError(err)

	err = job.Fail(context.Background())
	require.ErrorIs(err, mqjob.ErrMessageNotFound)
	_, ok := job.Message()
	require.True(ok)
}

func TestJob_UpdateAttributes(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.JobFromMessage(mqjob.Message{
		Id:      "m1",
		Body:    []byte(`{"handler": "do_work", "queue": "q1", "attempts": 1, "trace_id": "abc"}`),
		Receipt: "r1",
	})
	require.NoError(err)

	err = job.UpdateAttributes(context.Background(), mqjob.Attributes{
		"Last_Error": "boom",
		"priority":   7,
	})
	require.NoError(err)
	require.Equal([]string{"delete", "send"}, gw.ops())
	require.Equal("boom", job.LastError)
	require.Equal(7, job.Priority)
	require.Equal(1, job.Attempts)

	body := decodeBody(require, gw.last("send").body)
	require.Equal("do_work", body["handler"])
	require.Equal("boom", body["last_error"])
	require.EqualValues(7, body["priority"])
	require.Equal("q1", body["queue"])
	require.Equal("abc", body["trace_id"])
}

func TestJob_PayloadCache(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	job, err := cli.NewJob(nil)
	require.NoError(err)

	payload := &resizeImage{Path: "/a.png", Width: 10}
	require.NoError(job.SetPayloadObject(payload))
	cached, err := job.PayloadObject()
	require.NoError(err)
	require.Same(payload, cached)

	handler := job.Handler()
	job.SetHandler(handler)
	cached, err = job.PayloadObject()
	require.NoError(err)
	require.Same(payload, cached)

	job.SetHandler("!send_email\nto: x@y.z\n")
	decoded, err := job.PayloadObject()
	require.NoError(err)
	require.Equal(sendEmail{To: "x@y.z"}, decoded)

	job.SetHandler("!missing\n")
	_, err = job.PayloadObject()
	require.ErrorIs(err, mqjob.ErrUnknownPayloadType)

	err = job.SetPayloadObject("!missing\n")
	require.ErrorIs(err, mqjob.ErrUnknownPayloadType)
}

func TestJob_AttributesRoundTrip(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	runAt := time.Date(2024, 3, 1, 12, 0, 6, 123000000, time.UTC)
	job, err := cli.NewJob(mqjob.Attributes{
		"payload_object": sendEmail{To: "a@b.c"},
		"run_at":         runAt,
		"locked_by":      "host:1",
		"delay":          2 * time.Second,
	})
	require.NoError(err)
	require.NoError(job.Save(context.Background()))

	sent := gw.last("send")
	copied, err := cli.JobFromMessage(mqjob.Message{Body: sent.body})
	require.NoError(err)
	require.True(runAt.Equal(copied.RunAt))
	require.Equal("host:1", copied.LockedBy)
	require.Equal(2*time.Second, copied.Delay)
	require.Equal(job.Handler(), copied.Handler())
	require.Equal("default_queue", copied.Queue)
	require.True(copied.FailedAt.IsZero())
}

func TestJob_LockingIsNoop(t *testing.T) {
	require, gw, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{"handler": "do_work"})
	require.NoError(err)
	require.True(job.LockExclusively(time.Hour, "worker-1"))
	require.True(job.Unlock())
	require.True(job.LockedAt.IsZero())
	require.Empty(gw.ops())
}

func TestJob_RescheduleAt(t *testing.T) {
	require, _, cli := prepareJobTest(t)

	job, err := cli.NewJob(mqjob.Attributes{"handler": "do_work", "attempts": 2})
	require.NoError(err)
	require.Equal(testNow.Add(21*time.Second), job.RescheduleAt())
}
