package mqjob_test

import (
	"context"
	"sync"
	"time"

	"github.com/txix-open/mqjob"
)

type gatewayCall struct {
	op    string
	queue string
	body  []byte
	delay time.Duration
	msg   mqjob.Message
}

// recordingGateway records every call and serves messages from inbox.
type recordingGateway struct {
	lock      sync.Mutex
	calls     []gatewayCall
	inbox     []mqjob.Message
	sendErr   error
	deleteErr error
}

func (g *recordingGateway) Send(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "send", queue: queue, body: body, delay: delay})
	return g.sendErr
}

func (g *recordingGateway) Receive(ctx context.Context, queue string) (mqjob.Message, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "receive", queue: queue})
	if len(g.inbox) == 0 {
		return mqjob.Message{}, mqjob.ErrEmptyQueue
	}
	msg := g.inbox[0]
	g.inbox = g.inbox[1:]
	return msg, nil
}

func (g *recordingGateway) Delete(ctx context.Context, msg mqjob.Message) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "delete", queue: msg.Queue, msg: msg})
	return g.deleteErr
}

func (g *recordingGateway) ops() []string {
	g.lock.Lock()
	defer g.lock.Unlock()
	ops := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		ops = append(ops, c.op)
	}
	return ops
}

func (g *recordingGateway) last(op string) gatewayCall {
	g.lock.Lock()
	defer g.lock.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		if g.calls[i].op == op {
			return g.calls[i]
		}
	}
	return gatewayCall{}
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *mqjob.Config {
	cfg := mqjob.DefaultConfig()
	cfg.DefaultQueue = "default_queue"
	cfg.Now = func() time.Time {
		return testNow
	}
	return cfg
}

type sendEmail struct {
	To      string `yaml:"to"`
	Subject string `yaml:"subject"`
}

type resizeImage struct {
	Path  string `yaml:"path"`
	Width int    `yaml:"width"`
}

func testCodec() *mqjob.Codec {
	return mqjob.NewCodec().
		Register("send_email", sendEmail{}).
		Register("resize_image", &resizeImage{})
}
