package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudlet-rpc/config"
	"cloudlet-rpc/message"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
	"cloudlet-rpc/transport"
)

type recordingPusher struct {
	mu   sync.Mutex
	got  []operation.Delivery
	fail bool
}

func (p *recordingPusher) Push(d operation.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("gone")
	}
	p.got = append(p.got, d)
	return nil
}

func (p *recordingPusher) bodies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, d := range p.got {
		out = append(out, string(d.Body))
	}
	return out
}

func publish(t *testing.T, b *Broker, exchange, key, body string) int {
	t.Helper()
	n, err := b.Publish(operation.Publish{Exchange: exchange, RoutingKey: key, Body: []byte(body)})
	require.NoError(t, err)
	return n
}

func TestDirectAndFanoutRouting(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.DeclareExchange("orders", operation.ExchangeDirect))
	require.NoError(t, b.DeclareExchange("events", operation.ExchangeFanout))
	for _, q := range []string{"eu", "us", "audit"} {
		require.NoError(t, b.DeclareQueue(q))
	}
	require.NoError(t, b.Bind(operation.BindQueue{Queue: "eu", Exchange: "orders", RoutingKey: "eu"}))
	require.NoError(t, b.Bind(operation.BindQueue{Queue: "us", Exchange: "orders", RoutingKey: "us"}))
	require.NoError(t, b.Bind(operation.BindQueue{Queue: "eu", Exchange: "events"}))
	require.NoError(t, b.Bind(operation.BindQueue{Queue: "audit", Exchange: "events"}))

	assert.Equal(t, 1, publish(t, b, "orders", "eu", "o1"))
	assert.Equal(t, 0, publish(t, b, "orders", "apac", "o2"))
	assert.Equal(t, 2, publish(t, b, "events", "ignored", "e1"))
	assert.Equal(t, 1, publish(t, b, "", "us", "direct-to-queue"))

	ready, _, err := b.Depth("eu")
	require.NoError(t, err)
	assert.Equal(t, 2, ready)

	_, err = b.Publish(operation.Publish{Exchange: "missing"})
	assert.Error(t, err)
}

func TestDeclareConflicts(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.DeclareExchange("x", operation.ExchangeDirect))
	require.NoError(t, b.DeclareExchange("x", operation.ExchangeDirect))
	err := b.DeclareExchange("x", operation.ExchangeFanout)
	var kinded interface{ ErrorKind() string }
	require.ErrorAs(t, err, &kinded)
	assert.Equal(t, session.KindConflict, kinded.ErrorKind())

	assert.Error(t, b.DeclareExchange("y", "topic"))
	assert.Error(t, b.DeclareQueue(""))
	assert.Error(t, b.Bind(operation.BindQueue{Queue: "nope", Exchange: "x"}))
}

func TestGetAndAck(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.DeclareQueue("jobs"))
	publish(t, b, "", "jobs", "j1")

	got, err := b.Get(operation.Get{Queue: "jobs"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, "j1", string(got.Delivery.Body))

	_, unacked, _ := b.Depth("jobs")
	assert.Equal(t, 1, unacked)
	require.NoError(t, b.Ack(operation.Ack{Queue: "jobs", DeliveryTag: got.Delivery.DeliveryTag}))
	assert.Error(t, b.Ack(operation.Ack{Queue: "jobs", DeliveryTag: got.Delivery.DeliveryTag}))

	empty, err := b.Get(operation.Get{Queue: "jobs"})
	require.NoError(t, err)
	assert.False(t, empty.Found)
}

func TestConsumersRoundRobinAndRequeue(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.DeclareQueue("work"))
	publish(t, b, "", "work", "early")

	p1, p2 := &recordingPusher{}, &recordingPusher{}
	tag1, err := b.Consume(operation.Consume{Queue: "work", Consumer: "c1"}, "s1", p1)
	require.NoError(t, err)
	assert.Equal(t, "c1", tag1)
	assert.Equal(t, []string{"early"}, p1.bodies(), "queued messages go to the first consumer")

	_, err = b.Consume(operation.Consume{Queue: "work", Consumer: "c1"}, "s2", p2)
	assert.Error(t, err, "duplicate tag")
	tag2, err := b.Consume(operation.Consume{Queue: "work", AutoAck: true}, "s2", p2)
	require.NoError(t, err)
	assert.NotEmpty(t, tag2)

	publish(t, b, "", "work", "m1")
	publish(t, b, "", "work", "m2")
	assert.Len(t, append(p1.bodies(), p2.bodies()...), 3)
	assert.NotEmpty(t, p2.bodies())

	// c1 never acked: its deliveries go back to the queue and on to c2
	require.NoError(t, b.Cancel("c1"))
	assert.Error(t, b.Cancel("c1"))
	for _, d := range p2.got {
		if string(d.Body) == "early" {
			assert.True(t, d.Redelivered)
		}
	}
	assert.Contains(t, p2.bodies(), "early")
	ready, unacked, _ := b.Depth("work")
	assert.Zero(t, ready)
	assert.Zero(t, unacked)
}

func TestFailingPusherDropsConsumer(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.DeclareQueue("q"))
	_, err := b.Consume(operation.Consume{Queue: "q", Consumer: "dead"}, "s", &recordingPusher{fail: true})
	require.NoError(t, err)
	publish(t, b, "", "q", "m")

	ready, _, _ := b.Depth("q")
	assert.Equal(t, 1, ready)
	assert.Error(t, b.Cancel("dead"))
}

func TestResourceHooks(t *testing.T) {
	b := NewBroker(nil)
	ctx := context.Background()
	desc := operation.ResourceDescriptor{Kind: "exchange", Name: "ev"}
	require.NoError(t, b.Acquire(ctx, operation.ResourceSpec{Kind: "exchange", Name: "ev", Config: map[string]string{"type": "fanout"}}, &desc))
	require.NoError(t, b.Acquire(ctx, operation.ResourceSpec{Kind: "queue", Name: "q"}, &operation.ResourceDescriptor{}))
	require.NoError(t, b.Bind(operation.BindQueue{Queue: "q", Exchange: "ev"}))
	assert.Equal(t, 1, publish(t, b, "ev", "", "x"))

	require.NoError(t, b.Release(ctx, operation.ResourceDescriptor{Kind: "queue", Name: "q"}))
	assert.Equal(t, 0, publish(t, b, "ev", "", "y"))
	require.NoError(t, b.Release(ctx, desc))
	_, err := b.Publish(operation.Publish{Exchange: "ev"})
	assert.Error(t, err)
}

func TestDriverPushesDeliveries(t *testing.T) {
	b := NewBroker(nil)
	d, err := New(b, ConfigFrom(config.MapResolver{"queue.exchange": "events", "queue.exchange_type": "fanout", "queue.auto_declare": "true"}))
	require.NoError(t, err)

	a, srv := transport.Pipe()
	_, err = d.Attach(srv)
	require.NoError(t, err)
	deliveries := make(chan operation.Delivery, 10)
	c, err := session.New(a, operation.Queue, session.WithCallbacks(session.Funcs{
		OnReceived: func(_ *session.Session, msg *message.Message) {
			if msg.Operation() == operation.OpQueueDelivery {
				deliveries <- msg.Payload.(operation.Delivery)
			}
		},
	}))
	require.NoError(t, err)
	c.Start()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	call := func(p operation.Pair, in any) *message.Message {
		reply, err := c.Request(p.Request, "", in).Await(ctx)
		require.NoError(t, err)
		return reply
	}

	call(operation.QueueDeclareQueue, operation.DeclareQueue{Name: "inbox"})
	call(operation.QueueBind, operation.BindQueue{Queue: "inbox", Exchange: "events"})
	ok := call(operation.QueueConsume, operation.Consume{Queue: "inbox", AutoAck: true}).Payload.(operation.ConsumeOk)
	assert.NotEmpty(t, ok.Consumer)
	assert.Equal(t, 1, b.Consumers("inbox"))

	routed := call(operation.QueuePublish, operation.Publish{Exchange: "events", Body: []byte("hello")}).Payload.(operation.PublishOk)
	assert.Equal(t, 1, routed.Routed)
	_, err = c.Notify(operation.QueuePublishCast, "", operation.Publish{Exchange: "events", Body: []byte("cast")}).Await(ctx)
	require.NoError(t, err)

	for _, want := range []string{"hello", "cast"} {
		select {
		case got := <-deliveries:
			assert.Equal(t, want, string(got.Body))
			assert.Equal(t, ok.Consumer, got.Consumer)
		case <-ctx.Done():
			t.Fatalf("no delivery %q", want)
		}
	}

	// closing the session cancels its consumer
	c.Close()
	require.Eventually(t, func() bool {
		return b.Consumers("inbox") == 0
	}, time.Second, 5*time.Millisecond)
}
