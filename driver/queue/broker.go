// Package queue is the in-memory message queue driver: direct and fanout exchanges,
// queues, bindings, pushed deliveries to consumers, polling GET and explicit ACK.
//
// The default exchange "" routes a message to the queue named by its routing key.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"cloudlet-rpc/driver"
	"cloudlet-rpc/logging"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
)

// Pusher delivers a message to a consumer. Sessions implement it through Notify.
type Pusher interface {
	Push(d operation.Delivery) error
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	typ      string
	bindings []binding
}

type unacked struct {
	delivery operation.Delivery
	consumer string
}

type queue struct {
	ready     []operation.Delivery
	unacked   map[uint64]unacked
	consumers []*consumer
	next      int // round-robin cursor
}

type consumer struct {
	tag     string
	queue   string
	autoAck bool
	owner   string // session id
	pusher  Pusher
}

// Broker is safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	consumers map[string]*consumer
	tag       uint64
	logger    logrus.FieldLogger
}

func NewBroker(logger logrus.FieldLogger) *Broker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broker{
		exchanges: map[string]*exchange{"": {typ: operation.ExchangeDirect}},
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
		logger:    logger,
	}
}

func notFound(format string, args ...any) error {
	return driver.Errorf(session.KindNotFound, format, args...)
}

func conflict(format string, args ...any) error {
	return driver.Errorf(session.KindConflict, format, args...)
}

// DeclareExchange is idempotent for the same type.
func (b *Broker) DeclareExchange(name, typ string) error {
	if name == "" {
		return driver.Errorf(session.KindHandler, "queue: exchange name required")
	}
	if typ == "" {
		typ = operation.ExchangeDirect
	}
	if typ != operation.ExchangeDirect && typ != operation.ExchangeFanout {
		return driver.Errorf(session.KindHandler, "queue: unknown exchange type %q", typ)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		if ex.typ != typ {
			return conflict("queue: exchange %q already declared as %s", name, ex.typ)
		}
		return nil
	}
	b.exchanges[name] = &exchange{typ: typ}
	return nil
}

// DeclareQueue is idempotent.
func (b *Broker) DeclareQueue(name string) error {
	if name == "" {
		return driver.Errorf(session.KindHandler, "queue: queue name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{unacked: make(map[uint64]unacked)}
	}
	return nil
}

func (b *Broker) Bind(bind operation.BindQueue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[bind.Exchange]
	if !ok || bind.Exchange == "" {
		return notFound("queue: no exchange %q", bind.Exchange)
	}
	if _, ok := b.queues[bind.Queue]; !ok {
		return notFound("queue: no queue %q", bind.Queue)
	}
	for _, existing := range ex.bindings {
		if existing.queue == bind.Queue && existing.key == bind.RoutingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: bind.Queue, key: bind.RoutingKey})
	return nil
}

// DeleteQueue drops a queue with its messages, consumers and bindings.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		delete(b.consumers, c.tag)
	}
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bind := range ex.bindings {
			if bind.queue != name {
				kept = append(kept, bind)
			}
		}
		ex.bindings = kept
	}
}

func (b *Broker) DeleteExchange(name string) {
	if name == "" {
		return
	}
	b.mu.Lock()
	delete(b.exchanges, name)
	b.mu.Unlock()
}

// Publish routes p and returns how many queues received it.
func (b *Broker) Publish(p operation.Publish) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[p.Exchange]
	if !ok {
		return 0, notFound("queue: no exchange %q", p.Exchange)
	}

	var targets []string
	switch {
	case p.Exchange == "":
		if _, ok := b.queues[p.RoutingKey]; ok {
			targets = append(targets, p.RoutingKey)
		}
	case ex.typ == operation.ExchangeFanout:
		for _, bind := range ex.bindings {
			targets = appendUnique(targets, bind.queue)
		}
	default:
		for _, bind := range ex.bindings {
			if bind.key == p.RoutingKey {
				targets = appendUnique(targets, bind.queue)
			}
		}
	}

	for _, name := range targets {
		q := b.queues[name]
		b.tag++
		q.ready = append(q.ready, operation.Delivery{
			Queue:       name,
			DeliveryTag: b.tag,
			Exchange:    p.Exchange,
			RoutingKey:  p.RoutingKey,
			Body:        append([]byte{}, p.Body...),
			Headers:     p.Headers,
		})
		b.dispatch(q)
	}
	if len(targets) == 0 {
		b.logger.WithField("exchange", p.Exchange).WithField("routing_key", p.RoutingKey).Debug("message unroutable")
	}
	return len(targets), nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// dispatch pushes ready messages to consumers round robin. Must be called with mu held.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		q.next %= len(q.consumers)
		c := q.consumers[q.next]
		q.next++

		d := q.ready[0]
		d.Consumer = c.tag
		if err := c.pusher.Push(d); err != nil {
			b.logger.WithError(err).WithField("consumer", c.tag).Warn("delivery failed, dropping consumer")
			b.removeConsumer(c)
			continue
		}
		q.ready = q.ready[1:]
		if !c.autoAck {
			q.unacked[d.DeliveryTag] = unacked{delivery: d, consumer: c.tag}
		}
	}
}

// Consume attaches a consumer and delivers what is already queued.
func (b *Broker) Consume(req operation.Consume, owner string, pusher Pusher) (string, error) {
	return b.consume(req, owner, pusher, nil)
}

// consume runs attached with the consumer tag before any delivery is pushed.
func (b *Broker) consume(req operation.Consume, owner string, pusher Pusher, attached func(tag string)) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[req.Queue]
	if !ok {
		return "", notFound("queue: no queue %q", req.Queue)
	}
	tag := req.Consumer
	if tag == "" {
		tag = "ctag-" + shortuuid.New()
	}
	if _, taken := b.consumers[tag]; taken {
		return "", conflict("queue: consumer %q already exists", tag)
	}
	c := &consumer{tag: tag, queue: req.Queue, autoAck: req.AutoAck, owner: owner, pusher: pusher}
	b.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	if attached != nil {
		attached(tag)
	}
	b.dispatch(q)
	return tag, nil
}

// Get pops one message. Without autoAck it stays unacknowledged until Ack.
func (b *Broker) Get(req operation.Get) (operation.GetOk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[req.Queue]
	if !ok {
		return operation.GetOk{}, notFound("queue: no queue %q", req.Queue)
	}
	if len(q.ready) == 0 {
		return operation.GetOk{}, nil
	}
	d := q.ready[0]
	q.ready = q.ready[1:]
	if !req.AutoAck {
		q.unacked[d.DeliveryTag] = unacked{delivery: d}
	}
	return operation.GetOk{Found: true, Delivery: d}, nil
}

func (b *Broker) Ack(req operation.Ack) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[req.Queue]
	if !ok {
		return notFound("queue: no queue %q", req.Queue)
	}
	if _, ok := q.unacked[req.DeliveryTag]; !ok {
		return notFound("queue: no unacknowledged delivery %d on %q", req.DeliveryTag, req.Queue)
	}
	delete(q.unacked, req.DeliveryTag)
	return nil
}

// Cancel detaches a consumer. Its unacknowledged deliveries are requeued as redelivered.
func (b *Broker) Cancel(tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[tag]
	if !ok {
		return notFound("queue: no consumer %q", tag)
	}
	b.removeConsumer(c)
	return nil
}

// CancelOwner cancels every consumer of a session.
func (b *Broker) CancelOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.consumers {
		if c.owner == owner {
			b.removeConsumer(c)
			n++
		}
	}
	return n
}

// removeConsumer must be called with mu held.
func (b *Broker) removeConsumer(c *consumer) {
	delete(b.consumers, c.tag)
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	var requeue []operation.Delivery
	for tag, u := range q.unacked {
		if u.consumer == c.tag {
			u.delivery.Redelivered = true
			u.delivery.Consumer = ""
			requeue = append(requeue, u.delivery)
			delete(q.unacked, tag)
		}
	}
	if len(requeue) > 0 {
		sort.Slice(requeue, func(i, j int) bool { return requeue[i].DeliveryTag < requeue[j].DeliveryTag })
		q.ready = append(requeue, q.ready...)
		b.dispatch(q)
	}
}


// Depth returns the ready and unacknowledged message counts of a queue.
func (b *Broker) Depth(name string) (ready, unackedCount int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0, notFound("queue: no queue %q", name)
	}
	return len(q.ready), len(q.unacked), nil
}

// Acquire declares the resource: kind "exchange" declares an exchange (Config["type"]),
// anything else a queue.
func (b *Broker) Acquire(_ context.Context, spec operation.ResourceSpec, desc *operation.ResourceDescriptor) error {
	if spec.Kind == "exchange" {
		return b.DeclareExchange(spec.Name, spec.Config["type"])
	}
	return b.DeclareQueue(spec.Name)
}

func (b *Broker) Release(_ context.Context, desc operation.ResourceDescriptor) error {
	if desc.Kind == "exchange" {
		b.DeleteExchange(desc.Name)
		return nil
	}
	b.DeleteQueue(desc.Name)
	return nil
}

// Consumers returns the number of consumers attached to a queue.
func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}
