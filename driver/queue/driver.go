package queue

import (
	"context"
	"errors"

	"cloudlet-rpc/config"
	"cloudlet-rpc/driver"
	"cloudlet-rpc/message"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
)

// Config is the queue.* settings.
type Config struct {
	Exchange     string // declared at start when AutoDeclare is set
	ExchangeType string
	AutoDeclare  bool
}

func ConfigFrom(r config.Resolver) Config {
	return Config{
		Exchange:     config.Resolve(r, "queue.exchange", ""),
		ExchangeType: config.Resolve(r, "queue.exchange_type", operation.ExchangeDirect),
		AutoDeclare:  config.Resolve(r, "queue.auto_declare", false),
	}
}

// sessionPusher sends deliveries as DELIVERY notifications addressed to the consumer tag.
type sessionPusher struct {
	s *session.Session
}

func (p sessionPusher) Push(d operation.Delivery) error {
	sent := p.s.Notify(operation.QueueDelivery, d.Consumer, d)
	if _, err, done := sent.Result(); done && err != nil {
		return err
	}
	return nil
}

// New returns a driver serving b over the queue protocol. Consumers are cancelled when
// their session closes.
func New(b *Broker, cfg Config, opts ...driver.Option) (*driver.Driver, error) {
	if cfg.AutoDeclare && cfg.Exchange != "" {
		if err := b.DeclareExchange(cfg.Exchange, cfg.ExchangeType); err != nil {
			return nil, err
		}
	}
	d := driver.New(operation.Queue, append([]driver.Option{driver.WithResourceHooks(b)}, opts...)...)
	h := &handlers{broker: b}
	for op, fn := range map[string]func(context.Context, *message.Message) *message.Outcome{
		operation.OpQueueDeclareExchange: h.declareExchange,
		operation.OpQueueDeclareQueue:    h.declareQueue,
		operation.OpQueueBind:            h.bind,
		operation.OpQueueConsume:         h.consume,
		operation.OpQueuePublish:         h.publish,
		operation.OpQueueGet:             h.get,
		operation.OpQueueAck:             h.ack,
		operation.OpQueueCancel:          h.cancel,
	} {
		if err := d.Handle(op, fn); err != nil {
			return nil, err
		}
	}
	if err := d.HandleNotification(operation.OpQueuePublish, h.publishCast); err != nil {
		return nil, err
	}
	d.OnSessionClosed(func(s *session.Session) {
		if n := b.CancelOwner(s.ID()); n > 0 {
			s.Logger().WithField("consumers", n).Debug("consumers cancelled with session")
		}
	})
	return d, nil
}

type handlers struct {
	broker *Broker
}

func done(err error) *message.Outcome {
	if err != nil {
		return message.Failure(err)
	}
	return message.Success(struct{}{})
}

func (h *handlers) declareExchange(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.DeclareExchange](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	return done(h.broker.DeclareExchange(in.Name, in.Type))
}

func (h *handlers) declareQueue(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.DeclareQueue](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	return done(h.broker.DeclareQueue(in.Name))
}

func (h *handlers) bind(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.BindQueue](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	return done(h.broker.Bind(in))
}

func (h *handlers) consume(ctx context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.Consume](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	s := driver.SessionFrom(ctx)
	if s == nil {
		return message.Failure(errors.New("queue: consume outside a session"))
	}
	// the reply is queued on the session before the first delivery
	tx := driver.TransmitterFrom(ctx)
	_, err = h.broker.consume(in, s.ID(), sessionPusher{s}, func(tag string) {
		tx.Reply(operation.ConsumeOk{Consumer: tag})
	})
	if err != nil {
		return message.Failure(err)
	}
	return nil
}

func (h *handlers) publish(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.Publish](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	routed, err := h.broker.Publish(in)
	if err != nil {
		return message.Failure(err)
	}
	return message.Success(operation.PublishOk{Routed: routed})
}

func (h *handlers) publishCast(ctx context.Context, msg *message.Message) {
	in, err := driver.Payload[operation.Publish](msg.Payload)
	if err == nil {
		_, err = h.broker.Publish(in)
	}
	if err != nil {
		driver.SessionFrom(ctx).Logger().WithError(err).Warn("cast publish failed")
	}
}

func (h *handlers) get(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.Get](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	out, err := h.broker.Get(in)
	if err != nil {
		return message.Failure(err)
	}
	return message.Success(out)
}

func (h *handlers) ack(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.Ack](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	return done(h.broker.Ack(in))
}

func (h *handlers) cancel(_ context.Context, req *message.Message) *message.Outcome {
	in, err := driver.Payload[operation.Cancel](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	return done(h.broker.Cancel(in.Consumer))
}
