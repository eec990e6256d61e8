package operation

import (
	"cloudlet-rpc/codec"
)

const (
	OpQueueDeclareExchange = "DECLARE_EXCHANGE"
	OpQueueDeclareQueue    = "DECLARE_QUEUE"
	OpQueueBind            = "BIND_QUEUE"
	OpQueueConsume         = "CONSUME"
	OpQueuePublish         = "PUBLISH"
	OpQueueGet             = "GET"
	OpQueueAck             = "ACK"
	OpQueueCancel          = "CANCEL"
	OpQueueDelivery        = "DELIVERY"
)

// Exchange types.
const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

type DeclareExchange struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type DeclareQueue struct {
	Name string `json:"name"`
}

type BindQueue struct {
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Consume starts pushing the queue's messages to the calling session as DELIVERY
// notifications. An empty Consumer lets the driver pick a tag.
type Consume struct {
	Queue    string `json:"queue"`
	Consumer string `json:"consumer,omitempty"`
	AutoAck  bool   `json:"auto_ack,omitempty"`
}

type ConsumeOk struct {
	Consumer string `json:"consumer"`
}

type Publish struct {
	Exchange   string            `json:"exchange"`
	RoutingKey string            `json:"routing_key"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// PublishOk reports how many queues the message was routed to.
type PublishOk struct {
	Routed int `json:"routed"`
}

type Get struct {
	Queue   string `json:"queue"`
	AutoAck bool   `json:"auto_ack,omitempty"`
}

type GetOk struct {
	Found    bool     `json:"found"`
	Delivery Delivery `json:"delivery"`
}

type Ack struct {
	Queue       string `json:"queue"`
	DeliveryTag uint64 `json:"delivery_tag"`
}

type Cancel struct {
	Consumer string `json:"consumer"`
}

// Delivery is one message handed to a consumer or returned by GET.
type Delivery struct {
	Consumer    string            `json:"consumer,omitempty"`
	Queue       string            `json:"queue"`
	DeliveryTag uint64            `json:"delivery_tag"`
	Exchange    string            `json:"exchange"`
	RoutingKey  string            `json:"routing_key"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Redelivered bool              `json:"redelivered,omitempty"`
}

var (
	QueueDeclareExchange = pair("queue", OpQueueDeclareExchange, codec.JSON[DeclareExchange](), codec.Empty)
	QueueDeclareQueue    = pair("queue", OpQueueDeclareQueue, codec.JSON[DeclareQueue](), codec.Empty)
	QueueBind            = pair("queue", OpQueueBind, codec.JSON[BindQueue](), codec.Empty)
	QueueConsume         = pair("queue", OpQueueConsume, codec.JSON[Consume](), codec.JSON[ConsumeOk]())
	QueuePublish         = pair("queue", OpQueuePublish, codec.JSON[Publish](), codec.JSON[PublishOk]())
	QueueGet             = pair("queue", OpQueueGet, codec.JSON[Get](), codec.JSON[GetOk]())
	QueueAck             = pair("queue", OpQueueAck, codec.JSON[Ack](), codec.Empty)
	QueueCancel          = pair("queue", OpQueueCancel, codec.JSON[Cancel](), codec.Empty)

	// QueuePublishCast publishes without a reply.
	QueuePublishCast = notification("queue", OpQueuePublish, codec.JSON[Publish]())
	// QueueDelivery is pushed by the driver to consuming sessions.
	QueueDelivery = notification("queue", OpQueueDelivery, codec.JSON[Delivery]())

	// Queue is the message-queue driver protocol.
	Queue = driverProtocol("queue", "1", []Pair{
		QueueDeclareExchange, QueueDeclareQueue, QueueBind, QueueConsume,
		QueuePublish, QueueGet, QueueAck, QueueCancel,
	}, QueuePublishCast, QueueDelivery)
)
