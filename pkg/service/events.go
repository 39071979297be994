package service

import (
	"context"
	"encoding/json"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
)

// TopicOrderStatus carries model.OrderStatusEvent payloads.
const TopicOrderStatus = "order_status_events"

// EventPublisher is fire and forget; failures are logged by the implementation.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.OrderStatusEvent)
}

type PublisherFunc func(ctx context.Context, ev model.OrderStatusEvent)

func (f PublisherFunc) Publish(ctx context.Context, ev model.OrderStatusEvent) {
	f(ctx, ev)
}

type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// MQPublisher sends status events to rocketmq, keyed by order id.
type MQPublisher struct {
	producer MQProducer
	log      logrus.FieldLogger
}

func NewMQPublisher(producer MQProducer, log logrus.FieldLogger) *MQPublisher {
	return &MQPublisher{producer: producer, log: log}
}

func (p *MQPublisher) Publish(ctx context.Context, ev model.OrderStatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("[Events] Failed to encode status event for order %s: %v", ev.OrderID, err)
		return
	}

	msg := primitive.NewMessage(TopicOrderStatus, data)
	msg.WithKeys([]string{ev.OrderID})
	msg.WithTag(ev.Status)

	res, err := p.producer.SendSync(ctx, msg)
	if err != nil {
		p.log.Errorf("[Events] Failed to send status event (%s) for order %s: %v", ev.Status, ev.OrderID, err)
		return
	}
	p.log.Infof("[Events] Sent status event (%s) for order %s. MsgID: %s", ev.Status, ev.OrderID, res.MsgID)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.OrderStatusEvent) {}
