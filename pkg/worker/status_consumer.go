package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/service"
)

const statusGroup = "group_order_notify"

type EventHandler interface {
	Handle(ctx context.Context, ev model.OrderStatusEvent) error
}

// StatusConsumer feeds order status events from rocketmq to a handler.
type StatusConsumer struct {
	client  rocketmq.PushConsumer
	handler EventHandler
	logger  logrus.FieldLogger
}

func NewStatusConsumer(nameServers []string, handler EventHandler, log logrus.FieldLogger) (*StatusConsumer, error) {
	c, err := rocketmq.NewPushConsumer(
		consumer.WithGroupName(statusGroup),
		consumer.WithNameServer(nameServers),
		consumer.WithMaxReconsumeTimes(3),
		consumer.WithConsumerModel(consumer.Clustering),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rocketmq consumer: %w", err)
	}
	return &StatusConsumer{client: c, handler: handler, logger: log.WithField("worker", "StatusConsumer")}, nil
}

func (c *StatusConsumer) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := c.client.Subscribe(service.TopicOrderStatus, consumer.MessageSelector{}, c.consume); err != nil {
		return fmt.Errorf("failed to subscribe topic %s: %w", service.TopicOrderStatus, err)
	}
	if err := c.client.Start(); err != nil {
		return fmt.Errorf("failed to start rocketmq consumer: %w", err)
	}
	c.logger.Infof("[StatusConsumer] Started on topic: %s", service.TopicOrderStatus)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		c.logger.Info("[StatusConsumer] Stopping...")
		if err := c.client.Shutdown(); err != nil {
			c.logger.Errorf("[StatusConsumer] Failed to shutdown consumer: %v", err)
		}
	}()
	return nil
}

// consume retries the batch when a handler fails; the broker gives up after
// three reconsumes and parks the message in its own DLQ.
func (c *StatusConsumer) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		var ev model.OrderStatusEvent
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			c.logger.Errorf("[StatusConsumer] Invalid JSON for status event %s: %v", msg.MsgId, err)
			continue
		}
		if err := c.handler.Handle(ctx, ev); err != nil {
			c.logger.Warnf("[StatusConsumer] Handling %s for order %s failed: %v", ev.Status, ev.OrderID, err)
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}
