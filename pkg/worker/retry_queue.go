package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	RetryStream = "mq:order:retry"
	RetryGroup  = "group_order_retry"

	payloadField  = "payload"
	retryMaxLen   = 10000
	enqueueWait   = 2 * time.Second
	maxDeliveries = 5
)

// RetryQueue parks orders the database refused on a redis stream.
type RetryQueue struct {
	rdb *redis.Client
}

func NewRetryQueue(rdb *redis.Client) *RetryQueue {
	return &RetryQueue{rdb: rdb}
}

func (q *RetryQueue) Enqueue(ctx context.Context, p model.PendingOrder) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending order: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueWait)
	defer cancel()

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: RetryStream,
		MaxLen: retryMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			payloadField: string(data),
			"order_id":   p.Order.OrderID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue order %s: %w", p.Order.OrderID, err)
	}
	return nil
}

// RetryWorker replays queued orders into the database. A message that keeps
// failing is moved to failed_orders after maxDeliveries attempts.
type RetryWorker struct {
	rdb      *redis.Client
	repo     repository.OrderRepo
	logger   logrus.FieldLogger
	consumer string

	block         time.Duration
	minIdle       time.Duration
	reclaimEvery  time.Duration
	maxDeliveries int64

	replayedTotal     uint64
	duplicateTotal    uint64
	failedTotal       uint64
	deadLetteredTotal uint64
}

func NewRetryWorker(rdb *redis.Client, repo repository.OrderRepo, log logrus.FieldLogger) *RetryWorker {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pod-unknown"
	}
	w := &RetryWorker{
		rdb:           rdb,
		repo:          repo,
		logger:        log.WithField("worker", "RetryWorker"),
		consumer:      hostname,
		block:         2 * time.Second,
		minIdle:       60 * time.Second,
		reclaimEvery:  30 * time.Second,
		maxDeliveries: maxDeliveries,
	}
	w.registerMetrics()
	return w
}

func (w *RetryWorker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("balans.retry")
	_, err := meter.Int64ObservableGauge("app_order_retry_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.replayedTotal)),
				metric.WithAttributes(attribute.String("result", "replayed")))
			obs.Observe(int64(atomic.LoadUint64(&w.duplicateTotal)),
				metric.WithAttributes(attribute.String("result", "duplicate")))
			obs.Observe(int64(atomic.LoadUint64(&w.failedTotal)),
				metric.WithAttributes(attribute.String("result", "failed")))
			obs.Observe(int64(atomic.LoadUint64(&w.deadLetteredTotal)),
				metric.WithAttributes(attribute.String("result", "dead_lettered")))
			return nil
		}),
	)
	if err != nil {
		w.logger.Warnf("[RetryWorker] Failed to register metrics: %v", err)
	}
}

func (w *RetryWorker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, RetryStream, RetryGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *RetryWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	if err := w.ensureGroup(ctx); err != nil {
		w.logger.Errorf("[RetryWorker] Failed to create consumer group: %v", err)
	}

	wg.Add(2)
	go w.consumeLoop(ctx, wg)
	go w.reclaimLoop(ctx, wg)
	w.logger.Infof("[RetryWorker] Started on stream %s as %s", RetryStream, w.consumer)
}

func (w *RetryWorker) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("[RetryWorker] Stopping...")
			return
		default:
			if err := w.consumeOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warnf("[RetryWorker] Read failed: %v", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *RetryWorker) consumeOnce(ctx context.Context) error {
	entries, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    RetryGroup,
		Consumer: w.consumer,
		Streams:  []string{RetryStream, ">"},
		Count:    10,
		Block:    w.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, stream := range entries {
		for _, msg := range stream.Messages {
			w.process(ctx, msg, 0)
		}
	}
	return nil
}

func (w *RetryWorker) reclaimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(w.reclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.reclaimOnce(ctx); err != nil {
				w.logger.Warnf("[RetryWorker] Reclaim failed: %v", err)
			}
		}
	}
}

// reclaimOnce takes over entries left unacked longer than minIdle, including
// this worker's own failed replays.
func (w *RetryWorker) reclaimOnce(ctx context.Context) error {
	pending, err := w.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: RetryStream,
		Group:  RetryGroup,
		Idle:   w.minIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
	}

	msgs, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   RetryStream,
		Group:    RetryGroup,
		Consumer: w.consumer,
		MinIdle:  w.minIdle,
		Start:    "0-0",
		Count:    50,
	}).Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		w.process(ctx, msg, deliveries[msg.ID])
	}
	return nil
}

func (w *RetryWorker) process(ctx context.Context, msg redis.XMessage, delivered int64) {
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		w.deadLetter(ctx, msg, "", "", "missing_payload_field")
		return
	}

	var p model.PendingOrder
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		w.deadLetter(ctx, msg, "", payload, fmt.Sprintf("invalid_json_payload: %v", err))
		return
	}
	orderID := p.Order.OrderID

	if delivered >= w.maxDeliveries {
		w.deadLetter(ctx, msg, orderID, payload, fmt.Sprintf("gave up after %d deliveries (first failure: %s)", delivered, p.Reason))
		return
	}

	// a previous delivery may have written the order before crashing
	if _, err := w.repo.GetOrder(ctx, orderID); err == nil {
		atomic.AddUint64(&w.duplicateTotal, 1)
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.repo.InsertOrderWithItems(ctx, &p.Order); err != nil {
		if repository.IsDuplicateKey(err) {
			atomic.AddUint64(&w.duplicateTotal, 1)
			w.ack(ctx, msg.ID)
			return
		}
		atomic.AddUint64(&w.failedTotal, 1)
		w.logger.Warnf("[RetryWorker] Replay of order %s failed (delivery %d): %v", orderID, delivered+1, err)
		return
	}

	atomic.AddUint64(&w.replayedTotal, 1)
	w.ack(ctx, msg.ID)
	w.logger.Infof("[RetryWorker] Replayed order %s with %d items", orderID, len(p.Order.Items))
}

func (w *RetryWorker) deadLetter(ctx context.Context, msg redis.XMessage, orderID, payload, reason string) {
	if payload == "" {
		raw, _ := json.Marshal(msg.Values)
		payload = string(raw)
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}
	err := w.repo.InsertFailedOrder(ctx, &model.FailedOrder{
		OrderID:      orderID,
		OriginalJSON: payload,
		ErrorReason:  reason,
	})
	if err != nil {
		// left pending, the next reclaim pass tries again
		w.logger.Errorf("[RetryWorker] Failed to dead-letter message %s: %v", msg.ID, err)
		return
	}
	atomic.AddUint64(&w.deadLetteredTotal, 1)
	w.ack(ctx, msg.ID)
	w.logger.WithFields(logrus.Fields{
		"msg_id":   msg.ID,
		"order_id": orderID,
		"reason":   reason,
	}).Error("[RetryWorker] Order moved to failed_orders")
}

func (w *RetryWorker) ack(ctx context.Context, id string) {
	if err := w.rdb.XAck(ctx, RetryStream, RetryGroup, id).Err(); err != nil {
		w.logger.Warnf("[RetryWorker] Failed to ack %s: %v", id, err)
	}
}
