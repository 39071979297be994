package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/client"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), false)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testWorker(rdb *redis.Client, repo repository.OrderRepo) *RetryWorker {
	w := NewRetryWorker(rdb, repo, quietLogger())
	w.block = -1
	w.minIdle = 0
	return w
}

func pendingOrder(id string) model.PendingOrder {
	return model.PendingOrder{
		Order: model.Order{
			OrderID:     id,
			UserID:      "user-1",
			Status:      model.OrderStatusPendingPayment,
			TotalAmount: 14900,
			Currency:    "isk",
			Items: []model.OrderItem{
				{OrderID: id, ProductID: "basic", Quantity: 1, UnitPrice: 14900, KitCode: model.KitCode(id, 1)},
			},
		},
		Reason: "connection refused",
	}
}

func TestRetryQueueReplay(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	repo := repository.NewOrderRepo(newTestDB(t))
	w := testWorker(rdb, repo)
	require.NoError(t, w.ensureGroup(ctx))
	require.NoError(t, w.ensureGroup(ctx), "group creation is idempotent")

	q := NewRetryQueue(rdb)
	require.NoError(t, q.Enqueue(ctx, pendingOrder("order_1700000000000_abc123xyz")))

	require.NoError(t, w.consumeOnce(ctx))

	got, err := repo.GetOrder(ctx, "order_1700000000000_abc123xyz")
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "KT-123XYZ-1", got.Items[0].KitCode)

	pending, err := rdb.XPending(ctx, RetryStream, RetryGroup).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "acked")
	assert.Equal(t, uint64(1), w.replayedTotal)
}

func TestRetryQueueDuplicateIsAcked(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	repo := repository.NewOrderRepo(newTestDB(t))
	w := testWorker(rdb, repo)
	require.NoError(t, w.ensureGroup(ctx))

	p := pendingOrder("order_1_dup000000")
	require.NoError(t, repo.InsertOrderWithItems(ctx, &model.Order{OrderID: p.Order.OrderID, Status: model.OrderStatusPendingPayment}))

	require.NoError(t, NewRetryQueue(rdb).Enqueue(ctx, p))
	require.NoError(t, w.consumeOnce(ctx))

	pending, err := rdb.XPending(ctx, RetryStream, RetryGroup).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
	assert.Equal(t, uint64(1), w.duplicateTotal)
}

// downOrders refuses every replay.
type downOrders struct {
	repository.OrderRepo
	mu     sync.Mutex
	failed []*model.FailedOrder
}

func (d *downOrders) GetOrder(context.Context, string) (*model.Order, error) {
	return nil, repository.ErrNotFound
}

func (d *downOrders) InsertOrderWithItems(context.Context, *model.Order) error {
	return errors.New("database is locked")
}

func (d *downOrders) InsertFailedOrder(_ context.Context, f *model.FailedOrder) error {
	d.mu.Lock()
	d.failed = append(d.failed, f)
	d.mu.Unlock()
	return nil
}

func TestRetryQueueDeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	repo := &downOrders{}
	w := testWorker(rdb, repo)
	w.maxDeliveries = 3
	require.NoError(t, w.ensureGroup(ctx))

	require.NoError(t, NewRetryQueue(rdb).Enqueue(ctx, pendingOrder("order_2_fail00000")))

	// first delivery plus two reclaims fail, the third reclaim gives up
	require.NoError(t, w.consumeOnce(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, w.reclaimOnce(ctx))
	}

	require.Len(t, repo.failed, 1)
	assert.Equal(t, "order_2_fail00000", repo.failed[0].OrderID)
	assert.Contains(t, repo.failed[0].ErrorReason, "connection refused")
	assert.Contains(t, repo.failed[0].OriginalJSON, `"id":"order_2_fail00000"`)
	assert.Equal(t, uint64(3), w.failedTotal)
	assert.Equal(t, uint64(1), w.deadLetteredTotal)

	pending, err := rdb.XPending(ctx, RetryStream, RetryGroup).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRetryQueueDeadLettersGarbage(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	repo := &downOrders{}
	w := testWorker(rdb, repo)
	require.NoError(t, w.ensureGroup(ctx))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: RetryStream, Values: map[string]interface{}{"junk": "1"}}).Err())
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: RetryStream, Values: map[string]interface{}{payloadField: "{not json"}}).Err())
	require.NoError(t, w.consumeOnce(ctx))

	require.Len(t, repo.failed, 2)
	assert.Equal(t, "missing_payload_field", repo.failed[0].ErrorReason)
	assert.True(t, strings.HasPrefix(repo.failed[1].ErrorReason, "invalid_json_payload"))
}

func TestRetryQueueEnqueueFailsWhenRedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	err := NewRetryQueue(rdb).Enqueue(context.Background(), pendingOrder("x"))
	assert.Error(t, err)
}

func TestRetryWorkerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, rdb := newRedis(t)
	repo := repository.NewOrderRepo(newTestDB(t))
	w := NewRetryWorker(rdb, repo, quietLogger())
	w.block = 50 * time.Millisecond

	var wg sync.WaitGroup
	w.Start(ctx, &wg)
	require.NoError(t, NewRetryQueue(rdb).Enqueue(ctx, pendingOrder("order_3_live00000")))

	assert.Eventually(t, func() bool {
		_, err := repo.GetOrder(context.Background(), "order_3_live00000")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []client.Email
	err  error
}

func (m *fakeMailer) Send(_ context.Context, e client.Email) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return fmt.Sprintf("em_%d", len(m.sent)), nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestNotifierConfirmed(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, nil, "https://balans.is/", quietLogger())

	err := n.Handle(context.Background(), model.OrderStatusEvent{OrderID: "ord-1", Email: "anna@example.is", Status: model.OrderStatusConfirmed})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, []string{"anna@example.is"}, mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].HTML, "https://balans.is/account/setup?email=anna%40example.is&amp;order=ord-1")
	assert.Equal(t, "Your sign-in link", mailer.sent[1].Subject)
}

func TestNotifierResolvesProfileEmail(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.Profile{ID: "user-1", Email: "bjorn@example.is"}).Error)
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, repository.NewProfileRepository(db), "https://balans.is", quietLogger())

	require.NoError(t, n.Handle(ctx, model.OrderStatusEvent{OrderID: "ord-1", UserID: "user-1", Status: model.EventResultsReady}))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"bjorn@example.is"}, mailer.sent[0].To)
	assert.Equal(t, "Your results are ready", mailer.sent[0].Subject)

	require.NoError(t, n.Handle(ctx, model.OrderStatusEvent{OrderID: "ord-2", UserID: "ghost", Status: model.EventResultsReady}))
	assert.Len(t, mailer.sent, 1, "no address, nothing sent")
}

func TestNotifierIgnoresOtherStatuses(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, nil, "", quietLogger())
	require.NoError(t, n.Handle(context.Background(), model.OrderStatusEvent{OrderID: "o", Email: "a@b.is", Status: model.OrderStatusShipped}))
	assert.Empty(t, mailer.sent)
}

func TestNotifierErrors(t *testing.T) {
	ctx := context.Background()
	ev := model.OrderStatusEvent{OrderID: "o", Email: "a@b.is", Status: model.OrderStatusConfirmed}

	disabled := NewNotifier(&fakeMailer{err: client.ErrEmailDisabled}, nil, "", quietLogger())
	assert.NoError(t, disabled.Handle(ctx, ev))

	failing := NewNotifier(&fakeMailer{err: errors.New("provider 500")}, nil, "", quietLogger())
	assert.Error(t, failing.Handle(ctx, ev))
}

func TestNotifierPublishIsAsync(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewNotifier(mailer, nil, "", quietLogger())
	n.Publish(context.Background(), model.OrderStatusEvent{OrderID: "o", Email: "a@b.is", Status: model.EventResultsReady})
	assert.Eventually(t, func() bool { return mailer.count() == 1 }, time.Second, 10*time.Millisecond)
}

type slowMailer struct {
	fakeMailer
	delay time.Duration
}

func (m *slowMailer) Send(ctx context.Context, msg client.Email) (string, error) {
	time.Sleep(m.delay)
	return m.fakeMailer.Send(ctx, msg)
}

func TestNotifierPublishTrackedByWaitGroup(t *testing.T) {
	mailer := &slowMailer{delay: 50 * time.Millisecond}
	n := NewNotifier(mailer, nil, "", quietLogger())
	var wg sync.WaitGroup
	n.TrackIn(&wg)

	n.Publish(context.Background(), model.OrderStatusEvent{OrderID: "o", Email: "a@b.is", Status: model.EventResultsReady})
	wg.Wait()
	assert.Equal(t, 1, mailer.count(), "send finished before Wait returned")
}

type recordingHandler struct {
	err    error
	events []model.OrderStatusEvent
}

func (h *recordingHandler) Handle(_ context.Context, ev model.OrderStatusEvent) error {
	h.events = append(h.events, ev)
	return h.err
}

func TestStatusConsumerConsume(t *testing.T) {
	h := &recordingHandler{}
	c := &StatusConsumer{handler: h, logger: quietLogger()}

	msgs := []*primitive.MessageExt{
		{Message: primitive.Message{Body: []byte(`{"order_id":"ord-1","status":"confirmed"}`)}},
		{Message: primitive.Message{Body: []byte(`not json`)}},
	}
	res, err := c.consume(context.Background(), msgs...)
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeSuccess, res)
	require.Len(t, h.events, 1)
	assert.Equal(t, "ord-1", h.events[0].OrderID)

	h.err = errors.New("smtp down")
	res, err = c.consume(context.Background(), msgs[0])
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeRetryLater, res)
}
