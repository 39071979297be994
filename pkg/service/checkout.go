package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/cart"
	"github.com/stebbidabba/balans-sub000/pkg/client"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

// RetryQueue takes orders the primary store refused.
type RetryQueue interface {
	Enqueue(ctx context.Context, p model.PendingOrder) error
}

type PaymentProvider interface {
	CreateIntent(ctx context.Context, orderID string, amount int64, currency string) (*client.PaymentIntent, error)
}

type PlaceOrderRequest struct {
	UserID string
	Email  string
	Items  []cart.Item
}

type PlaceOrderResult struct {
	Order   *model.Order          `json:"order"`
	Quote   *cart.Quotation       `json:"quote"`
	Payment *client.PaymentIntent `json:"payment,omitempty"`

	// Queued is set when the order went to the retry queue instead of the store.
	Queued bool `json:"queued"`
}

type CheckoutService struct {
	catalog  cart.Catalog
	orders   repository.OrderRepo
	queue    RetryQueue
	payments PaymentProvider
	events   EventPublisher
	currency string
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewCheckoutService(catalog cart.Catalog, orders repository.OrderRepo, queue RetryQueue, payments PaymentProvider, events EventPublisher, currency string, log logrus.FieldLogger) *CheckoutService {
	if events == nil {
		events = nopPublisher{}
	}
	return &CheckoutService{
		catalog:  catalog,
		orders:   orders,
		queue:    queue,
		payments: payments,
		events:   events,
		currency: currency,
		log:      log.WithField("component", "checkout"),
		now:      time.Now,
	}
}

// PlaceOrder prices the cart, writes a pending_payment order and its kit line
// items, then opens a payment intent.
func (s *CheckoutService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	email := strings.TrimSpace(req.Email)
	if req.UserID == "" && email == "" {
		return nil, invalid("email is required for guest checkout")
	}

	// 1. Fresh prices
	quote, err := cart.Quote(ctx, req.Items, s.catalog, s.log)
	if err != nil {
		return nil, fmt.Errorf("price cart: %w", err)
	}
	if len(quote.Lines) == 0 {
		return nil, invalid("cart is empty")
	}
	currency := quote.Currency
	if currency == "" {
		currency = s.currency
	}

	// 2. Order row
	order := &model.Order{
		OrderID:     uuid.New().String(),
		UserID:      req.UserID,
		Status:      model.OrderStatusPendingPayment,
		TotalAmount: quote.Total,
		Currency:    currency,
	}
	if req.UserID == "" {
		order.GuestEmail = email
	}

	result := &PlaceOrderResult{Order: order, Quote: quote}
	log := s.log.WithField("order_id", order.OrderID)

	if err := s.orders.InsertOrder(ctx, order); err != nil {
		log.WithError(err).Error("[Checkout] order insert failed, handing order to retry queue")
		if err := s.enqueue(ctx, order, quote, err); err != nil {
			return nil, err
		}
		log = s.log.WithField("order_id", order.OrderID)
		result.Queued = true
	} else {
		// 3. Line items. No retry on failure: the order stays with zero items.
		items := kitItems(order.OrderID, quote)
		if err := s.orders.InsertOrderItems(ctx, items); err != nil {
			log.WithError(err).Error("[Checkout] order persisted without line items")
			order.Items = []model.OrderItem{}
		} else {
			order.Items = items
		}
	}

	// 4. Payment intent, best effort
	if s.payments != nil {
		intent, err := s.payments.CreateIntent(ctx, order.OrderID, order.TotalAmount, order.Currency)
		if err != nil {
			log.WithError(err).Warn("[Checkout] failed to create payment intent")
		} else {
			result.Payment = intent
		}
	}

	log.WithField("queued", result.Queued).WithField("total", order.TotalAmount).Info("[Checkout] order placed")
	return result, nil
}

func (s *CheckoutService) enqueue(ctx context.Context, order *model.Order, quote *cart.Quotation, cause error) error {
	if s.queue == nil {
		return ErrStoreUnavailable
	}
	order.OrderID = model.NewFallbackOrderID(s.now())
	order.CreatedAt = s.now()
	order.Items = kitItems(order.OrderID, quote)

	if err := s.queue.Enqueue(ctx, model.PendingOrder{Order: *order, Reason: cause.Error()}); err != nil {
		s.log.WithError(err).WithField("order_id", order.OrderID).Error("[Checkout] retry queue unavailable")
		return ErrStoreUnavailable
	}
	return nil
}

// kitItems writes one line item per unit so every physical kit gets its own
// code, numbered from 1 within the order.
func kitItems(orderID string, quote *cart.Quotation) []model.OrderItem {
	var items []model.OrderItem
	seq := 0
	for _, line := range quote.Lines {
		for u := 0; u < line.Quantity; u++ {
			seq++
			items = append(items, model.OrderItem{
				OrderID:   orderID,
				ProductID: line.ProductID,
				Quantity:  1,
				UnitPrice: line.UnitPrice,
				KitCode:   model.KitCode(orderID, seq),
			})
		}
	}
	return items
}

// ConfirmPayment is the client-side payment callback. It is not checked
// against the payment provider.
func (s *CheckoutService) ConfirmPayment(ctx context.Context, orderID, callerID string) (*model.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !CanView(order, callerID) {
		return nil, ErrNotFound
	}
	if order.Status != model.OrderStatusPendingPayment {
		// repeated callbacks and late callbacks leave the order alone
		return order, nil
	}

	if err := s.orders.UpdateOrderStatus(ctx, orderID, model.OrderStatusConfirmed); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	order.Status = model.OrderStatusConfirmed

	s.events.Publish(ctx, model.OrderStatusEvent{
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Email:   order.GuestEmail,
		Status:  model.OrderStatusConfirmed,
	})
	return order, nil
}
