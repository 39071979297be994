package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

// CanView reports whether callerID may see the order. Guest orders are
// visible to whoever holds the id.
func CanView(order *model.Order, callerID string) bool {
	return order.IsGuest() || order.UserID == callerID
}

// OrderService serves the customer's own order reads.
type OrderService struct {
	orders repository.OrderRepo
	log    logrus.FieldLogger
}

func NewOrderService(orders repository.OrderRepo, log logrus.FieldLogger) *OrderService {
	return &OrderService{orders: orders, log: log.WithField("component", "orders")}
}

// MyOrders degrades to an empty list when the store fails.
func (s *OrderService) MyOrders(ctx context.Context, userID string) []*model.Order {
	orders, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("[Orders] list failed")
		return []*model.Order{}
	}
	if orders == nil {
		return []*model.Order{}
	}
	return orders
}

// Track returns ErrNotFound for orders the caller may not see.
func (s *OrderService) Track(ctx context.Context, orderID, callerID string) (*model.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !CanView(order, callerID) {
		return nil, ErrNotFound
	}
	return order, nil
}
