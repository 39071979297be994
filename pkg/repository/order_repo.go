package repository

import (
	"context"
	"fmt"

	"github.com/stebbidabba/balans-sub000/pkg/model"
	"gorm.io/gorm"
)

type OrderRepo interface {
	InsertOrder(ctx context.Context, order *model.Order) error
	InsertOrderItems(ctx context.Context, items []model.OrderItem) error
	InsertOrderWithItems(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*model.Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status string) error
	InsertFailedOrder(ctx context.Context, failedOrder *model.FailedOrder) error
}

type orderRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) OrderRepo {
	return &orderRepo{db: db}
}

// [Checkout] order row only; items follow in a separate write
func (r *orderRepo) InsertOrder(ctx context.Context, order *model.Order) error {
	if err := r.db.WithContext(ctx).Omit("Items").Create(order).Error; err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepo) InsertOrderItems(ctx context.Context, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(items, 100).Error; err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

// [RetryWorker] replayed orders go in together with their items
func (r *orderRepo) InsertOrderWithItems(ctx context.Context, order *model.Order) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(order).Error; err != nil {
			return err
		}
		if len(order.Items) == 0 {
			return nil
		}
		for i := range order.Items {
			order.Items[i].OrderID = order.OrderID
		}
		return tx.CreateInBatches(order.Items, 100).Error
	})
	if err != nil {
		return fmt.Errorf("replay order %s: %w", order.OrderID, err)
	}
	return nil
}

func (r *orderRepo) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	if err := r.db.WithContext(ctx).Preload("Items").Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// [Account] newest first
func (r *orderRepo) ListOrdersByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(50).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders for user: %w", err)
	}
	return orders, nil
}

// [Admin] empty status means all
func (r *orderRepo) ListOrders(ctx context.Context, status string, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	q := r.db.WithContext(ctx).Preload("Items").Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (r *orderRepo) UpdateOrderStatus(ctx context.Context, orderID string, status string) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).Where("order_id = ?", orderID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update order status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// [RetryWorker] dead letters
func (r *orderRepo) InsertFailedOrder(ctx context.Context, failedOrder *model.FailedOrder) error {
	return r.db.WithContext(ctx).Create(failedOrder).Error
}
