package model

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order Status Constants
const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusShipped        = "shipped"
	OrderStatusSampleReceived = "sample_received"
	OrderStatusProcessing     = "processing"
	OrderStatusCompleted      = "completed"
)

// OrderStatuses lists the lifecycle in order.
var OrderStatuses = []string{
	OrderStatusPendingPayment,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusSampleReceived,
	OrderStatusProcessing,
	OrderStatusCompleted,
}

func ValidOrderStatus(status string) bool {
	for _, s := range OrderStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type Order struct {
	OrderID     string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID      string    `gorm:"type:varchar(64);index" json:"user_id,omitempty"`
	GuestEmail  string    `gorm:"type:varchar(255)" json:"guest_email,omitempty"`
	Status      string    `gorm:"type:varchar(32);index:idx_status_created_at,priority:1" json:"status"`
	TotalAmount int64     `gorm:"type:bigint;comment:Minor units" json:"total_amount"`
	Currency    string    `gorm:"type:char(3)" json:"currency"`
	CreatedAt   time.Time `gorm:"index:idx_status_created_at,priority:2" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:OrderID" json:"order_items"`
}

func (Order) TableName() string {
	return "orders"
}

// BeforeCreate assigns an id when the caller left it empty.
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.OrderID == "" {
		o.OrderID = uuid.New().String()
	}
	return nil
}

// IsGuest reports whether the order was placed without an account.
func (o *Order) IsGuest() bool {
	return o.UserID == ""
}

type OrderItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   string    `gorm:"type:varchar(64);index" json:"order_id"`
	ProductID string    `gorm:"type:varchar(64)" json:"product_id"`
	Quantity  int32     `gorm:"type:int" json:"quantity"`
	UnitPrice int64     `gorm:"type:bigint" json:"unit_price"`
	KitCode   string    `gorm:"type:varchar(64);index" json:"kit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// KitCode builds KT-<last6 of order id>-<seq>.
func KitCode(orderID string, seq int) string {
	tail := orderID
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return fmt.Sprintf("KT-%s-%d", strings.ToUpper(tail), seq)
}

// NewFallbackOrderID is used for orders that could not reach the primary store
// and were handed to the retry queue instead.
func NewFallbackOrderID(now time.Time) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 9)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("order_%d_%s", now.UnixMilli(), b)
}

// PendingOrder is the retry queue payload for an order whose insert failed.
type PendingOrder struct {
	Order  Order  `json:"order"`
	Reason string `json:"reason"`
}

// FailedOrder holds retry queue messages that could not be replayed.
type FailedOrder struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID      string    `gorm:"index" json:"order_id"`
	OriginalJSON string    `gorm:"type:text" json:"original_json"`
	ErrorReason  string    `gorm:"type:varchar(255)" json:"error_reason"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (FailedOrder) TableName() string {
	return "failed_orders"
}

type OrderStatusEvent struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Status  string `json:"status"`
}

// EventResultsReady is published after lab staff attach readings.
const EventResultsReady = "results_ready"
