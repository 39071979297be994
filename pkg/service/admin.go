package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/archive"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

const (
	defaultAdminLimit = 100
	maxAdminLimit     = 500
)

type Reading struct {
	HormoneType string     `json:"hormone_type"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit"`
	RefLow      *float64   `json:"reference_range_min,omitempty"`
	RefHigh     *float64   `json:"reference_range_max,omitempty"`
	TestedAt    *time.Time `json:"tested_at,omitempty"`
}

type AttachResultsRequest struct {
	OrderID  string    `json:"order_id"`
	KitCode  string    `json:"kit_code,omitempty"`
	Status   string    `json:"status,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	Readings []Reading `json:"readings"`
}

// AdminService is the lab staff workflow.
type AdminService struct {
	orders  repository.OrderRepo
	lab     repository.LabRepo
	archive archive.Store
	events  EventPublisher
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewAdminService(orders repository.OrderRepo, lab repository.LabRepo, store archive.Store, events EventPublisher, log logrus.FieldLogger) *AdminService {
	if events == nil {
		events = nopPublisher{}
	}
	return &AdminService{
		orders:  orders,
		lab:     lab,
		archive: store,
		events:  events,
		log:     log.WithField("component", "admin"),
		now:     time.Now,
	}
}

// ListOrders returns newest first. An empty status lists everything.
func (s *AdminService) ListOrders(ctx context.Context, status string, limit int) ([]*model.Order, error) {
	if status != "" && !model.ValidOrderStatus(status) {
		return nil, invalid("unknown status %q", status)
	}
	if limit <= 0 {
		limit = defaultAdminLimit
	}
	if limit > maxAdminLimit {
		limit = maxAdminLimit
	}
	orders, err := s.orders.ListOrders(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*model.Order{}
	}
	return orders, nil
}

// UpdateStatus moves an order to any known status and announces it.
func (s *AdminService) UpdateStatus(ctx context.Context, orderID, status string) (*model.Order, error) {
	if !model.ValidOrderStatus(status) {
		return nil, invalid("unknown status %q", status)
	}
	if err := s.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, mapRepoErr(err)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.log.WithField("order_id", orderID).WithField("status", status).Info("[Admin] status updated")
	s.events.Publish(ctx, model.OrderStatusEvent{
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Email:   order.GuestEmail,
		Status:  status,
	})
	return order, nil
}

// AttachResults records lab readings against an order's kit. Only the
// database write decides success; the archive copy and the event are best
// effort.
func (s *AdminService) AttachResults(ctx context.Context, req AttachResultsRequest) (*model.Result, error) {
	if len(req.Readings) == 0 {
		return nil, invalid("at least one reading is required")
	}
	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if order.IsGuest() {
		return nil, invalid("order %s has no customer account to attach results to", order.OrderID)
	}

	kitCode, err := orderKitCode(order, req.KitCode)
	if err != nil {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = model.ResultStatusReady
	}

	in := repository.AttachInput{
		OrderID:  order.OrderID,
		UserID:   order.UserID,
		KitCode:  kitCode,
		Status:   status,
		Notes:    req.Notes,
		Readings: make([]repository.ReadingInput, 0, len(req.Readings)),
	}
	for _, r := range req.Readings {
		name := normalizeAssay(r.HormoneType)
		if name == "" {
			return nil, invalid("reading without hormone_type")
		}
		in.Readings = append(in.Readings, repository.ReadingInput{
			Assay:    name,
			Value:    r.Value,
			Unit:     strings.TrimSpace(r.Unit),
			RefLow:   r.RefLow,
			RefHigh:  r.RefHigh,
			TestedAt: r.TestedAt,
		})
	}

	result, err := s.lab.AttachResults(ctx, in)
	if err != nil {
		return nil, err
	}
	log := s.log.WithField("order_id", order.OrderID).WithField("result_id", result.ID)
	log.WithField("readings", len(in.Readings)).Info("[Admin] results attached")

	s.archiveSubmission(ctx, log, result, kitCode, req)

	if model.ResultVisible(status) {
		s.events.Publish(ctx, model.OrderStatusEvent{
			OrderID: order.OrderID,
			UserID:  order.UserID,
			Status:  model.EventResultsReady,
		})
	}
	return result, nil
}

func (s *AdminService) archiveSubmission(ctx context.Context, log logrus.FieldLogger, result *model.Result, kitCode string, req AttachResultsRequest) {
	if s.archive == nil {
		return
	}
	req.KitCode = kitCode
	data, err := json.Marshal(struct {
		ResultID    uint                 `json:"result_id"`
		SubmittedAt time.Time            `json:"submitted_at"`
		Submission  AttachResultsRequest `json:"submission"`
	}{ResultID: result.ID, SubmittedAt: s.now().UTC(), Submission: req})
	if err != nil {
		log.WithError(err).Warn("[Admin] failed to encode submission")
		return
	}
	if err := s.archive.Put(ctx, ArchiveKey(req.OrderID, result.ID), data, "application/json"); err != nil {
		log.WithError(err).Warn("[Admin] failed to archive submission")
	}
}

// orderKitCode picks the kit the readings belong to. A requested code must be
// one of the order's own kits; an empty one means the order's first kit.
func orderKitCode(order *model.Order, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	for _, it := range order.Items {
		if it.KitCode == "" {
			continue
		}
		if requested == "" || strings.EqualFold(it.KitCode, requested) {
			return it.KitCode, nil
		}
	}
	if requested != "" {
		return "", invalid("kit %s does not belong to order %s", requested, order.OrderID)
	}
	return "", invalid("order %s has no kit code", order.OrderID)
}

// ArchiveKey is where the raw submission for a result is kept.
func ArchiveKey(orderID string, resultID uint) string {
	return fmt.Sprintf("results/%s/%d.json", orderID, resultID)
}

func normalizeAssay(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
