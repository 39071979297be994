package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/stebbidabba/balans-sub000/pkg/model"
	"gorm.io/gorm"
)

// ReadingInput is one hormone value entered by lab staff.
type ReadingInput struct {
	Assay    string
	Value    float64
	Unit     string
	RefLow   *float64
	RefHigh  *float64
	TestedAt *time.Time
}

// AttachInput is everything needed to hang a result off an order.
type AttachInput struct {
	OrderID  string
	UserID   string
	KitCode  string
	Status   string
	Notes    string
	Readings []ReadingInput
}

type LabRepo interface {
	OrdersByUser(ctx context.Context, userID string) ([]*model.Order, error)
	SamplesByUser(ctx context.Context, userID string) ([]model.Sample, error)
	VisibleResults(ctx context.Context, sampleIDs []uint) ([]model.Result, error)
	ResultValues(ctx context.Context, resultIDs []uint) ([]model.ResultValue, error)
	AssaysByIDs(ctx context.Context, ids []uint) ([]model.Assay, error)
	KitsByCodes(ctx context.Context, codes []string) ([]model.Kit, error)
	ShipmentsByKits(ctx context.Context, kitIDs []uint) ([]model.Shipment, error)
	AttachResults(ctx context.Context, in AttachInput) (*model.Result, error)
}

type labRepo struct {
	db *gorm.DB
}

func NewLabRepo(db *gorm.DB) LabRepo {
	return &labRepo{db: db}
}

func (r *labRepo) OrdersByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	return orders, nil
}

func (r *labRepo) SamplesByUser(ctx context.Context, userID string) ([]model.Sample, error) {
	var samples []model.Sample
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("fetch samples: %w", err)
	}
	return samples, nil
}

func (r *labRepo) VisibleResults(ctx context.Context, sampleIDs []uint) ([]model.Result, error) {
	var results []model.Result
	if len(sampleIDs) == 0 {
		return results, nil
	}
	err := r.db.WithContext(ctx).
		Where("sample_id IN ?", sampleIDs).
		Where("status IN ?", model.VisibleResultStatuses).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	return results, nil
}

func (r *labRepo) ResultValues(ctx context.Context, resultIDs []uint) ([]model.ResultValue, error) {
	var values []model.ResultValue
	if len(resultIDs) == 0 {
		return values, nil
	}
	if err := r.db.WithContext(ctx).Where("result_id IN ?", resultIDs).Find(&values).Error; err != nil {
		return nil, fmt.Errorf("fetch result values: %w", err)
	}
	return values, nil
}

func (r *labRepo) AssaysByIDs(ctx context.Context, ids []uint) ([]model.Assay, error) {
	var assays []model.Assay
	if len(ids) == 0 {
		return assays, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&assays).Error; err != nil {
		return nil, fmt.Errorf("fetch assays: %w", err)
	}
	return assays, nil
}

func (r *labRepo) KitsByCodes(ctx context.Context, codes []string) ([]model.Kit, error) {
	var kits []model.Kit
	if len(codes) == 0 {
		return kits, nil
	}
	if err := r.db.WithContext(ctx).Where("kit_code IN ?", codes).Find(&kits).Error; err != nil {
		return nil, fmt.Errorf("fetch kits: %w", err)
	}
	return kits, nil
}

func (r *labRepo) ShipmentsByKits(ctx context.Context, kitIDs []uint) ([]model.Shipment, error) {
	var shipments []model.Shipment
	if len(kitIDs) == 0 {
		return shipments, nil
	}
	if err := r.db.WithContext(ctx).Where("kit_id IN ?", kitIDs).Find(&shipments).Error; err != nil {
		return nil, fmt.Errorf("fetch shipments: %w", err)
	}
	return shipments, nil
}

// [Admin] kit, shipment, sample, result and values in one transaction
func (r *labRepo) AttachResults(ctx context.Context, in AttachInput) (*model.Result, error) {
	var result model.Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Kit
		var kit model.Kit
		if err := tx.Where(model.Kit{KitCode: in.KitCode}).FirstOrCreate(&kit).Error; err != nil {
			return fmt.Errorf("kit: %w", err)
		}

		// 2. Shipment kit -> order
		var shipment model.Shipment
		if err := tx.Where(model.Shipment{KitID: kit.ID, OrderID: in.OrderID}).FirstOrCreate(&shipment).Error; err != nil {
			return fmt.Errorf("shipment: %w", err)
		}

		// 3. Sample owned by the order's customer
		var sample model.Sample
		if err := tx.Where(model.Sample{UserID: in.UserID, KitCode: in.KitCode}).FirstOrCreate(&sample).Error; err != nil {
			return fmt.Errorf("sample: %w", err)
		}

		// 4. Result
		result = model.Result{SampleID: sample.ID, Status: in.Status, Notes: in.Notes}
		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("result: %w", err)
		}

		// 5. Values
		values := make([]model.ResultValue, 0, len(in.Readings))
		for _, rd := range in.Readings {
			var assay model.Assay
			if err := tx.Where(model.Assay{Name: rd.Assay}).Attrs(model.Assay{DefaultUnit: rd.Unit}).FirstOrCreate(&assay).Error; err != nil {
				return fmt.Errorf("assay %s: %w", rd.Assay, err)
			}
			values = append(values, model.ResultValue{
				ResultID: result.ID,
				AssayID:  assay.ID,
				Value:    rd.Value,
				Unit:     rd.Unit,
				RefLow:   rd.RefLow,
				RefHigh:  rd.RefHigh,
				TestedAt: rd.TestedAt,
			})
		}
		if len(values) > 0 {
			if err := tx.Create(&values).Error; err != nil {
				return fmt.Errorf("result values: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach results to %s: %w", in.OrderID, err)
	}
	return &result, nil
}
