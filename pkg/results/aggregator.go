// Package results assembles a customer's hormone readings from the lab tables.
//
// The read is a chain of dependent fetches: orders, samples, visible results,
// result values, assays, then kits and shipments to map each kit code back to
// the order that bought it. Every stage that comes back empty ends the chain
// early, and every stage error ends it with whatever was assembled so far.
package results

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
)

// Source is the set of typed queries the pipeline runs, in order.
type Source interface {
	OrdersByUser(ctx context.Context, userID string) ([]*model.Order, error)
	SamplesByUser(ctx context.Context, userID string) ([]model.Sample, error)
	VisibleResults(ctx context.Context, sampleIDs []uint) ([]model.Result, error)
	ResultValues(ctx context.Context, resultIDs []uint) ([]model.ResultValue, error)
	AssaysByIDs(ctx context.Context, ids []uint) ([]model.Assay, error)
	KitsByCodes(ctx context.Context, codes []string) ([]model.Kit, error)
	ShipmentsByKits(ctx context.Context, kitIDs []uint) ([]model.Shipment, error)
}

// Summary is the payload of GET /api/results.
type Summary struct {
	Results []model.Reading `json:"results"`
	Orders  []*model.Order  `json:"orders"`
}

func emptySummary() Summary {
	return Summary{Results: []model.Reading{}, Orders: []*model.Order{}}
}

type Aggregator struct {
	src Source
	log logrus.FieldLogger
}

func NewAggregator(src Source, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{src: src, log: log.WithField("component", "results")}
}

// MyResults never fails once the caller is known; store errors degrade to an
// empty result list and are only logged.
func (a *Aggregator) MyResults(ctx context.Context, userID string) Summary {
	out := emptySummary()
	log := a.log.WithField("user_id", userID)

	// 1. Orders for the summary panel
	orders, err := a.src.OrdersByUser(ctx, userID)
	if err != nil {
		log.WithError(err).Error("[Results] orders fetch failed")
		return emptySummary()
	}
	if orders != nil {
		out.Orders = orders
	}
	owned := make(map[string]bool, len(orders))
	for _, o := range orders {
		owned[o.OrderID] = true
	}

	// 2. Samples
	samples, err := a.src.SamplesByUser(ctx, userID)
	if err != nil {
		log.WithError(err).Error("[Results] samples fetch failed")
		return out
	}
	if len(samples) == 0 {
		return out
	}
	sampleByID := make(map[uint]model.Sample, len(samples))
	sampleIDs := make([]uint, 0, len(samples))
	for _, s := range samples {
		sampleByID[s.ID] = s
		sampleIDs = append(sampleIDs, s.ID)
	}

	// 3. Results in a customer visible status
	results, err := a.src.VisibleResults(ctx, sampleIDs)
	if err != nil {
		log.WithError(err).Error("[Results] results fetch failed")
		return out
	}
	if len(results) == 0 {
		return out
	}
	resultByID := make(map[uint]model.Result, len(results))
	resultIDs := make([]uint, 0, len(results))
	for _, r := range results {
		if !model.ResultVisible(r.Status) {
			continue
		}
		resultByID[r.ID] = r
		resultIDs = append(resultIDs, r.ID)
	}
	if len(resultIDs) == 0 {
		return out
	}

	// 4. Values
	values, err := a.src.ResultValues(ctx, resultIDs)
	if err != nil {
		log.WithError(err).Error("[Results] result values fetch failed")
		return out
	}
	if len(values) == 0 {
		return out
	}

	// 5. Assay names
	assays, err := a.src.AssaysByIDs(ctx, distinctAssayIDs(values))
	if err != nil {
		log.WithError(err).Error("[Results] assays fetch failed")
		return out
	}
	assayName := make(map[uint]string, len(assays))
	for _, as := range assays {
		assayName[as.ID] = as.Name
	}

	// 6. kit code -> order id, restricted to the caller's own orders
	orderByKit, err := a.kitOrders(ctx, samples, owned)
	if err != nil {
		log.WithError(err).Error("[Results] kit/shipment fetch failed")
		return out
	}

	// 7. Flatten, 8. drop what cannot be tied to an order
	readings := make([]model.Reading, 0, len(values))
	dropped := 0
	for _, v := range values {
		res, ok := resultByID[v.ResultID]
		if !ok {
			continue
		}
		sample := sampleByID[res.SampleID]
		orderID := orderByKit[sample.KitCode]
		if orderID == "" {
			dropped++
			continue
		}
		readings = append(readings, model.Reading{
			ID:                v.ID,
			OrderID:           orderID,
			HormoneType:       assayName[v.AssayID],
			ResultValue:       v.Value,
			Unit:              v.Unit,
			ReferenceRangeMin: v.RefLow,
			ReferenceRangeMax: v.RefHigh,
			TestedAt:          v.TestedAt,
			KitCode:           sample.KitCode,
			Notes:             res.Notes,
			Status:            res.Status,
		})
	}
	if dropped > 0 {
		log.WithField("dropped", dropped).Debug("[Results] readings without a resolvable order")
	}

	sortNewestFirst(readings)
	out.Results = readings
	return out
}

// kitOrders maps kit codes to the order that shipped them. Shipments to orders
// outside owned are ignored, so a kit shipped to someone else never resolves.
func (a *Aggregator) kitOrders(ctx context.Context, samples []model.Sample, owned map[string]bool) (map[string]string, error) {
	codes := make([]string, 0, len(samples))
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		if s.KitCode == "" || seen[s.KitCode] {
			continue
		}
		seen[s.KitCode] = true
		codes = append(codes, s.KitCode)
	}
	orderByKit := make(map[string]string, len(codes))
	if len(codes) == 0 {
		return orderByKit, nil
	}

	kits, err := a.src.KitsByCodes(ctx, codes)
	if err != nil {
		return nil, err
	}
	if len(kits) == 0 {
		return orderByKit, nil
	}
	codeByKit := make(map[uint]string, len(kits))
	kitIDs := make([]uint, 0, len(kits))
	for _, k := range kits {
		codeByKit[k.ID] = k.KitCode
		kitIDs = append(kitIDs, k.ID)
	}

	shipments, err := a.src.ShipmentsByKits(ctx, kitIDs)
	if err != nil {
		return nil, err
	}
	for _, sh := range shipments {
		code := codeByKit[sh.KitID]
		if code == "" || !owned[sh.OrderID] {
			continue
		}
		orderByKit[code] = sh.OrderID
	}
	return orderByKit, nil
}

func distinctAssayIDs(values []model.ResultValue) []uint {
	seen := make(map[uint]bool, len(values))
	ids := make([]uint, 0, len(values))
	for _, v := range values {
		if seen[v.AssayID] {
			continue
		}
		seen[v.AssayID] = true
		ids = append(ids, v.AssayID)
	}
	return ids
}

// sortNewestFirst orders by tested_at descending; undated readings go last.
func sortNewestFirst(readings []model.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		ti, tj := readings[i].TestedAt, readings[j].TestedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
}
