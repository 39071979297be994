package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"golang.org/x/sync/errgroup"
)

// Catalog is the price source for a quote.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
}

type Line struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Picture   string `json:"picture,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

type Quotation struct {
	Lines    []Line `json:"lines"`
	Total    int64  `json:"total"`
	Currency string `json:"currency,omitempty"`
}

// Quote prices items against the catalog concurrently. Unknown or inactive
// products are dropped; any other lookup error fails the whole quote.
func Quote(ctx context.Context, items []Item, catalog Catalog, log logrus.FieldLogger) (*Quotation, error) {
	g, groupCtx := errgroup.WithContext(ctx)
	products := make([]*model.Product, len(items))
	for i, item := range items {
		index, value := i, item
		if value.Quantity <= 0 {
			continue
		}
		g.Go(func() error {
			p, err := catalog.GetProduct(groupCtx, value.ProductID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get product %s: %w", value.ProductID, err)
			}
			products[index] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	q := &Quotation{Lines: make([]Line, 0, len(items))}
	for i, item := range items {
		p := products[i]
		if p == nil || !p.Active {
			if item.Quantity > 0 {
				log.WithField("product_id", item.ProductID).Warn("[Cart] dropping unknown product")
			}
			continue
		}
		line := Line{
			ProductID: p.Id,
			Name:      p.Name,
			Picture:   p.Picture,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
			LineTotal: p.Price * int64(item.Quantity),
		}
		q.Lines = append(q.Lines, line)
		q.Total += line.LineTotal
		if q.Currency == "" {
			q.Currency = p.Currency
		}
	}
	return q, nil
}
