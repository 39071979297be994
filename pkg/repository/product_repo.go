package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/stebbidabba/balans-sub000/pkg/model"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type ProductRepository interface {
	ListProducts(ctx context.Context) ([]*model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
}

type productRepo struct {
	db *gorm.DB
}

func NewProductRepo(db *gorm.DB) ProductRepository {
	return &productRepo{db: db}
}

func (r *productRepo) ListProducts(ctx context.Context) ([]*model.Product, error) {
	var products []*model.Product
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("price ASC").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}

func (r *productRepo) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var product model.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// sharedLookupTimeout bounds a shared query once it no longer follows the
// caller that started it.
const sharedLookupTimeout = 10 * time.Second

// sharedProductRepo collapses concurrent lookups of the same product into one
// query. Nothing is kept between calls, prices are always read fresh.
type sharedProductRepo struct {
	next ProductRepository
	sf   singleflight.Group
}

func NewSharedProductRepo(next ProductRepository) ProductRepository {
	return &sharedProductRepo{next: next}
}

// do runs fn once per key for all waiting callers. The shared query is
// detached from the first caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (s *sharedProductRepo) do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := s.sf.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return fn(shared)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (s *sharedProductRepo) ListProducts(ctx context.Context) ([]*model.Product, error) {
	v, err := s.do(ctx, "list", func(ctx context.Context) (interface{}, error) {
		return s.next.ListProducts(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Product), nil
}

func (s *sharedProductRepo) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	v, err := s.do(ctx, "product:"+id, func(ctx context.Context) (interface{}, error) {
		return s.next.GetProduct(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	// callers may mutate what they get back
	p := *v.(*model.Product)
	return &p, nil
}
