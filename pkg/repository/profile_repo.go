package repository

import (
	"context"

	"github.com/stebbidabba/balans-sub000/pkg/model"
	"gorm.io/gorm"
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

type profileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var profile model.Profile
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&profile).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}
