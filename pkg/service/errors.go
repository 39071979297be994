package service

import (
	"errors"
	"fmt"

	"github.com/stebbidabba/balans-sub000/pkg/repository"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("order store unavailable")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapRepoErr turns repository sentinels into service sentinels.
func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
