package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SaveBundle records a published bundle and makes it the current one.
// Versions are immutable; publishing an existing version fails.
func (s *Store) SaveBundle(ctx context.Context, b *Bundle) error {
	if b.Version == "" || b.ObjectKey == "" {
		return fmt.Errorf("%w: bundle needs version and object key", ErrInvalidArgument)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Bundle{}).Where("version = ?", b.Version).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrBundleExists, b.Version)
		}
		if err := tx.Model(&Bundle{}).Where("is_current = ?", true).Update("is_current", false).Error; err != nil {
			return err
		}
		b.IsCurrent = true
		if b.PublishedAt.IsZero() {
			b.PublishedAt = s.now()
		}
		return tx.Create(b).Error
	})
	return wrap("save bundle", err)
}

// CurrentBundle returns the most recently published bundle.
func (s *Store) CurrentBundle(ctx context.Context) (*Bundle, error) {
	var b Bundle
	err := s.db.WithContext(ctx).Where("is_current = ?", true).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, wrap("current bundle", err)
	}
	return &b, nil
}

func (s *Store) GetBundle(ctx context.Context, version string) (*Bundle, error) {
	var b Bundle
	err := s.db.WithContext(ctx).Where("version = ?", version).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, version)
	}
	if err != nil {
		return nil, wrap("get bundle", err)
	}
	return &b, nil
}
