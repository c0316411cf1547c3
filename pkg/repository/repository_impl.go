package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/meterline/pkg/db/option"
	"gorm.io/gorm"
)

type gormStore[T any] struct {
	db *gorm.DB
}

// ProvideStore builds a Repository bound to the given connection.
func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return gormStore[T]{db: db}
}

func (s gormStore[T]) WithTrx(tx *gorm.DB) Repository[T] {
	return gormStore[T]{db: tx}
}

func (s gormStore[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	if err := s.scoped(ctx, query, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s gormStore[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var row T
	err := s.scoped(ctx, query, opts).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &row, nil
}

func (s gormStore[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s gormStore[T]) Count(ctx context.Context, query *T) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(new(T)).Where(query).Count(&n).Error
	return n, err
}

func (s gormStore[T]) scoped(ctx context.Context, query *T, opts []option.QueryOption) *gorm.DB {
	stmt := s.db.WithContext(ctx).Where(query)
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	return stmt
}
