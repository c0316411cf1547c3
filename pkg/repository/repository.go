// Package repository provides a small typed gorm store used for catalog
// lookups.
package repository

import (
	"context"

	"github.com/smallbiznis/meterline/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a typed store over one gorm model. The query argument acts
// as a field-equality filter; options add ordering and range conditions.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns nil without error when nothing matches.
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Count(ctx context.Context, query *T) (int64, error)
}
