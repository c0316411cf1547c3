// Package option composes optional query behavior onto gorm statements.
package option

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// Operator is a comparison operator for ApplyOperator conditions.
type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// Condition is a single field comparison.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a comparison condition on an allow-listed column name.
func ApplyOperator(cond Condition) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := sanitizeColumn(cond.Field)
		if field == "" {
			return db
		}
		switch cond.Operator {
		case EQ, GT, GTE, LT, LTE:
			return db.Where(fmt.Sprintf("%s %s ?", field, cond.Operator), cond.Value)
		default:
			return db
		}
	})
}

// QuerySortBy describes requested ordering with an allow list of columns.
type QuerySortBy struct {
	Field string
	Order string
	Allow map[string]bool
}

// WithQuerySortBy builds a QuerySortBy with defaults applied.
func WithQuerySortBy(field, order string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{Field: field, Order: order, Allow: allow}
}

// WithSortBy orders the query by an allow-listed column, newest first by default.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := sanitizeColumn(sort.Field)
		if field == "" || (sort.Allow != nil && !sort.Allow[field]) {
			field = "created_at"
		}
		order := strings.ToLower(strings.TrimSpace(sort.Order))
		if order != "asc" {
			order = "desc"
		}
		return db.Order(fmt.Sprintf("%s %s", field, order))
	})
}

// ApplyPagination applies cursor pagination. It fetches one extra row so
// callers can detect a next page.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}
		if size > 250 {
			size = 250
		}

		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				db = db.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
			}
		}

		return db.Limit(size + 1)
	})
}

func sanitizeColumn(name string) string {
	name = strings.TrimSpace(name)
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' || r >= '0' && r <= '9' {
			continue
		}
		return ""
	}
	return name
}
