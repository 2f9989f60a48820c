// Package querytest evaluates query filters in memory, for repository fakes
// that need the same semantics as the SQL the real repositories build.
package querytest

import (
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/backoffice/internal/query"
)

// Record is the projection of a document that a Filter is evaluated against
// outside the database.
type Record struct {
	Status          string
	WarehouseIDs    []int64
	FromWarehouseID int64
	ToWarehouseID   int64
	CreatorID       int64
	PartnerID       int64
	Date            time.Time
	SearchText      []string
}

// Matches evaluates f against r with the same semantics as Filter.Where.
func Matches(f query.Filter, r Record) bool {
	f = f.Normalize()
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.WarehouseIDs) > 0 && !slices.ContainsFunc(r.WarehouseIDs, func(id int64) bool {
		return slices.Contains(f.WarehouseIDs, id)
	}) {
		return false
	}
	if len(f.FromWarehouseIDs) > 0 && !slices.Contains(f.FromWarehouseIDs, r.FromWarehouseID) {
		return false
	}
	if len(f.ToWarehouseIDs) > 0 && !slices.Contains(f.ToWarehouseIDs, r.ToWarehouseID) {
		return false
	}
	if len(f.CreatorIDs) > 0 && !slices.Contains(f.CreatorIDs, r.CreatorID) {
		return false
	}
	if len(f.PartnerIDs) > 0 && !slices.Contains(f.PartnerIDs, r.PartnerID) {
		return false
	}
	if f.DateFrom != nil && r.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && r.Date.After(*f.DateTo) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !slices.ContainsFunc(r.SearchText, func(s string) bool {
			return strings.Contains(strings.ToLower(s), needle)
		}) {
			return false
		}
	}
	return true
}

// Paginate returns the page of items that f selects along with the total.
func Paginate[T any](f query.Filter, items []T) ([]T, int) {
	total := len(items)
	start := f.Offset()
	if start >= total {
		return []T{}, total
	}
	end := start + f.Normalize().Limit
	if end > total {
		end = total
	}
	return items[start:end], total
}
