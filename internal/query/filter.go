// Package query defines the list-filter contract shared by every document
// workflow: pagination, multi-select dimensions, an inclusive date range and
// free-text search.
package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit applies when a caller gives no positive limit.
	DefaultLimit = 20
	// MaxLimit caps a single page.
	MaxLimit = 200
)

// Filter is the parameter set accepted by list endpoints. A nil or empty
// slice, or a nil date bound, leaves that dimension unconstrained.
type Filter struct {
	Page             int
	Limit            int
	Search           string
	Statuses         []string
	WarehouseIDs     []int64
	FromWarehouseIDs []int64
	ToWarehouseIDs   []int64
	CreatorIDs       []int64
	PartnerIDs       []int64
	DateFrom         *time.Time
	DateTo           *time.Time
}

// Normalize applies paging defaults and trims the search term.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Offset returns the zero-based row offset of the page.
func (f Filter) Offset() int {
	n := f.Normalize()
	return (n.Page - 1) * n.Limit
}

// Key renders a stable cache key; equal filters yield equal keys regardless
// of the order of multi-select values.
func (f Filter) Key() string {
	n := f.Normalize()
	var b strings.Builder
	fmt.Fprintf(&b, "p=%d;l=%d;q=%s", n.Page, n.Limit, strings.ToLower(n.Search))
	writeStrings(&b, "s", n.Statuses)
	writeIDs(&b, "w", n.WarehouseIDs)
	writeIDs(&b, "fw", n.FromWarehouseIDs)
	writeIDs(&b, "tw", n.ToWarehouseIDs)
	writeIDs(&b, "c", n.CreatorIDs)
	writeIDs(&b, "pt", n.PartnerIDs)
	if n.DateFrom != nil {
		fmt.Fprintf(&b, ";df=%d", n.DateFrom.UTC().UnixNano())
	}
	if n.DateTo != nil {
		fmt.Fprintf(&b, ";dt=%d", n.DateTo.UTC().UnixNano())
	}
	return b.String()
}

func writeStrings(b *strings.Builder, name string, values []string) {
	if len(values) == 0 {
		return
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	fmt.Fprintf(b, ";%s=%s", name, strings.Join(sorted, ","))
}

func writeIDs(b *strings.Builder, name string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	fmt.Fprintf(b, ";%s=%s", name, strings.Join(parts, ","))
}

// Page is one page of list results with the total match count.
type Page[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// NewPage wraps rows fetched for f.
func NewPage[T any](f Filter, data []T, total int) Page[T] {
	n := f.Normalize()
	if data == nil {
		data = []T{}
	}
	return Page[T]{Data: data, Total: total, Page: n.Page, Limit: n.Limit}
}
