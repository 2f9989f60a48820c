package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/backoffice/internal/workflow"
)

const dateLayout = "2006-01-02"

// FromValues parses list parameters from a query string. Multi-select keys
// accept repeated parameters, comma-separated values or both.
func FromValues(v url.Values) (Filter, error) {
	var f Filter
	var err error
	if f.Page, err = intParam(v, "page"); err != nil {
		return Filter{}, err
	}
	if f.Limit, err = intParam(v, "limit"); err != nil {
		return Filter{}, err
	}
	f.Search = v.Get("search")
	f.Statuses = listParam(v, "status")
	dims := []struct {
		key string
		dst *[]int64
	}{
		{"warehouse_id", &f.WarehouseIDs},
		{"from_warehouse_id", &f.FromWarehouseIDs},
		{"to_warehouse_id", &f.ToWarehouseIDs},
		{"created_by", &f.CreatorIDs},
		{"partner_id", &f.PartnerIDs},
	}
	for _, p := range dims {
		if *p.dst, err = idsParam(v, p.key); err != nil {
			return Filter{}, err
		}
	}
	if f.DateFrom, err = dateParam(v, "date_from", false); err != nil {
		return Filter{}, err
	}
	if f.DateTo, err = dateParam(v, "date_to", true); err != nil {
		return Filter{}, err
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return Filter{}, workflow.Invalid("date_to", "must not precede date_from")
	}
	return f.Normalize(), nil
}

func intParam(v url.Values, key string) (int, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, workflow.Invalid(key, "must be an integer")
	}
	return n, nil
}

func listParam(v url.Values, key string) []string {
	var out []string
	for _, raw := range v[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func idsParam(v url.Values, key string) ([]int64, error) {
	values := listParam(v, key)
	if len(values) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(values))
	for _, raw := range values {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, workflow.Invalid(key, fmt.Sprintf("invalid id %q", raw))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// dateParam accepts RFC 3339 timestamps or bare dates. A bare upper bound
// covers the whole day.
func dateParam(v url.Values, key string, upper bool) (*time.Time, error) {
	raw := strings.TrimSpace(v.Get(key))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, workflow.Invalid(key, "must be YYYY-MM-DD or RFC 3339")
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
