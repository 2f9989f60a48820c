package query

import (
	"fmt"
	"strings"
)

// Columns maps filter dimensions onto the columns of one document table.
// A dimension with no column is ignored. Warehouse lists every column a
// warehouse id may appear in; a row matches when any of them does.
type Columns struct {
	Status        string
	Warehouse     []string
	FromWarehouse string
	ToWarehouse   string
	Creator       string
	Partner       string
	Date          string
	Search        []string
}

// Where renders a SQL WHERE clause (without the keyword) and its positional
// arguments, numbered after any args already supplied. The clause is "TRUE"
// when nothing constrains the query.
func (f Filter) Where(cols Columns, args []any) (string, []any) {
	f = f.Normalize()
	var conds []string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if cols.Status != "" && len(f.Statuses) > 0 {
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", cols.Status, next(f.Statuses)))
	}
	if len(cols.Warehouse) > 0 && len(f.WarehouseIDs) > 0 {
		ph := next(f.WarehouseIDs)
		ors := make([]string, len(cols.Warehouse))
		for i, c := range cols.Warehouse {
			ors[i] = fmt.Sprintf("%s = ANY(%s)", c, ph)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if cols.FromWarehouse != "" && len(f.FromWarehouseIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", cols.FromWarehouse, next(f.FromWarehouseIDs)))
	}
	if cols.ToWarehouse != "" && len(f.ToWarehouseIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", cols.ToWarehouse, next(f.ToWarehouseIDs)))
	}
	if cols.Creator != "" && len(f.CreatorIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", cols.Creator, next(f.CreatorIDs)))
	}
	if cols.Partner != "" && len(f.PartnerIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s = ANY(%s)", cols.Partner, next(f.PartnerIDs)))
	}
	if cols.Date != "" && f.DateFrom != nil {
		conds = append(conds, fmt.Sprintf("%s >= %s", cols.Date, next(*f.DateFrom)))
	}
	if cols.Date != "" && f.DateTo != nil {
		conds = append(conds, fmt.Sprintf("%s <= %s", cols.Date, next(*f.DateTo)))
	}
	if len(cols.Search) > 0 && f.Search != "" {
		ph := next("%" + escapeLike(f.Search) + "%")
		ors := make([]string, len(cols.Search))
		for i, c := range cols.Search {
			ors[i] = fmt.Sprintf("%s ILIKE %s", c, ph)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "TRUE", args
	}
	return strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
