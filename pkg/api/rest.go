package api

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// REST binding of the data service
const (
	// RestPrefix префикс табличных эндпоинтов
	RestPrefix = "/rest/v1/"

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderPrefer         = "Prefer"

	PreferMergeDuplicates  = "resolution=merge-duplicates"
	PreferIgnoreDuplicates = "resolution=ignore-duplicates"
	PreferReturn           = "return=representation"
)

// FilterOp оператор фильтра колонки
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
)

func (o FilterOp) valid() bool {
	switch o {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Filter условие column=op.value
type Filter struct {
	Column string
	Op     FilterOp
	Value  string
}

// Query is a select against one table
type Query struct {
	Order   string   // Order например "created_at.desc"
	Filters []Filter
	Limit   int // Limit 0 - без ограничения
	Offset  int
}

// Eq добавляет фильтр равенства
func (q Query) Eq(column, value string) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Op: OpEq, Value: value})
	return q
}

// Gte добавляет фильтр "больше или равно"
func (q Query) Gte(column, value string) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Op: OpGte, Value: value})
	return q
}

// Values encodes the query as URL parameters
func (q Query) Values() url.Values {
	v := url.Values{}
	for _, f := range q.Filters {
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// ParseQuery decodes URL parameters produced by Values
func ParseQuery(v url.Values) (Query, error) {
	var q Query

	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case "order":
			q.Order = v.Get(k)
			if _, _, err := ParseOrder(q.Order); err != nil {
				return Query{}, err
			}
		case "limit", "offset":
			n, err := strconv.Atoi(v.Get(k))
			if err != nil || n < 0 {
				return Query{}, fmt.Errorf("invalid %s %q", k, v.Get(k))
			}
			if k == "limit" {
				q.Limit = n
			} else {
				q.Offset = n
			}
		case "select", "on_conflict":
			// проекция и цель конфликта задаются отдельно
		default:
			for _, raw := range v[k] {
				op, value, ok := strings.Cut(raw, ".")
				if !ok || !FilterOp(op).valid() {
					return Query{}, fmt.Errorf("invalid filter %s=%s", k, raw)
				}
				q.Filters = append(q.Filters, Filter{Column: k, Op: FilterOp(op), Value: value})
			}
		}
	}

	return q, nil
}

// ParseOrder splits "column.asc|desc"
func ParseOrder(order string) (column string, desc bool, err error) {
	column, dir, found := strings.Cut(order, ".")
	if column == "" {
		return "", false, fmt.Errorf("invalid order %q", order)
	}
	switch {
	case !found, dir == "asc":
		return column, false, nil
	case dir == "desc":
		return column, true, nil
	default:
		return "", false, fmt.Errorf("invalid order direction %q", dir)
	}
}

// UpsertOptions controls conflict handling of bulk writes
type UpsertOptions struct {
	OnConflict       string // OnConflict колонка конфликта, по умолчанию id
	IgnoreDuplicates bool   // IgnoreDuplicates пропускать существующие вместо перезаписи
}

// Prefer returns the Prefer header value
func (o UpsertOptions) Prefer() string {
	if o.IgnoreDuplicates {
		return PreferIgnoreDuplicates + "," + PreferReturn
	}
	return PreferMergeDuplicates + "," + PreferReturn
}
