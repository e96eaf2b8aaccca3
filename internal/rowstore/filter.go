package rowstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Filter selects rows whose top-level fields equal the given values. Values
// are compared in their string form, so {"active": "true"} matches a JSON
// boolean and {"round_number": "2"} matches a JSON number.
type Filter map[string]string

// Match reports whether row satisfies every condition.
func (f Filter) Match(row Row) bool {
	if len(f) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(row.Data, &doc); err != nil {
		return false
	}
	for field, want := range f {
		got, ok := doc[field]
		if !ok || scalarString(got) != want {
			return false
		}
	}
	return true
}

// Values encodes the filter as URL query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	for field, want := range f {
		v.Set(field, want)
	}
	return v
}

// String renders the filter deterministically for logs.
func (f Filter) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + f[k]
	}
	return out
}

// FilterFromValues builds a filter from URL query parameters.
func FilterFromValues(v url.Values) Filter {
	f := Filter{}
	for field, vals := range v {
		if len(vals) > 0 {
			f[field] = vals[0]
		}
	}
	return f
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// FilterRows keeps rows matching f, preserving order.
func FilterRows(rows []Row, f Filter) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
