package docstore

import (
	"encoding/json"
	"reflect"
	"sort"
)

// matches evaluates q against a document in memory. It mirrors the JSONB
// containment semantics PostgresStore uses for the same query.
func matches(q Query, d *Document) bool {
	if d.Collection != q.Collection {
		return false
	}
	if !q.CreatedAfter.IsZero() && !d.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !d.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if len(q.Filters) == 0 {
		return true
	}

	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return false
	}
	for _, f := range q.Filters {
		got, ok := body[f.Field]
		if !ok {
			return false
		}
		want := normalize(f.Value)
		switch f.Op {
		case OpContains:
			arr, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if reflect.DeepEqual(el, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpLt, OpGt:
			g, ok1 := got.(float64)
			w, ok2 := want.(float64)
			if !ok1 || !ok2 || (f.Op == OpLt && g >= w) || (f.Op == OpGt && g <= w) {
				return false
			}
		default:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		}
	}
	return true
}

// normalize converts a Go value into the shape encoding/json decodes into
// an any, so it can be compared with decoded body fields.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func numericField(d *Document, field string) float64 {
	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return 0
	}
	n, _ := body[field].(float64)
	return n
}

func sortDocs(docs []*Document, q Query) {
	less := func(a, b *Document) bool {
		if q.OrderBy != "" {
			na, nb := numericField(a, q.OrderBy), numericField(b, q.OrderBy)
			if na != nb {
				return na < nb
			}
		} else if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if q.Desc {
			return less(docs[j], docs[i])
		}
		return less(docs[i], docs[j])
	})
}
