package compiler

import (
	"strings"

	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
)

// spreadPrefix marks a select key as a spread merge rather than a
// plain output field: "merge this source or computed object into the
// current select scope at this nesting" instead of assigning it under
// its own key.
const spreadPrefix = "__SPREAD_SENTINEL__"

// parseSpreadKey extracts the nesting path a spread key targets.
// Format: spreadPrefix + path + "__" + discriminator + "__", where the
// trailing discriminator exists only so two spreads targeting the same
// path can coexist as distinct map keys.
func parseSpreadKey(key string) (path string, ok bool) {
	if !strings.HasPrefix(key, spreadPrefix) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(key, spreadPrefix), "__")
	if idx := strings.LastIndex(rest, "__"); idx >= 0 {
		return rest[:idx], true
	}
	return rest, true
}

// setNestedPath assigns val at the dotted path inside dst, creating
// intermediate maps as needed.
func setNestedPath(dst map[string]any, path []string, val any) {
	if len(path) == 1 {
		dst[path[0]] = val
		return
	}
	next, ok := dst[path[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		dst[path[0]] = next
	}
	setNestedPath(next, path[1:], val)
}

// ensureNestedMap returns (creating if absent) the map[string]any
// living at the dotted path inside dst.
func ensureNestedMap(dst map[string]any, path []string) map[string]any {
	cur := dst
	for _, seg := range path {
		if seg == "" {
			continue
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur
}

type selectField struct {
	key      string
	compiled expr.Compiled
}

type spreadField struct {
	path     string
	compiled expr.Compiled
}

// applySelect projects each row through the select map (or FnSelect),
// materializing nested dotted-path keys and merging spread entries at
// their target nesting.
func (c *compilation) applySelect(cur tailConnector, q *expr.Query) tailConnector {
	if len(q.Select) == 0 && q.FnSelect == nil {
		return cur
	}

	var fields []selectField
	var spreads []spreadField
	for key, e := range q.Select {
		compiled, err := expr.CompileNamespaced(e)
		if err != nil {
			continue
		}
		if path, ok := parseSpreadKey(key); ok {
			spreads = append(spreads, spreadField{path: path, compiled: compiled})
			continue
		}
		fields = append(fields, selectField{key: key, compiled: compiled})
	}

	fnSelect := q.FnSelect
	m := dataflow.NewMap(func(v any) any {
		row, _ := v.(map[string]any)
		if fnSelect != nil {
			return fnSelect(row)
		}
		result := map[string]any{}
		for _, f := range fields {
			val, err := f.compiled(row)
			if err != nil {
				val = nil
			}
			setNestedPath(result, strings.Split(f.key, "."), val)
		}
		for _, sp := range spreads {
			val, err := sp.compiled(row)
			if err != nil {
				continue
			}
			obj, ok := val.(map[string]any)
			if !ok {
				continue
			}
			target := result
			if sp.path != "" {
				target = ensureNestedMap(result, strings.Split(sp.path, "."))
			}
			for k, vv := range obj {
				target[k] = vv
			}
		}
		return result
	})
	cur.Connect(m)
	return m
}
