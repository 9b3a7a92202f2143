package history

import (
	"reflect"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"inventory-collector/internal/docpath"
)

// maxSortKeys is how many leading keys order a list of objects.
const maxSortKeys = 3

// Canonical renders v so that equal documents compare equal regardless of map
// insertion order or list order. Scalars compare by their string form.
func Canonical(v any) string {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return docpath.String(v)
	}
	return string(b)
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		return canonicalList(t)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return canonicalList(items)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return canonicalList(items)
	}
	return docpath.String(v)
}

func canonicalList(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = canonicalize(v)
	}
	if len(out) < 2 {
		return out
	}
	if objectList(out) {
		if keys := leadingKeys(out); keys != nil {
			sort.SliceStable(out, func(i, k int) bool {
				return objectKey(out[i], keys) < objectKey(out[k], keys)
			})
		}
		return out
	}
	sort.SliceStable(out, func(i, k int) bool { return scalarKey(out[i]) < scalarKey(out[k]) })
	return out
}

func objectList(items []any) bool {
	for _, v := range items {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// leadingKeys returns up to maxSortKeys sorted keys of the first element, or
// nil when some element lacks one of them.
func leadingKeys(items []any) []string {
	first := items[0].(map[string]any)
	keys := make([]string, 0, len(first))
	for k := range first {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxSortKeys {
		keys = keys[:maxSortKeys]
	}
	if len(keys) == 0 {
		return nil
	}
	for _, item := range items[1:] {
		m := item.(map[string]any)
		for _, k := range keys {
			if _, ok := m[k]; !ok {
				return nil
			}
		}
	}
	return keys
}

func objectKey(v any, keys []string) string {
	m := v.(map[string]any)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = scalarKey(m[k])
	}
	return strings.Join(parts, "\x00")
}

func scalarKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
