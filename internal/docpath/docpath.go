// Package docpath reads dotted keys such as "data.vm.vm_id" out of nested
// JSON-shaped documents.
package docpath

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Split turns a dotted key into path segments.
func Split(key string) []string {
	return strings.Split(strings.TrimSpace(key), ".")
}

// Lookup returns the value at key and whether it was present. A non-map value on
// the path is reported as absent.
func Lookup(doc map[string]any, key string) (any, bool) {
	if doc == nil || key == "" {
		return nil, false
	}
	v, found, err := unstructured.NestedFieldNoCopy(doc, Split(key)...)
	if err != nil || !found {
		return nil, false
	}
	return v, true
}

// Set writes value at key, creating intermediate maps. It fails when a
// non-map value sits on the path.
func Set(doc map[string]any, key string, value any) error {
	fields := Split(key)
	m := doc
	for i, field := range fields[:len(fields)-1] {
		next, ok := m[field]
		if !ok || next == nil {
			child := map[string]any{}
			m[field] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is %T, not a map", strings.Join(fields[:i+1], "."), next)
		}
		m = child
	}
	m[fields[len(fields)-1]] = value
	return nil
}

// String renders a scalar the way conditions and filters compare it.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
