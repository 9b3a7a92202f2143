// Package history computes field-level diffs between resource versions and
// persists them as write-once change records.
package history

import (
	"reflect"
	"sort"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
)

// WatchList is the set of top-level resource fields whose changes are recorded.
var WatchList = []string{
	"name",
	"ip_addresses",
	"account",
	"instance_type",
	"instance_size",
	"reference",
	"region_code",
	"project_id",
	"data",
	"tags",
}

// MaxDepth bounds descent into nested objects. A top-level field is depth 1;
// values at MaxDepth are compared whole.
const MaxDepth = 3

// Diff compares the watched fields of after against before. Fields missing from
// after are not compared, and removals never produce entries. Paths listed in
// exclude, or nested under a listed path, are skipped.
func Diff(before, after map[string]any, exclude map[string]bool) []models.DiffEntry {
	var out []models.DiffEntry
	for _, field := range WatchList {
		newVal, ok := after[field]
		if !ok {
			continue
		}
		out = walk(out, field, before[field], newVal, 1, exclude)
	}
	return out
}

func walk(out []models.DiffEntry, path string, oldVal, newVal any, depth int, exclude map[string]bool) []models.DiffEntry {
	if excluded(path, exclude) {
		return out
	}
	newMap, newIsMap := newVal.(map[string]any)
	oldMap, oldIsMap := oldVal.(map[string]any)
	if newIsMap && depth < MaxDepth && (oldIsMap || empty(oldVal)) {
		keys := make([]string, 0, len(newMap))
		for k := range newMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = walk(out, path+"."+k, oldMap[k], newMap[k], depth+1, exclude)
		}
		return out
	}

	if empty(oldVal) && empty(newVal) {
		return out
	}
	if Canonical(oldVal) == Canonical(newVal) {
		return out
	}
	typ := models.DiffChanged
	if empty(oldVal) {
		typ = models.DiffAdded
	}
	return append(out, models.DiffEntry{Key: path, Before: oldVal, After: newVal, Type: typ})
}

func excluded(path string, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}
	fields := docpath.Split(path)
	for i := range fields {
		prefix := fields[0]
		for _, f := range fields[1 : i+1] {
			prefix += "." + f
		}
		if exclude[prefix] {
			return true
		}
	}
	return false
}

// empty treats nil, "", numeric zero and empty containers as "no value".
// Numeric fields of a resource are never absent, so zero stands for unset.
func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	}
	return false
}

// Exclusions reads metadata.<pluginID>.change_history.exclude from a resource document.
func Exclusions(doc map[string]any, pluginID string) map[string]bool {
	if pluginID == "" {
		return nil
	}
	v, ok := docpath.Lookup(doc, "metadata."+pluginID+".change_history.exclude")
	if !ok {
		return nil
	}
	out := map[string]bool{}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out[s] = true
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				out[s] = true
			}
		}
	}
	return out
}
