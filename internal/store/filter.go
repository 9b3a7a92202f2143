package store

import (
	"slices"
	"strconv"
	"strings"

	"github.com/tiendc/go-deepcopy"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
)

// Matches evaluates the condition against a resource document.
func (c Condition) Matches(doc map[string]any) bool {
	v, ok := docpath.Lookup(doc, c.Key)
	absent := !ok || v == nil || docpath.String(v) == ""
	if c.Null {
		switch c.Op {
		case OpEq:
			return absent
		case OpNe:
			return !absent
		}
		return false
	}
	if !ok || v == nil {
		return c.Op == OpNe
	}
	s := docpath.String(v)
	switch c.Op {
	case OpEq:
		return s == c.Value
	case OpNe:
		return s != c.Value
	}
	cmp := compareValues(s, c.Value)
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// compareValues compares numerically when both sides parse as numbers, else lexically.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func (q ResourceQuery) matches(r models.Resource) bool {
	if q.DomainID != "" && r.DomainID != q.DomainID {
		return false
	}
	if q.ResourceType != "" && r.ResourceType != q.ResourceType {
		return false
	}
	if len(q.ResourceIDs) > 0 && !slices.Contains(q.ResourceIDs, r.ResourceID) {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, r.State) {
		return false
	}
	if len(q.CollectionStates) > 0 && !slices.Contains(q.CollectionStates, r.CollectionInfo.State) {
		return false
	}
	if slices.Contains(q.ExcludeCollectionStates, r.CollectionInfo.State) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	if !q.DeletedBefore.IsZero() && (r.DeletedAt == nil || !r.DeletedAt.Before(q.DeletedBefore)) {
		return false
	}
	if len(q.Conditions) == 0 {
		return true
	}
	doc := r.Document()
	for _, c := range q.Conditions {
		if !c.Matches(doc) {
			return false
		}
	}
	return true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	var out map[string]any
	if err := deepcopy.Copy(&out, m); err != nil {
		out = make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func cloneResource(r models.Resource) models.Resource {
	out := r
	out.IPAddresses = slices.Clone(r.IPAddresses)
	out.Data = cloneMap(r.Data)
	out.Tags = cloneMap(r.Tags)
	out.Metadata = cloneMap(r.Metadata)
	out.AdditionalInfo = cloneMap(r.AdditionalInfo)
	out.CollectionInfo.CollectorIDs = slices.Clone(r.CollectionInfo.CollectorIDs)
	out.CollectionInfo.SecretIDs = slices.Clone(r.CollectionInfo.SecretIDs)
	out.CollectionInfo.ServiceAccountIDs = slices.Clone(r.CollectionInfo.ServiceAccountIDs)
	return out
}

func cloneJobTask(t models.JobTask) models.JobTask {
	out := t
	out.Errors = slices.Clone(t.Errors)
	out.Options = cloneMap(t.Options)
	return out
}

func cloneRule(r models.CollectorRule) models.CollectorRule {
	out := r
	out.Conditions = slices.Clone(r.Conditions)
	out.Actions.AddAdditionalInfo = cloneMap(r.Actions.AddAdditionalInfo)
	out.Tags = cloneMap(r.Tags)
	return out
}
