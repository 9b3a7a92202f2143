// Package reconcile upserts collected resources, keeping their collection
// state and change history in step.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
	"inventory-collector/internal/store"
)

// ErrAmbiguousMatch is returned when a match-rule group selects more than one resource.
var ErrAmbiguousMatch = errors.New("match rules select more than one resource")

// Resources is the persistence the reconciler needs.
type Resources interface {
	CreateResource(ctx context.Context, r models.Resource) error
	GetResource(ctx context.Context, domainID, resourceID string) (models.Resource, error)
	UpdateResource(ctx context.Context, r models.Resource) error
	ListResources(ctx context.Context, q store.ResourceQuery) ([]models.Resource, error)
}

// StateTracker keeps collection states for resources seen by a job task.
type StateTracker interface {
	Create(ctx context.Context, cc models.ChangeContext, resourceID string) (bool, error)
	Reset(ctx context.Context, cc models.ChangeContext, resourceID string) error
	DeleteByResource(ctx context.Context, domainID string, resourceIDs ...string) error
}

// ChangeRecorder writes change history.
type ChangeRecorder interface {
	RecordCreate(ctx context.Context, cc models.ChangeContext, res models.Resource) (models.Record, error)
	RecordUpdate(ctx context.Context, cc models.ChangeContext, before, after models.Resource) (models.Record, bool, error)
	RecordDelete(ctx context.Context, cc models.ChangeContext, res models.Resource) (models.Record, error)
}

// Outcome says what Upsert did.
type Outcome string

const (
	OutcomeCreated Outcome = "CREATED"
	OutcomeUpdated Outcome = "UPDATED"
)

// Result of one reconciliation. Record is nil when no history was written.
type Result struct {
	Outcome  Outcome
	Resource models.Resource
	Record   *models.Record
}

type Reconciler struct {
	resources Resources
	tracker   StateTracker
	recorder  ChangeRecorder
	log       *zap.SugaredLogger
	now       func() time.Time
	newID     func() string
}

func New(resources Resources, tracker StateTracker, recorder ChangeRecorder, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		resources: resources,
		tracker:   tracker,
		recorder:  recorder,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return "res-" + uuid.NewString() },
	}
}

// Upsert finds the resource selected by matchRules and updates it, or creates a
// new one when nothing matches.
func (r *Reconciler) Upsert(ctx context.Context, cc models.ChangeContext, resourceType string, doc map[string]any, matchRules map[string][]string) (Result, error) {
	existing, err := r.Find(ctx, cc.DomainID, resourceType, doc, matchRules)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return r.create(ctx, cc, resourceType, doc)
	}
	return r.update(ctx, cc, *existing, doc)
}

// Find tries each match-rule group in ascending numeric order. A group whose
// keys are not all present in doc is skipped; the first group selecting exactly
// one live resource wins.
func (r *Reconciler) Find(ctx context.Context, domainID, resourceType string, doc map[string]any, matchRules map[string][]string) (*models.Resource, error) {
	for _, group := range orderedGroups(matchRules) {
		conds, ok := groupConditions(doc, matchRules[group])
		if !ok {
			continue
		}
		found, err := r.resources.ListResources(ctx, store.ResourceQuery{
			DomainID:     domainID,
			ResourceType: resourceType,
			States:       []models.ResourceState{models.ResourceActive},
			Conditions:   conds,
			Limit:        2,
		})
		if err != nil {
			return nil, fmt.Errorf("match rule group %s: %w", group, err)
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return &found[0], nil
		default:
			return nil, fmt.Errorf("group %s %v: %w", group, matchRules[group], ErrAmbiguousMatch)
		}
	}
	return nil, nil
}

func orderedGroups(matchRules map[string][]string) []string {
	groups := make([]string, 0, len(matchRules))
	for k := range matchRules {
		groups = append(groups, k)
	}
	sort.Slice(groups, func(i, k int) bool {
		a, errA := strconv.Atoi(groups[i])
		b, errB := strconv.Atoi(groups[k])
		if errA == nil && errB == nil {
			return a < b
		}
		return groups[i] < groups[k]
	})
	return groups
}

func groupConditions(doc map[string]any, keys []string) ([]store.Condition, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	conds := make([]store.Condition, 0, len(keys))
	for _, key := range keys {
		v, ok := docpath.Lookup(doc, key)
		if !ok || v == nil || docpath.String(v) == "" {
			return nil, false
		}
		conds = append(conds, store.Condition{Key: key, Op: store.OpEq, Value: docpath.String(v)})
	}
	return conds, true
}

func (r *Reconciler) create(ctx context.Context, cc models.ChangeContext, resourceType string, doc map[string]any) (Result, error) {
	now := r.now()
	res := models.Resource{
		ResourceID:   r.newID(),
		DomainID:     cc.DomainID,
		ResourceType: resourceType,
		State:        models.ResourceActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	res, err := overlay(res, doc, cc.PluginID)
	if err != nil {
		return Result{}, err
	}
	touchCollectionInfo(&res, cc, doc)

	if err := r.resources.CreateResource(ctx, res); err != nil {
		return Result{}, fmt.Errorf("create resource: %w", err)
	}
	if _, err := r.tracker.Create(ctx, cc, res.ResourceID); err != nil {
		return Result{}, err
	}
	rec, err := r.recorder.RecordCreate(ctx, cc, res)
	if err != nil {
		return Result{}, err
	}
	r.log.Debugw("resource created", "domain_id", res.DomainID, "resource_id", res.ResourceID, "resource_type", resourceType)
	return Result{Outcome: OutcomeCreated, Resource: res, Record: &rec}, nil
}

func (r *Reconciler) update(ctx context.Context, cc models.ChangeContext, before models.Resource, doc map[string]any) (Result, error) {
	if before.State == models.ResourceDeleted {
		return Result{}, models.NewValidationError("resource", before.ResourceID, "update", "resource is deleted")
	}
	after, err := overlay(before, doc, cc.PluginID)
	if err != nil {
		return Result{}, err
	}
	touchCollectionInfo(&after, cc, doc)
	after.UpdatedAt = r.now()

	if err := r.resources.UpdateResource(ctx, after); err != nil {
		return Result{}, fmt.Errorf("update resource %s: %w", after.ResourceID, err)
	}
	if err := r.tracker.Reset(ctx, cc, after.ResourceID); err != nil {
		return Result{}, err
	}
	out := Result{Outcome: OutcomeUpdated, Resource: after}
	rec, written, err := r.recorder.RecordUpdate(ctx, cc, before, after)
	if err != nil {
		return Result{}, err
	}
	if written {
		out.Record = &rec
	}
	return out, nil
}

// Update applies user-supplied fields to a live resource.
func (r *Reconciler) Update(ctx context.Context, cc models.ChangeContext, resourceID string, fields map[string]any) (Result, error) {
	before, err := r.resources.GetResource(ctx, cc.DomainID, resourceID)
	if err != nil {
		return Result{}, err
	}
	return r.update(ctx, cc, before, fields)
}

// Delete soft-deletes a resource, records the deletion and drops its collection states.
func (r *Reconciler) Delete(ctx context.Context, cc models.ChangeContext, resourceID string) (models.Resource, error) {
	res, err := r.resources.GetResource(ctx, cc.DomainID, resourceID)
	if err != nil {
		return models.Resource{}, err
	}
	if res.State == models.ResourceDeleted {
		return models.Resource{}, models.NewValidationError("resource", resourceID, "delete", "resource is already deleted")
	}
	MarkDeleted(&res, r.now())
	if err := r.resources.UpdateResource(ctx, res); err != nil {
		return models.Resource{}, fmt.Errorf("delete resource %s: %w", resourceID, err)
	}
	if _, err := r.recorder.RecordDelete(ctx, cc, res); err != nil {
		return models.Resource{}, err
	}
	if err := r.tracker.DeleteByResource(ctx, cc.DomainID, resourceID); err != nil {
		return models.Resource{}, err
	}
	return res, nil
}

// MarkDeleted flips a resource and its collection info to DELETED.
func MarkDeleted(res *models.Resource, now time.Time) {
	t := now.UTC()
	res.State = models.ResourceDeleted
	res.CollectionInfo.State = models.CollectionDeleted
	res.DeletedAt = &t
	res.UpdatedAt = t
}

// fields a collected or user document may set.
var writable = []string{
	"provider", "cloud_service_group", "cloud_service_type", "name", "account", "instance_type",
	"instance_size", "ip_addresses", "reference", "region_code", "project_id", "data", "tags",
	"additional_info",
}

// overlay writes the writable fields of doc onto res. Metadata is kept per
// plugin under metadata.<plugin_id>.
func overlay(res models.Resource, doc map[string]any, pluginID string) (models.Resource, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encode resource %s: %w", res.ResourceID, err)
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return res, fmt.Errorf("decode resource %s: %w", res.ResourceID, err)
	}
	for _, k := range writable {
		if v, ok := doc[k]; ok {
			merged[k] = v
		}
	}
	if md, ok := doc["metadata"]; ok && pluginID != "" {
		meta, _ := merged["metadata"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta[pluginID] = md
		merged["metadata"] = meta
	}

	raw, err = json.Marshal(merged)
	if err != nil {
		return res, fmt.Errorf("encode document for %s: %w", res.ResourceID, err)
	}
	var out models.Resource
	if err := json.Unmarshal(raw, &out); err != nil {
		return res, fmt.Errorf("resource %s: invalid field: %w", res.ResourceID, err)
	}
	// timestamps keep full precision
	out.CreatedAt, out.UpdatedAt, out.DeletedAt = res.CreatedAt, res.UpdatedAt, res.DeletedAt
	return out, nil
}

// touchCollectionInfo records the reporting collector, secret and service
// accounts and marks the resource live again.
func touchCollectionInfo(res *models.Resource, cc models.ChangeContext, doc map[string]any) {
	info := &res.CollectionInfo
	info.CollectorIDs = addUnique(info.CollectorIDs, cc.CollectorID)
	info.SecretIDs = addUnique(info.SecretIDs, cc.SecretID)
	info.ServiceAccountIDs = addUnique(info.ServiceAccountIDs, cc.ServiceAccountID)
	if sa, ok := doc["service_account_id"].(string); ok {
		info.ServiceAccountIDs = addUnique(info.ServiceAccountIDs, sa)
	}
	if cc.CollectorID != "" || info.State == "" {
		info.State = models.CollectionActive
	}
}

func addUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
