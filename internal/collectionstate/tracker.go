// Package collectionstate keeps the per (collector, secret, resource) liveness
// records used to detect resources a collector stopped reporting.
package collectionstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inventory-collector/internal/models"
)

// Store is the persistence the tracker needs.
type Store interface {
	CreateCollectionState(ctx context.Context, cs models.CollectionState) error
	GetCollectionState(ctx context.Context, key models.CollectionStateKey) (models.CollectionState, error)
	ResetCollectionState(ctx context.Context, key models.CollectionStateKey, jobTaskID string, now time.Time) error
	DeleteCollectionStatesByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error)
	DeleteCollectionStatesByCollector(ctx context.Context, domainID, collectorID string) (int64, error)
}

type Tracker struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewTracker(store Store, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func key(cc models.ChangeContext, resourceID string) models.CollectionStateKey {
	return models.CollectionStateKey{
		DomainID:    cc.DomainID,
		CollectorID: cc.CollectorID,
		ResourceID:  resourceID,
		SecretID:    cc.SecretID,
	}
}

// Create adds a zero-count record for the resource. Changes that do not come
// from a collector job task never create one; the return value says whether
// anything was written.
func (t *Tracker) Create(ctx context.Context, cc models.ChangeContext, resourceID string) (bool, error) {
	if !cc.TracksCollection() {
		return false, nil
	}
	cs := models.CollectionState{
		CollectorID: cc.CollectorID,
		SecretID:    cc.SecretID,
		ResourceID:  resourceID,
		DomainID:    cc.DomainID,
		JobTaskID:   cc.JobTaskID,
		UpdatedAt:   t.now(),
	}
	if err := t.store.CreateCollectionState(ctx, cs); err != nil {
		return false, fmt.Errorf("create collection state for %s: %w", resourceID, err)
	}
	return true, nil
}

// Reset marks the resource as seen by the current job task, creating the record
// when this collector and secret have not reported it before.
func (t *Tracker) Reset(ctx context.Context, cc models.ChangeContext, resourceID string) error {
	if !cc.TracksCollection() {
		return nil
	}
	err := t.store.ResetCollectionState(ctx, key(cc, resourceID), cc.JobTaskID, t.now())
	if errors.Is(err, models.ErrNotFound) {
		_, err = t.Create(ctx, cc, resourceID)
		return err
	}
	if err != nil {
		return fmt.Errorf("reset collection state for %s: %w", resourceID, err)
	}
	return nil
}

// Get returns the record for the resource under the change context's collector and secret.
func (t *Tracker) Get(ctx context.Context, cc models.ChangeContext, resourceID string) (models.CollectionState, error) {
	return t.store.GetCollectionState(ctx, key(cc, resourceID))
}

func (t *Tracker) DeleteByResource(ctx context.Context, domainID string, resourceIDs ...string) error {
	n, err := t.store.DeleteCollectionStatesByResource(ctx, domainID, resourceIDs...)
	if err != nil {
		return fmt.Errorf("delete collection states by resource: %w", err)
	}
	t.log.Debugw("collection states deleted", "domain_id", domainID, "resources", len(resourceIDs), "rows", n)
	return nil
}

func (t *Tracker) DeleteByCollector(ctx context.Context, domainID, collectorID string) error {
	n, err := t.store.DeleteCollectionStatesByCollector(ctx, domainID, collectorID)
	if err != nil {
		return fmt.Errorf("delete collection states of collector %s: %w", collectorID, err)
	}
	t.log.Infow("collection states deleted", "domain_id", domainID, "collector_id", collectorID, "rows", n)
	return nil
}
