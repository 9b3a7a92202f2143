package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-collector/internal/models"
)

// RecordWriter is the subset of the store the recorder needs.
type RecordWriter interface {
	CreateRecord(ctx context.Context, rec models.Record) error
}

// Recorder turns resource mutations into change records.
type Recorder struct {
	records RecordWriter
	log     *zap.SugaredLogger
	now     func() time.Time
	newID   func() string
}

func NewRecorder(records RecordWriter, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{
		records: records,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (r *Recorder) base(cc models.ChangeContext, res models.Resource, action models.RecordAction) models.Record {
	rec := models.Record{
		RecordID:   r.newID(),
		DomainID:   res.DomainID,
		ResourceID: res.ResourceID,
		Action:     action,
		CreatedAt:  r.now(),
	}
	if cc.FromCollector() {
		rec.UpdatedBy = models.UpdatedByCollector
		rec.CollectorID = cc.CollectorID
		rec.JobID = cc.JobID
	} else {
		rec.UpdatedBy = models.UpdatedByUser
		rec.UserID = cc.UserID
	}
	return rec
}

func (r *Recorder) persist(ctx context.Context, rec models.Record) (models.Record, error) {
	if err := r.records.CreateRecord(ctx, rec); err != nil {
		return models.Record{}, fmt.Errorf("record %s for resource %s: %w", rec.Action, rec.ResourceID, err)
	}
	r.log.Debugw("change recorded", "resource_id", rec.ResourceID, "action", rec.Action, "diff_count", rec.DiffCount)
	return rec, nil
}

// RecordCreate persists a CREATE record listing every watched field the new resource sets.
func (r *Recorder) RecordCreate(ctx context.Context, cc models.ChangeContext, res models.Resource) (models.Record, error) {
	doc := res.Document()
	rec := r.base(cc, res, models.ActionCreate)
	rec.Diff = Diff(nil, doc, Exclusions(doc, cc.PluginID))
	rec.DiffCount = len(rec.Diff)
	return r.persist(ctx, rec)
}

// RecordUpdate diffs before against after and persists an UPDATE record. It
// reports false, and writes nothing, when no watched field changed.
func (r *Recorder) RecordUpdate(ctx context.Context, cc models.ChangeContext, before, after models.Resource) (models.Record, bool, error) {
	newDoc := after.Document()
	entries := Diff(before.Document(), newDoc, Exclusions(newDoc, cc.PluginID))
	if len(entries) == 0 {
		return models.Record{}, false, nil
	}
	rec := r.base(cc, after, models.ActionUpdate)
	rec.Diff = entries
	rec.DiffCount = len(entries)
	rec, err := r.persist(ctx, rec)
	return rec, err == nil, err
}

// RecordDelete persists a DELETE record with no field diff.
func (r *Recorder) RecordDelete(ctx context.Context, cc models.ChangeContext, res models.Resource) (models.Record, error) {
	return r.persist(ctx, r.base(cc, res, models.ActionDelete))
}
