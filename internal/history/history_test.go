package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/models"
	"inventory-collector/internal/store"
)

func collectorContext() models.ChangeContext {
	return models.ChangeContext{
		DomainID:         "d-1",
		CollectorID:      "collector-1",
		JobID:            "job-1",
		JobTaskID:        "task-1",
		SecretID:         "secret-1",
		ServiceAccountID: "sa-1",
		PluginID:         "plugin-aws",
	}
}

func server(name string) models.Resource {
	return models.Resource{
		ResourceID:   "res-1",
		DomainID:     "d-1",
		ResourceType: "inventory.CloudService",
		Name:         name,
		Account:      "123456789012",
		IPAddresses:  []string{"10.0.0.2", "10.0.0.1"},
		Data: map[string]any{
			"vm":    map[string]any{"vm_id": "i-1", "image": "ami-1"},
			"disks": []any{map[string]any{"name": "b", "size": 20}, map[string]any{"name": "a", "size": 10}},
		},
		Tags: map[string]any{"env": "prod"},
	}
}

func TestDiffAgainstItselfIsEmpty(t *testing.T) {
	doc := server("web-01").Document()
	require.Empty(t, Diff(doc, doc, nil))

	rec := NewRecorder(store.NewMemory(), nil)
	_, persisted, err := rec.RecordUpdate(context.Background(), collectorContext(), server("web-01"), server("web-01"))
	require.NoError(t, err)
	require.False(t, persisted)
}

func TestNameChangeProducesSingleEntry(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rec := NewRecorder(mem, nil)

	got, persisted, err := rec.RecordUpdate(ctx, collectorContext(), server("web-01"), server("web-02"))
	require.NoError(t, err)
	require.True(t, persisted)
	require.Equal(t, models.ActionUpdate, got.Action)
	require.Equal(t, models.UpdatedByCollector, got.UpdatedBy)
	require.Equal(t, []models.DiffEntry{{Key: "name", Before: "web-01", After: "web-02", Type: models.DiffChanged}}, got.Diff)
	require.Equal(t, 1, got.DiffCount)

	stored, err := mem.ListRecords(ctx, "d-1", "res-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestExcludedPathNeverAppears(t *testing.T) {
	before := server("web-01")
	after := server("web-01")
	after.Data["vm"] = map[string]any{"vm_id": "i-1", "image": "ami-2"}
	after.Tags = map[string]any{"env": "dev"}
	after.Metadata = map[string]any{
		"plugin-aws": map[string]any{
			"change_history": map[string]any{"exclude": []any{"data.vm.image", "tags"}},
		},
	}

	got, persisted, err := NewRecorder(store.NewMemory(), nil).RecordUpdate(context.Background(), collectorContext(), before, after)
	require.NoError(t, err)
	require.False(t, persisted, "only excluded paths changed: %+v", got.Diff)
}

func TestDepthLimitComparesWholeValue(t *testing.T) {
	before := map[string]any{"data": map[string]any{"a": map[string]any{"b": map[string]any{"c": 1, "d": 2}}}}
	after := map[string]any{"data": map[string]any{"a": map[string]any{"b": map[string]any{"c": 1, "d": 3}}}}

	got := Diff(before, after, nil)
	require.Len(t, got, 1)
	require.Equal(t, "data.a.b", got[0].Key)
}

func TestAddedVersusChanged(t *testing.T) {
	got := Diff(map[string]any{"tags": map[string]any{"env": "prod"}},
		map[string]any{"tags": map[string]any{"env": "prod", "owner": "ops"}}, nil)
	require.Equal(t, []models.DiffEntry{{Key: "tags.owner", Before: nil, After: "ops", Type: models.DiffAdded}}, got)
}

func TestUnsetInstanceSizeIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(store.NewMemory(), nil)

	created, err := rec.RecordCreate(ctx, collectorContext(), server("web-01"))
	require.NoError(t, err)
	for _, e := range created.Diff {
		require.NotEqual(t, "instance_size", e.Key)
	}

	sized := server("web-01")
	sized.InstanceSize = 4
	updated, ok, err := rec.RecordUpdate(ctx, collectorContext(), server("web-01"), sized)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []models.DiffEntry{{Key: "instance_size", Before: float64(0), After: float64(4), Type: models.DiffAdded}}, updated.Diff)

	updated, ok, err = rec.RecordUpdate(ctx, collectorContext(), sized, server("web-01"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.DiffChanged, updated.Diff[0].Type)
}

func TestRemovedFieldsProduceNoEntries(t *testing.T) {
	got := Diff(map[string]any{"tags": map[string]any{"env": "prod"}}, map[string]any{"tags": map[string]any{}}, nil)
	require.Empty(t, got)
}

func TestCanonicalDeterminism(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"p": "q", "r": "s"}}
	b := map[string]any{"y": map[string]any{"r": "s", "p": "q"}, "x": 1}
	require.Equal(t, Canonical(a), Canonical(b))

	l1 := []any{map[string]any{"name": "a", "size": 10}, map[string]any{"name": "b", "size": 20}}
	l2 := []any{map[string]any{"size": 20, "name": "b"}, map[string]any{"name": "a", "size": 10}}
	require.Equal(t, Canonical(l1), Canonical(l2))

	require.Equal(t, Canonical([]string{"b", "a"}), Canonical([]any{"a", "b"}))
	require.Equal(t, Canonical(2), Canonical(float64(2)))
}

func TestListsWithoutSharedKeysKeepOrder(t *testing.T) {
	l1 := []any{map[string]any{"a": 1}, map[string]any{"b": 2}}
	l2 := []any{map[string]any{"b": 2}, map[string]any{"a": 1}}
	require.NotEqual(t, Canonical(l1), Canonical(l2))
}

func TestActorAttribution(t *testing.T) {
	rec := NewRecorder(store.NewMemory(), nil)
	user := models.ChangeContext{DomainID: "d-1", UserID: "alice@example.com"}

	got, err := rec.RecordCreate(context.Background(), user, server("web-01"))
	require.NoError(t, err)
	require.Equal(t, models.UpdatedByUser, got.UpdatedBy)
	require.Equal(t, "alice@example.com", got.UserID)
	require.Empty(t, got.CollectorID)

	got, err = rec.RecordCreate(context.Background(), collectorContext(), server("web-01"))
	require.NoError(t, err)
	require.Equal(t, models.UpdatedByCollector, got.UpdatedBy)
	require.Equal(t, "job-1", got.JobID)
}

func TestRecordDeleteHasNoDiff(t *testing.T) {
	got, err := NewRecorder(store.NewMemory(), nil).RecordDelete(context.Background(), collectorContext(), server("web-01"))
	require.NoError(t, err)
	require.Equal(t, models.ActionDelete, got.Action)
	require.Empty(t, got.Diff)
	require.Zero(t, got.DiffCount)
}
