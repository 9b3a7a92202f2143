package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/models"
	"inventory-collector/internal/store"
)

func seed(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateRule(context.Background(), models.CollectorRule{
		RuleID: "managed", DomainID: "d", CollectorID: "c", RuleType: models.RuleManaged, Order: 1,
		ConditionsPolicy: models.PolicyAlways,
	}))
	svc := NewService(mem, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := svc.Create(context.Background(), models.CollectorRule{
			RuleID: id, DomainID: "d", CollectorID: "c", ConditionsPolicy: models.PolicyAlways,
		})
		require.NoError(t, err)
	}
	return svc, mem
}

func orders(t *testing.T, mem *store.Memory) map[string]int {
	t.Helper()
	rules, err := mem.ListRules(context.Background(), "d", "c")
	require.NoError(t, err)
	out := map[string]int{}
	for _, r := range rules {
		out[r.RuleID] = r.Order
	}
	return out
}

func TestCreateAppendsOrder(t *testing.T) {
	_, mem := seed(t)
	require.Equal(t, map[string]int{"managed": 1, "a": 2, "b": 3, "c": 4}, orders(t, mem))
}

func TestManagedRulesAreImmutable(t *testing.T) {
	svc, _ := seed(t)
	ctx := context.Background()
	name := "renamed"
	var verr *models.ValidationError

	_, err := svc.Update(ctx, "d", "managed", Patch{Name: &name})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "update", verr.Action)

	require.True(t, errors.As(svc.Delete(ctx, "d", "managed"), &verr))

	_, err = svc.ChangeOrder(ctx, "d", "managed", 3)
	require.True(t, errors.As(err, &verr))
}

func TestChangeOrderRotates(t *testing.T) {
	svc, mem := seed(t)
	_, err := svc.ChangeOrder(context.Background(), "d", "c", 2)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"managed": 1, "c": 2, "a": 3, "b": 4}, orders(t, mem))

	_, err = svc.ChangeOrder(context.Background(), "d", "c", 4)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"managed": 1, "a": 2, "b": 3, "c": 4}, orders(t, mem))
}

func TestChangeOrderAcrossManagedRejected(t *testing.T) {
	svc, mem := seed(t)
	_, err := svc.ChangeOrder(context.Background(), "d", "a", 1)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, map[string]int{"managed": 1, "a": 2, "b": 3, "c": 4}, orders(t, mem), "nothing changes on rejection")

	_, err = svc.ChangeOrder(context.Background(), "d", "a", 9)
	require.True(t, errors.As(err, &verr))
}

func TestDeleteCompactsOrder(t *testing.T) {
	svc, mem := seed(t)
	require.NoError(t, svc.Delete(context.Background(), "d", "a"))
	require.Equal(t, map[string]int{"managed": 1, "b": 2, "c": 3}, orders(t, mem))
}

func TestDeleteKeepsManagedOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, r := range []models.CollectorRule{
		{RuleID: "a", RuleType: models.RuleCustom, Order: 1},
		{RuleID: "b", RuleType: models.RuleCustom, Order: 2},
		{RuleID: "managed", RuleType: models.RuleManaged, Order: 3},
		{RuleID: "c", RuleType: models.RuleCustom, Order: 4},
		{RuleID: "e", RuleType: models.RuleCustom, Order: 5},
	} {
		r.DomainID, r.CollectorID, r.ConditionsPolicy = "d", "c", models.PolicyAlways
		require.NoError(t, mem.CreateRule(ctx, r))
	}
	svc := NewService(mem, nil)

	require.NoError(t, svc.Delete(ctx, "d", "a"))
	require.Equal(t, map[string]int{"b": 1, "managed": 3, "c": 4, "e": 5}, orders(t, mem))

	require.NoError(t, svc.Delete(ctx, "d", "c"))
	require.Equal(t, map[string]int{"b": 1, "managed": 3, "e": 4}, orders(t, mem))
}

func TestCreateIgnoresRequestedManagedType(t *testing.T) {
	svc, mem := seed(t)
	created, err := svc.Create(context.Background(), models.CollectorRule{
		RuleID: "sneaky", DomainID: "d", CollectorID: "c", RuleType: models.RuleManaged, ConditionsPolicy: models.PolicyAlways,
	})
	require.NoError(t, err)
	require.Equal(t, models.RuleCustom, created.RuleType)

	stored, err := mem.GetRule(context.Background(), "sneaky")
	require.NoError(t, err)
	require.Equal(t, models.RuleCustom, stored.RuleType)
	require.NoError(t, svc.Delete(context.Background(), "d", "sneaky"))
}

func TestValidation(t *testing.T) {
	svc, _ := seed(t)
	ctx := context.Background()
	var verr *models.ValidationError

	_, err := svc.Create(ctx, models.CollectorRule{DomainID: "d", CollectorID: "c", ConditionsPolicy: models.PolicyAll})
	require.True(t, errors.As(err, &verr))

	_, err = svc.Create(ctx, models.CollectorRule{DomainID: "d", CollectorID: "c", ConditionsPolicy: models.PolicyAny,
		Conditions: []models.RuleCondition{{Key: "name", Value: "x", Operator: "regex"}}})
	require.True(t, errors.As(err, &verr))

	_, err = svc.Update(ctx, "other-domain", "a", Patch{})
	require.True(t, errors.Is(err, models.ErrNotFound))
}
