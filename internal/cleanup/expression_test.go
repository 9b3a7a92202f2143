package cleanup

import (
	"testing"

	"inventory-collector/internal/store"
)

func TestParseExpression(t *testing.T) {
	cases := []struct {
		raw   string
		typ   string
		conds []store.Condition
	}{
		{raw: "inventory.Server", typ: "inventory.Server"},
		{
			raw: "inventory.Server?data.aws.lifecycle=spot",
			typ: "inventory.Server",
			conds: []store.Condition{
				{Key: "data.aws.lifecycle", Op: store.OpEq, Value: "spot"},
			},
		},
		{
			raw: "inventory.CloudService?provider!=aws&instance_size>=4&tags.owner=",
			typ: "inventory.CloudService",
			conds: []store.Condition{
				{Key: "provider", Op: store.OpNe, Value: "aws"},
				{Key: "instance_size", Op: store.OpGte, Value: "4"},
				{Key: "tags.owner", Op: store.OpEq, Null: true},
			},
		},
		{
			raw: "inventory.CloudService?instance_size<2&name>m&tags.env!=",
			typ: "inventory.CloudService",
			conds: []store.Condition{
				{Key: "instance_size", Op: store.OpLt, Value: "2"},
				{Key: "name", Op: store.OpGt, Value: "m"},
				{Key: "tags.env", Op: store.OpNe, Null: true},
			},
		},
	}
	for _, tc := range cases {
		got, err := ParseExpression(tc.raw)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.raw, err)
		}
		if got.ResourceType != tc.typ {
			t.Fatalf("%s: resource type = %q, want %q", tc.raw, got.ResourceType, tc.typ)
		}
		if len(got.Conditions) != len(tc.conds) {
			t.Fatalf("%s: got %d conditions, want %d", tc.raw, len(got.Conditions), len(tc.conds))
		}
		for i := range tc.conds {
			if got.Conditions[i] != tc.conds[i] {
				t.Fatalf("%s: condition %d = %+v, want %+v", tc.raw, i, got.Conditions[i], tc.conds[i])
			}
		}
	}
}

func TestParseExpressionRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"?name=web",
		"inventory.Server?",
		"inventory.Server?name",
		"inventory.Server?=web",
		"inventory.Server?instance_size<",
		"inventory.Server?name=web&",
	} {
		if _, err := ParseExpression(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}
