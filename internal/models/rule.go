package models

import (
	"sort"
	"time"
)

// RuleType distinguishes system-provided rules from user rules.
type RuleType string

const (
	RuleManaged RuleType = "MANAGED"
	RuleCustom  RuleType = "CUSTOM"
)

// ConditionsPolicy decides how rule conditions combine.
type ConditionsPolicy string

const (
	PolicyAll    ConditionsPolicy = "ALL"
	PolicyAny    ConditionsPolicy = "ANY"
	PolicyAlways ConditionsPolicy = "ALWAYS"
)

// Condition operators.
const (
	OpEq         = "eq"
	OpContain    = "contain"
	OpNot        = "not"
	OpNotContain = "not_contain"
)

// RuleCondition compares the value at Key in the resource document with Value.
type RuleCondition struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Operator string `json:"operator"`
}

// MatchSpec maps a resource field (Source) onto a reference entity field (Target).
type MatchSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// RuleActions are applied, in fixed order, when a rule matches.
type RuleActions struct {
	ChangeProject       string         `json:"change_project,omitempty"`
	MatchProject        *MatchSpec     `json:"match_project,omitempty"`
	MatchServiceAccount *MatchSpec     `json:"match_service_account,omitempty"`
	AddAdditionalInfo   map[string]any `json:"add_additional_info,omitempty"`
}

// RuleOptions tune rule evaluation.
type RuleOptions struct {
	StopProcessing bool `json:"stop_processing"`
}

// CollectorRule is an ordered match/action policy scoped to a collector.
type CollectorRule struct {
	RuleID           string           `json:"collector_rule_id"`
	DomainID         string           `json:"domain_id"`
	CollectorID      string           `json:"collector_id"`
	Name             string           `json:"name"`
	RuleType         RuleType         `json:"rule_type"`
	Order            int              `json:"order"`
	Conditions       []RuleCondition  `json:"conditions"`
	ConditionsPolicy ConditionsPolicy `json:"conditions_policy"`
	Actions          RuleActions      `json:"actions"`
	Options          RuleOptions      `json:"options"`
	Tags             map[string]any   `json:"tags,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SortRules orders rules by ascending order, MANAGED before CUSTOM on ties.
func SortRules(rules []CollectorRule) {
	sort.SliceStable(rules, func(i, k int) bool {
		if rules[i].Order != rules[k].Order {
			return rules[i].Order < rules[k].Order
		}
		return rules[i].RuleType == RuleManaged && rules[k].RuleType != RuleManaged
	})
}
