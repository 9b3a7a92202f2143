// Package rules evaluates ordered collector rules against incoming resources
// and manages rule ordering.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
)

// Directory looks up the reference entities that match actions associate with.
type Directory interface {
	FindProjects(ctx context.Context, domainID, key, value string) ([]models.Project, error)
	FindServiceAccounts(ctx context.Context, domainID, key, value string) ([]models.ServiceAccount, error)
}

// Result is the outcome of applying a rule list to one resource.
type Result struct {
	Resource  map[string]any
	Matched   []string
	StoppedAt string
}

type Engine struct {
	dir Directory
	log *zap.SugaredLogger
}

func NewEngine(dir Directory, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{dir: dir, log: log}
}

// Apply evaluates rules in (order, MANAGED first) sequence against a copy of
// resource. The input document and rule slice are never modified.
func (e *Engine) Apply(ctx context.Context, domainID string, rules []models.CollectorRule, resource map[string]any) (Result, error) {
	doc, err := copyDocument(resource)
	if err != nil {
		return Result{}, err
	}
	ordered := slices.Clone(rules)
	models.SortRules(ordered)

	res := Result{Resource: doc}
	for _, rule := range ordered {
		if !Matches(rule, doc) {
			continue
		}
		res.Matched = append(res.Matched, rule.RuleID)
		if err := e.applyActions(ctx, domainID, rule, doc); err != nil {
			return Result{}, fmt.Errorf("collector rule %s: %w", rule.RuleID, err)
		}
		if rule.Options.StopProcessing {
			res.StoppedAt = rule.RuleID
			break
		}
	}
	return res, nil
}

func copyDocument(in map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if in == nil {
		return out, nil
	}
	if err := deepcopy.Copy(&out, in); err != nil {
		return nil, fmt.Errorf("copy resource: %w", err)
	}
	return out, nil
}

// Matches reports whether the rule's conditions select doc.
func Matches(rule models.CollectorRule, doc map[string]any) bool {
	switch rule.ConditionsPolicy {
	case models.PolicyAlways:
		return true
	case models.PolicyAll:
		if len(rule.Conditions) == 0 {
			return false
		}
		for _, c := range rule.Conditions {
			if !conditionMatches(c, doc) {
				return false
			}
		}
		return true
	case models.PolicyAny:
		for _, c := range rule.Conditions {
			if conditionMatches(c, doc) {
				return true
			}
		}
	}
	return false
}

func conditionMatches(c models.RuleCondition, doc map[string]any) bool {
	v, ok := docpath.Lookup(doc, c.Key)
	if !ok || v == nil {
		return c.Operator == models.OpNot || c.Operator == models.OpNotContain
	}
	s := docpath.String(v)
	switch c.Operator {
	case models.OpEq:
		return s == c.Value
	case models.OpNot:
		return s != c.Value
	case models.OpContain:
		return strings.Contains(strings.ToLower(s), strings.ToLower(c.Value))
	case models.OpNotContain:
		return !strings.Contains(strings.ToLower(s), strings.ToLower(c.Value))
	}
	return false
}

// applyActions runs in fixed order: project, service account, additional info.
func (e *Engine) applyActions(ctx context.Context, domainID string, rule models.CollectorRule, doc map[string]any) error {
	a := rule.Actions
	if a.ChangeProject != "" {
		doc["project_id"] = a.ChangeProject
	} else if a.MatchProject != nil {
		if err := e.matchProject(ctx, domainID, *a.MatchProject, doc); err != nil {
			return err
		}
	}
	if a.MatchServiceAccount != nil {
		if err := e.matchServiceAccount(ctx, domainID, *a.MatchServiceAccount, doc); err != nil {
			return err
		}
	}
	if len(a.AddAdditionalInfo) > 0 {
		info, _ := doc["additional_info"].(map[string]any)
		if info == nil {
			info = map[string]any{}
		}
		extra, err := copyDocument(a.AddAdditionalInfo)
		if err != nil {
			return err
		}
		doc["additional_info"] = deepMerge(info, extra)
	}
	return nil
}

func (e *Engine) matchProject(ctx context.Context, domainID string, m models.MatchSpec, doc map[string]any) error {
	v, ok := docpath.Lookup(doc, m.Source)
	if !ok || e.dir == nil {
		return nil
	}
	projects, err := e.dir.FindProjects(ctx, domainID, m.Target, docpath.String(v))
	if err != nil {
		return fmt.Errorf("match project %s=%v: %w", m.Target, v, err)
	}
	if len(projects) == 0 {
		e.log.Debugw("no project matched", "target", m.Target, "value", v)
		return nil
	}
	doc["project_id"] = projects[0].ProjectID
	return nil
}

func (e *Engine) matchServiceAccount(ctx context.Context, domainID string, m models.MatchSpec, doc map[string]any) error {
	v, ok := docpath.Lookup(doc, m.Source)
	if !ok || e.dir == nil {
		return nil
	}
	accounts, err := e.dir.FindServiceAccounts(ctx, domainID, m.Target, docpath.String(v))
	if err != nil {
		return fmt.Errorf("match service account %s=%v: %w", m.Target, v, err)
	}
	if len(accounts) == 0 {
		e.log.Debugw("no service account matched", "target", m.Target, "value", v)
		return nil
	}
	sa := accounts[0]
	doc["service_account_id"] = sa.ServiceAccountID
	if sa.ProjectID != "" {
		doc["project_id"] = sa.ProjectID
	}
	return nil
}

// deepMerge merges src into dst; nested maps merge, anything else is replaced.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
