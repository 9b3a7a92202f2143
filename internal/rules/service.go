package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-collector/internal/models"
)

// Repository persists collector rules.
type Repository interface {
	CreateRule(ctx context.Context, rule models.CollectorRule) error
	GetRule(ctx context.Context, ruleID string) (models.CollectorRule, error)
	ListRules(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error)
	UpdateRule(ctx context.Context, rule models.CollectorRule) error
	SetRuleOrders(ctx context.Context, orders map[string]int) error
	DeleteRule(ctx context.Context, ruleID string) error
}

// Patch carries the mutable fields of a rule; nil fields are left unchanged.
type Patch struct {
	Name             *string                  `json:"name,omitempty"`
	Conditions       *[]models.RuleCondition  `json:"conditions,omitempty"`
	ConditionsPolicy *models.ConditionsPolicy `json:"conditions_policy,omitempty"`
	Actions          *models.RuleActions      `json:"actions,omitempty"`
	Options          *models.RuleOptions      `json:"options,omitempty"`
	Tags             map[string]any           `json:"tags,omitempty"`
}

// Service validates and applies rule mutations. MANAGED rules are read-only here.
type Service struct {
	repo  Repository
	log   *zap.SugaredLogger
	now   func() time.Time
	newID func() string
}

func NewService(repo Repository, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		repo:  repo,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return "rule-" + uuid.NewString() },
	}
}

func (s *Service) List(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error) {
	return s.repo.ListRules(ctx, domainID, collectorID)
}

func (s *Service) Get(ctx context.Context, domainID, ruleID string) (models.CollectorRule, error) {
	rule, err := s.repo.GetRule(ctx, ruleID)
	if err != nil {
		return models.CollectorRule{}, err
	}
	if rule.DomainID != domainID {
		return models.CollectorRule{}, fmt.Errorf("collector rule %s: %w", ruleID, models.ErrNotFound)
	}
	return rule, nil
}

// Create appends a CUSTOM rule after the collector's current last rule.
// A requested rule_type is ignored; MANAGED rules are never created here.
func (s *Service) Create(ctx context.Context, rule models.CollectorRule) (models.CollectorRule, error) {
	if rule.CollectorID == "" || rule.DomainID == "" {
		return models.CollectorRule{}, models.NewValidationError("collector rule", rule.RuleID, "create", "domain and collector are required")
	}
	rule.RuleType = models.RuleCustom
	if err := validate(rule, "create"); err != nil {
		return models.CollectorRule{}, err
	}
	existing, err := s.repo.ListRules(ctx, rule.DomainID, rule.CollectorID)
	if err != nil {
		return models.CollectorRule{}, err
	}
	rule.Order = 1
	for _, r := range existing {
		if r.Order >= rule.Order {
			rule.Order = r.Order + 1
		}
	}
	if rule.RuleID == "" {
		rule.RuleID = s.newID()
	}
	rule.CreatedAt = s.now()
	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return models.CollectorRule{}, err
	}
	s.log.Infow("collector rule created", "collector_rule_id", rule.RuleID, "collector_id", rule.CollectorID, "order", rule.Order)
	return rule, nil
}

func (s *Service) Update(ctx context.Context, domainID, ruleID string, p Patch) (models.CollectorRule, error) {
	rule, err := s.mutable(ctx, domainID, ruleID, "update")
	if err != nil {
		return models.CollectorRule{}, err
	}
	if p.Name != nil {
		rule.Name = *p.Name
	}
	if p.Conditions != nil {
		rule.Conditions = *p.Conditions
	}
	if p.ConditionsPolicy != nil {
		rule.ConditionsPolicy = *p.ConditionsPolicy
	}
	if p.Actions != nil {
		rule.Actions = *p.Actions
	}
	if p.Options != nil {
		rule.Options = *p.Options
	}
	if p.Tags != nil {
		rule.Tags = p.Tags
	}
	if err := validate(rule, "update"); err != nil {
		return models.CollectorRule{}, err
	}
	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return models.CollectorRule{}, err
	}
	return rule, nil
}

// ChangeOrder moves a custom rule to order and shifts the rules in between by
// one. The move is rejected when a MANAGED rule sits in the affected range.
func (s *Service) ChangeOrder(ctx context.Context, domainID, ruleID string, order int) (models.CollectorRule, error) {
	rule, err := s.mutable(ctx, domainID, ruleID, "change_order")
	if err != nil {
		return models.CollectorRule{}, err
	}
	if order == rule.Order {
		return rule, nil
	}
	all, err := s.repo.ListRules(ctx, rule.DomainID, rule.CollectorID)
	if err != nil {
		return models.CollectorRule{}, err
	}
	maxOrder := 0
	for _, r := range all {
		maxOrder = max(maxOrder, r.Order)
	}
	if order < 1 || order > maxOrder {
		return models.CollectorRule{}, models.NewValidationError("collector rule", ruleID, "change_order",
			fmt.Sprintf("order %d out of range 1..%d", order, maxOrder))
	}

	lo, hi, shift := order, rule.Order-1, 1
	if order > rule.Order {
		lo, hi, shift = rule.Order+1, order, -1
	}
	orders := map[string]int{rule.RuleID: order}
	for _, r := range all {
		if r.RuleID == rule.RuleID || r.Order < lo || r.Order > hi {
			continue
		}
		if r.RuleType == models.RuleManaged {
			return models.CollectorRule{}, models.NewValidationError("collector rule", ruleID, "change_order",
				fmt.Sprintf("managed rule %s occupies order %d", r.RuleID, r.Order))
		}
		orders[r.RuleID] = r.Order + shift
	}
	if err := s.repo.SetRuleOrders(ctx, orders); err != nil {
		return models.CollectorRule{}, err
	}
	rule.Order = order
	return rule, nil
}

// Delete removes a custom rule and closes the gap it leaves in the ordering.
// Custom rules slide down but never past a MANAGED rule, whose order is fixed.
func (s *Service) Delete(ctx context.Context, domainID, ruleID string) error {
	rule, err := s.mutable(ctx, domainID, ruleID, "delete")
	if err != nil {
		return err
	}
	all, err := s.repo.ListRules(ctx, rule.DomainID, rule.CollectorID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	sort.Slice(all, func(i, k int) bool { return all[i].Order < all[k].Order })
	orders := map[string]int{}
	slot := rule.Order
	for _, r := range all {
		if r.Order <= rule.Order {
			continue
		}
		if r.RuleType == models.RuleManaged {
			slot = r.Order + 1
			continue
		}
		if r.Order != slot {
			orders[r.RuleID] = slot
		}
		slot++
	}
	if len(orders) == 0 {
		return nil
	}
	return s.repo.SetRuleOrders(ctx, orders)
}

func (s *Service) mutable(ctx context.Context, domainID, ruleID, action string) (models.CollectorRule, error) {
	rule, err := s.Get(ctx, domainID, ruleID)
	if err != nil {
		return models.CollectorRule{}, err
	}
	if rule.RuleType == models.RuleManaged {
		return models.CollectorRule{}, models.NewValidationError("collector rule", ruleID, action, "managed rules cannot be modified")
	}
	return rule, nil
}

func validate(rule models.CollectorRule, action string) error {
	reject := func(reason string) error {
		return models.NewValidationError("collector rule", rule.RuleID, action, reason)
	}
	switch rule.ConditionsPolicy {
	case models.PolicyAlways:
	case models.PolicyAll, models.PolicyAny:
		if len(rule.Conditions) == 0 {
			return reject(fmt.Sprintf("conditions_policy %s needs at least one condition", rule.ConditionsPolicy))
		}
	default:
		return reject(fmt.Sprintf("unknown conditions_policy %q", rule.ConditionsPolicy))
	}
	for _, c := range rule.Conditions {
		if c.Key == "" {
			return reject("condition key is empty")
		}
		switch c.Operator {
		case models.OpEq, models.OpContain, models.OpNot, models.OpNotContain:
		default:
			return reject(fmt.Sprintf("unknown operator %q on %s", c.Operator, c.Key))
		}
	}
	if rule.Actions.ChangeProject != "" && rule.Actions.MatchProject != nil {
		return reject("change_project and match_project are exclusive")
	}
	for _, m := range []*models.MatchSpec{rule.Actions.MatchProject, rule.Actions.MatchServiceAccount} {
		if m != nil && (m.Source == "" || m.Target == "") {
			return reject("match actions need source and target")
		}
	}
	return nil
}
