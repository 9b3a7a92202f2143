package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"inventory-collector/internal/models"
)

// Records and notes

func (s *Postgres) CreateRecord(ctx context.Context, rec models.Record) error {
	diff, err := marshalJSON(rec.Diff, "[]")
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (record_id, domain_id, resource_id, action, diff, diff_count, updated_by,
		                     collector_id, job_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.RecordID, rec.DomainID, rec.ResourceID, rec.Action, diff, rec.DiffCount, rec.UpdatedBy,
		rec.CollectorID, rec.JobID, rec.UserID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Postgres) ListRecords(ctx context.Context, domainID, resourceID string) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, domain_id, resource_id, action, diff, diff_count, updated_by,
		       collector_id, job_id, user_id, created_at
		FROM records WHERE domain_id = $1 AND resource_id = $2
		ORDER BY created_at
	`, domainID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Record, error) {
		var r models.Record
		var diff []byte
		if err := row.Scan(&r.RecordID, &r.DomainID, &r.ResourceID, &r.Action, &diff, &r.DiffCount,
			&r.UpdatedBy, &r.CollectorID, &r.JobID, &r.UserID, &r.CreatedAt); err != nil {
			return models.Record{}, err
		}
		return r, unmarshalJSON(diff, &r.Diff)
	})
}

func (s *Postgres) DeleteRecordsByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error) {
	if len(resourceIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("records").Where(sq.Eq{"domain_id": domainID, "resource_id": resourceIDs}))
}

func (s *Postgres) CreateNote(ctx context.Context, n models.Note) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notes (note_id, domain_id, resource_id, record_id, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.NoteID, n.DomainID, n.ResourceID, n.RecordID, n.Note, n.CreatedBy, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *Postgres) ListNotes(ctx context.Context, domainID, resourceID string) ([]models.Note, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT note_id, domain_id, resource_id, record_id, note, created_by, created_at
		FROM notes WHERE domain_id = $1 AND resource_id = $2
		ORDER BY created_at
	`, domainID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Note, error) {
		var n models.Note
		err := row.Scan(&n.NoteID, &n.DomainID, &n.ResourceID, &n.RecordID, &n.Note, &n.CreatedBy, &n.CreatedAt)
		return n, err
	})
}

func (s *Postgres) DeleteNotesByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error) {
	if len(resourceIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("notes").Where(sq.Eq{"domain_id": domainID, "resource_id": resourceIDs}))
}

// Collector rules

const ruleColumns = `collector_rule_id, domain_id, collector_id, name, rule_type, rule_order, conditions,
	conditions_policy, actions, options, tags, created_at`

func scanRule(row scanner) (models.CollectorRule, error) {
	var r models.CollectorRule
	var conds, actions, options, tags []byte
	if err := row.Scan(&r.RuleID, &r.DomainID, &r.CollectorID, &r.Name, &r.RuleType, &r.Order, &conds,
		&r.ConditionsPolicy, &actions, &options, &tags, &r.CreatedAt); err != nil {
		return models.CollectorRule{}, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{conds, &r.Conditions}, {actions, &r.Actions}, {options, &r.Options}, {tags, &r.Tags}} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return models.CollectorRule{}, fmt.Errorf("unmarshal rule %s: %w", r.RuleID, err)
		}
	}
	return r, nil
}

func ruleDocs(r models.CollectorRule) (conds, actions, options, tags []byte, err error) {
	if conds, err = marshalJSON(r.Conditions, "[]"); err != nil {
		return
	}
	if actions, err = marshalJSON(r.Actions, "{}"); err != nil {
		return
	}
	if options, err = marshalJSON(r.Options, "{}"); err != nil {
		return
	}
	tags, err = marshalJSON(r.Tags, "{}")
	return
}

func (s *Postgres) CreateRule(ctx context.Context, r models.CollectorRule) error {
	conds, actions, options, tags, err := ruleDocs(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO collector_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.RuleID, r.DomainID, r.CollectorID, r.Name, r.RuleType, r.Order, conds, r.ConditionsPolicy,
		actions, options, tags, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert collector rule: %w", err)
	}
	return nil
}

func (s *Postgres) GetRule(ctx context.Context, ruleID string) (models.CollectorRule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM collector_rules WHERE collector_rule_id = $1`, ruleID))
	if err != nil {
		return models.CollectorRule{}, rowErr(err, "collector rule", ruleID)
	}
	return r, nil
}

func (s *Postgres) ListRules(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM collector_rules
		WHERE domain_id = $1 AND collector_id = $2
		ORDER BY rule_order, CASE rule_type WHEN 'MANAGED' THEN 0 ELSE 1 END
	`, domainID, collectorID)
	if err != nil {
		return nil, fmt.Errorf("list collector rules: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CollectorRule, error) { return scanRule(row) })
}

func (s *Postgres) UpdateRule(ctx context.Context, r models.CollectorRule) error {
	conds, actions, options, tags, err := ruleDocs(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE collector_rules
		SET name = $2, rule_order = $3, conditions = $4, conditions_policy = $5, actions = $6,
		    options = $7, tags = $8
		WHERE collector_rule_id = $1
	`, r.RuleID, r.Name, r.Order, conds, r.ConditionsPolicy, actions, options, tags)
	if err != nil {
		return fmt.Errorf("update collector rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("collector rule", r.RuleID)
	}
	return nil
}

// SetRuleOrders rewrites several rule orders in one transaction. The unique
// order constraint is deferred to commit so rotations do not collide midway.
func (s *Postgres) SetRuleOrders(ctx context.Context, orders map[string]int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
		return fmt.Errorf("defer constraints: %w", err)
	}
	for id, order := range orders {
		tag, err := tx.Exec(ctx, `UPDATE collector_rules SET rule_order = $2 WHERE collector_rule_id = $1`, id, order)
		if err != nil {
			return fmt.Errorf("update rule order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("collector rule", id)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteRule(ctx context.Context, ruleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collector_rules WHERE collector_rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete collector rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("collector rule", ruleID)
	}
	return nil
}

// Catalog

func scanCollector(row scanner) (models.Collector, error) {
	var c models.Collector
	var plugin, secrets, schedule []byte
	if err := row.Scan(&c.CollectorID, &c.DomainID, &c.Name, &c.Provider, &plugin, &secrets, &schedule); err != nil {
		return models.Collector{}, err
	}
	if err := unmarshalJSON(plugin, &c.Plugin); err != nil {
		return models.Collector{}, err
	}
	if err := unmarshalJSON(secrets, &c.SecretIDs); err != nil {
		return models.Collector{}, err
	}
	return c, unmarshalJSON(schedule, &c.Schedule)
}

const collectorColumns = `collector_id, domain_id, name, provider, plugin_info, secret_ids, schedule`

func (s *Postgres) GetCollector(ctx context.Context, collectorID string) (models.Collector, error) {
	c, err := scanCollector(s.pool.QueryRow(ctx, `SELECT `+collectorColumns+` FROM collectors WHERE collector_id = $1`, collectorID))
	if err != nil {
		return models.Collector{}, rowErr(err, "collector", collectorID)
	}
	return c, nil
}

func (s *Postgres) ListCollectors(ctx context.Context, domainID string) ([]models.Collector, error) {
	b := psql.Select(collectorColumns).From("collectors").OrderBy("collector_id")
	if domainID != "" {
		b = b.Where(sq.Eq{"domain_id": domainID})
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list collectors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Collector, error) { return scanCollector(row) })
}

func (s *Postgres) GetSecret(ctx context.Context, secretID string) (models.Secret, error) {
	var sec models.Secret
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT secret_id, domain_id, service_account_id, project_id, provider, data
		FROM secrets WHERE secret_id = $1
	`, secretID).Scan(&sec.SecretID, &sec.DomainID, &sec.ServiceAccountID, &sec.ProjectID, &sec.Provider, &data)
	if err != nil {
		return models.Secret{}, rowErr(err, "secret", secretID)
	}
	return sec, unmarshalJSON(data, &sec.Data)
}

func (s *Postgres) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain_id FROM collectors UNION SELECT domain_id FROM resources ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) FindProjects(ctx context.Context, domainID, key, value string) ([]models.Project, error) {
	cond, err := projectTable.conditionSQL(Condition{Key: key, Op: OpEq, Value: value})
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, psql.Select("project_id, domain_id, name, tags").From("projects").
		Where(sq.Eq{"domain_id": domainID}).Where(cond).OrderBy("project_id"))
	if err != nil {
		return nil, fmt.Errorf("find projects: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Project, error) {
		var p models.Project
		var tags []byte
		if err := row.Scan(&p.ProjectID, &p.DomainID, &p.Name, &tags); err != nil {
			return models.Project{}, err
		}
		return p, unmarshalJSON(tags, &p.Tags)
	})
}

func (s *Postgres) FindServiceAccounts(ctx context.Context, domainID, key, value string) ([]models.ServiceAccount, error) {
	cond, err := serviceAccountTable.conditionSQL(Condition{Key: key, Op: OpEq, Value: value})
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, psql.Select("service_account_id, domain_id, project_id, name, data, tags").
		From("service_accounts").Where(sq.Eq{"domain_id": domainID}).Where(cond).OrderBy("service_account_id"))
	if err != nil {
		return nil, fmt.Errorf("find service accounts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ServiceAccount, error) {
		var sa models.ServiceAccount
		var data, tags []byte
		if err := row.Scan(&sa.ServiceAccountID, &sa.DomainID, &sa.ProjectID, &sa.Name, &data, &tags); err != nil {
			return models.ServiceAccount{}, err
		}
		if err := unmarshalJSON(data, &sa.Data); err != nil {
			return models.ServiceAccount{}, err
		}
		return sa, unmarshalJSON(tags, &sa.Tags)
	})
}

// compile-time checks
var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
