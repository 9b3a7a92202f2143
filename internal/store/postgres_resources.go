package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
)

const resourceColumns = `resource_id, domain_id, resource_type, provider, cloud_service_group, cloud_service_type,
	name, account, instance_type, instance_size, ip_addresses, reference, region_code, project_id,
	data, tags, metadata, additional_info, collection_info, state, created_at, updated_at, deleted_at`

// table describes which columns of a table hold scalars and which hold JSONB
// documents addressable by dotted keys.
type table struct {
	scalars map[string]bool
	docs    map[string]bool
}

var (
	resourceTable = table{
		scalars: set("resource_id", "domain_id", "resource_type", "provider", "cloud_service_group",
			"cloud_service_type", "name", "account", "instance_type", "instance_size", "region_code",
			"project_id", "state", "created_at", "updated_at", "deleted_at"),
		docs: set("ip_addresses", "reference", "data", "tags", "metadata", "additional_info", "collection_info"),
	}
	projectTable = table{
		scalars: set("project_id", "name"),
		docs:    set("tags"),
	}
	serviceAccountTable = table{
		scalars: set("service_account_id", "project_id", "name"),
		docs:    set("data", "tags"),
	}
)

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

var pathSegment = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// expr maps a dotted key to a SQL expression yielding text.
func (t table) expr(key string) (string, error) {
	fields := docpath.Split(key)
	for _, f := range fields {
		if !pathSegment.MatchString(f) {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	col := fields[0]
	switch {
	case t.scalars[col] && len(fields) == 1:
		return col + "::text", nil
	case t.docs[col]:
		return fmt.Sprintf("%s #>> '{%s}'", col, strings.Join(fields[1:], ",")), nil
	}
	return "", fmt.Errorf("unknown key %q", key)
}

// conditionSQL translates a Condition. Ordering comparisons are numeric when the
// operand parses as a number; rows whose value is not numeric then never match.
// Expressions avoid literal question marks since squirrel treats them as placeholders.
func (t table) conditionSQL(c Condition) (sq.Sqlizer, error) {
	e, err := t.expr(c.Key)
	if err != nil {
		return nil, err
	}
	if c.Null {
		switch c.Op {
		case OpEq:
			return sq.Expr(fmt.Sprintf("COALESCE(%s, '') = ''", e)), nil
		case OpNe:
			return sq.Expr(fmt.Sprintf("COALESCE(%s, '') <> ''", e)), nil
		}
		return nil, fmt.Errorf("operator %s does not accept an empty value", c.Op)
	}
	switch c.Op {
	case OpEq:
		return sq.Expr(fmt.Sprintf("(%s) = ?", e), c.Value), nil
	case OpNe:
		return sq.Expr(fmt.Sprintf("COALESCE(%s, '') <> ?", e), c.Value), nil
	case OpLt, OpLte, OpGt, OpGte:
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Op)
	}
	if f, err := strconv.ParseFloat(c.Value, 64); err == nil {
		numeric := fmt.Sprintf(`(CASE WHEN (%s) ~ '^-{0,1}[0-9]+(\.[0-9]+){0,1}$' THEN (%s)::numeric END)`, e, e)
		return sq.Expr(fmt.Sprintf("%s %s ?", numeric, c.Op), f), nil
	}
	return sq.Expr(fmt.Sprintf("(%s) %s ?", e, c.Op), c.Value), nil
}

// resourceSelect builds the SELECT for q.
func resourceSelect(q ResourceQuery) (sq.SelectBuilder, error) {
	b := psql.Select(resourceColumns).From("resources").OrderBy("resource_id")
	if q.DomainID != "" {
		b = b.Where(sq.Eq{"domain_id": q.DomainID})
	}
	if q.ResourceType != "" {
		b = b.Where(sq.Eq{"resource_type": q.ResourceType})
	}
	if len(q.ResourceIDs) > 0 {
		b = b.Where(sq.Eq{"resource_id": q.ResourceIDs})
	}
	if len(q.States) > 0 {
		b = b.Where(sq.Eq{"state": toStrings(q.States)})
	}
	if len(q.CollectionStates) > 0 {
		b = b.Where(sq.Eq{"collection_info ->> 'state'": toStrings(q.CollectionStates)})
	}
	if len(q.ExcludeCollectionStates) > 0 {
		b = b.Where(sq.NotEq{"collection_info ->> 'state'": toStrings(q.ExcludeCollectionStates)})
	}
	if !q.UpdatedBefore.IsZero() {
		b = b.Where(sq.Lt{"updated_at": q.UpdatedBefore})
	}
	if !q.DeletedBefore.IsZero() {
		b = b.Where(sq.Lt{"deleted_at": q.DeletedBefore})
	}
	for _, c := range q.Conditions {
		cond, err := resourceTable.conditionSQL(c)
		if err != nil {
			return b, err
		}
		b = b.Where(cond)
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b, nil
}

func scanResource(row scanner) (models.Resource, error) {
	var r models.Resource
	var ips, ref, data, tags, meta, info, coll []byte
	if err := row.Scan(&r.ResourceID, &r.DomainID, &r.ResourceType, &r.Provider, &r.CloudServiceGroup,
		&r.CloudServiceType, &r.Name, &r.Account, &r.InstanceType, &r.InstanceSize, &ips, &ref,
		&r.RegionCode, &r.ProjectID, &data, &tags, &meta, &info, &coll, &r.State, &r.CreatedAt,
		&r.UpdatedAt, &r.DeletedAt); err != nil {
		return models.Resource{}, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{ips, &r.IPAddresses}, {ref, &r.Reference}, {data, &r.Data}, {tags, &r.Tags},
		{meta, &r.Metadata}, {info, &r.AdditionalInfo}, {coll, &r.CollectionInfo},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return models.Resource{}, fmt.Errorf("unmarshal resource %s: %w", r.ResourceID, err)
		}
	}
	return r, nil
}

// resourceDocs encodes the JSONB columns of r in column order.
func resourceDocs(r models.Resource) ([]any, error) {
	fields := []struct {
		v     any
		empty string
	}{
		{r.IPAddresses, "[]"}, {r.Reference, "{}"}, {r.Data, "{}"}, {r.Tags, "{}"},
		{r.Metadata, "{}"}, {r.AdditionalInfo, "{}"}, {r.CollectionInfo, "{}"},
	}
	out := make([]any, len(fields))
	for i, f := range fields {
		b, err := marshalJSON(f.v, f.empty)
		if err != nil {
			return nil, fmt.Errorf("marshal resource %s: %w", r.ResourceID, err)
		}
		out[i] = b
	}
	return out, nil
}

func (s *Postgres) CreateResource(ctx context.Context, r models.Resource) error {
	docs, err := resourceDocs(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, r.ResourceID, r.DomainID, r.ResourceType, r.Provider, r.CloudServiceGroup, r.CloudServiceType,
		r.Name, r.Account, r.InstanceType, r.InstanceSize, docs[0], docs[1], r.RegionCode, r.ProjectID,
		docs[2], docs[3], docs[4], docs[5], docs[6], r.State, r.CreatedAt, r.UpdatedAt, r.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *Postgres) GetResource(ctx context.Context, domainID, resourceID string) (models.Resource, error) {
	r, err := scanResource(s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM resources WHERE domain_id = $1 AND resource_id = $2
	`, domainID, resourceID))
	if err != nil {
		return models.Resource{}, rowErr(err, "resource", resourceID)
	}
	return r, nil
}

func (s *Postgres) UpdateResource(ctx context.Context, r models.Resource) error {
	docs, err := resourceDocs(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources
		SET resource_type = $2, provider = $3, cloud_service_group = $4, cloud_service_type = $5, name = $6,
		    account = $7, instance_type = $8, instance_size = $9, ip_addresses = $10, reference = $11,
		    region_code = $12, project_id = $13, data = $14, tags = $15, metadata = $16,
		    additional_info = $17, collection_info = $18, state = $19, updated_at = $20, deleted_at = $21
		WHERE resource_id = $1
	`, r.ResourceID, r.ResourceType, r.Provider, r.CloudServiceGroup, r.CloudServiceType, r.Name,
		r.Account, r.InstanceType, r.InstanceSize, docs[0], docs[1], r.RegionCode, r.ProjectID,
		docs[2], docs[3], docs[4], docs[5], docs[6], r.State, r.UpdatedAt, r.DeletedAt)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("resource", r.ResourceID)
	}
	return nil
}

func (s *Postgres) ListResources(ctx context.Context, q ResourceQuery) ([]models.Resource, error) {
	b, err := resourceSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Resource, error) { return scanResource(row) })
}

// SetCollectionStatus flips collection_info.state without touching updated_at,
// so age-based cleanup keeps measuring from the last real update.
func (s *Postgres) SetCollectionStatus(ctx context.Context, domainID string, resourceIDs []string, status models.CollectionStatus) (int64, error) {
	if len(resourceIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources
		SET collection_info = jsonb_set(collection_info, '{state}', to_jsonb($3::text))
		WHERE domain_id = $1 AND resource_id = ANY($2) AND state <> $4
	`, domainID, resourceIDs, string(status), string(models.ResourceDeleted))
	if err != nil {
		return 0, fmt.Errorf("set collection status: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) PurgeResources(ctx context.Context, domainID string, resourceIDs []string) (int64, error) {
	if len(resourceIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("resources").Where(sq.Eq{"domain_id": domainID, "resource_id": resourceIDs}))
}
