package models

import "time"

// ResourceState is the lifecycle flag of a reconciled resource.
type ResourceState string

const (
	ResourceActive  ResourceState = "ACTIVE"
	ResourceDeleted ResourceState = "DELETED"
)

// CollectionStatus is the liveness flag kept in collection_info.
type CollectionStatus string

const (
	CollectionActive       CollectionStatus = "ACTIVE"
	CollectionDisconnected CollectionStatus = "DISCONNECTED"
	CollectionDeleted      CollectionStatus = "DELETED"
	CollectionManual       CollectionStatus = "MANUAL"
)

// CollectionInfo records which collectors, secrets and service accounts reported a resource.
type CollectionInfo struct {
	CollectorIDs      []string         `json:"collector_ids"`
	SecretIDs         []string         `json:"secret_ids"`
	ServiceAccountIDs []string         `json:"service_account_ids"`
	State             CollectionStatus `json:"state"`
}

// Reference identifies a resource in its provider.
type Reference struct {
	ResourceID   string `json:"resource_id,omitempty"`
	ExternalLink string `json:"external_link,omitempty"`
}

// Resource is a generic cloud asset reconciled by the pipeline.
type Resource struct {
	ResourceID        string         `json:"resource_id"`
	DomainID          string         `json:"domain_id"`
	ResourceType      string         `json:"resource_type"`
	Provider          string         `json:"provider"`
	CloudServiceGroup string         `json:"cloud_service_group"`
	CloudServiceType  string         `json:"cloud_service_type"`
	Name              string         `json:"name"`
	Account           string         `json:"account"`
	InstanceType      string         `json:"instance_type"`
	InstanceSize      float64        `json:"instance_size"`
	IPAddresses       []string       `json:"ip_addresses"`
	Reference         Reference      `json:"reference"`
	RegionCode        string         `json:"region_code"`
	ProjectID         string         `json:"project_id"`
	Data              map[string]any `json:"data"`
	Tags              map[string]any `json:"tags"`
	Metadata          map[string]any `json:"metadata"`
	AdditionalInfo    map[string]any `json:"additional_info"`
	CollectionInfo    CollectionInfo `json:"collection_info"`
	State             ResourceState  `json:"state"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

// Document returns the resource as a nested map keyed by its JSON field names.
// Filters and rule conditions address resources through this shape.
func (r Resource) Document() map[string]any {
	return map[string]any{
		"resource_id":         r.ResourceID,
		"domain_id":           r.DomainID,
		"resource_type":       r.ResourceType,
		"provider":            r.Provider,
		"cloud_service_group": r.CloudServiceGroup,
		"cloud_service_type":  r.CloudServiceType,
		"name":                r.Name,
		"account":             r.Account,
		"instance_type":       r.InstanceType,
		"instance_size":       r.InstanceSize,
		"ip_addresses":        stringsToAny(r.IPAddresses),
		"reference": map[string]any{
			"resource_id":   r.Reference.ResourceID,
			"external_link": r.Reference.ExternalLink,
		},
		"region_code":     r.RegionCode,
		"project_id":      r.ProjectID,
		"data":            r.Data,
		"tags":            r.Tags,
		"metadata":        r.Metadata,
		"additional_info": r.AdditionalInfo,
		"collection_info": map[string]any{
			"collector_ids":       stringsToAny(r.CollectionInfo.CollectorIDs),
			"secret_ids":          stringsToAny(r.CollectionInfo.SecretIDs),
			"service_account_ids": stringsToAny(r.CollectionInfo.ServiceAccountIDs),
			"state":               string(r.CollectionInfo.State),
		},
		"state":      string(r.State),
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

// Note is a user note attached to a resource; deleted together with the resource history.
type Note struct {
	NoteID     string    `json:"note_id"`
	DomainID   string    `json:"domain_id"`
	ResourceID string    `json:"resource_id"`
	RecordID   string    `json:"record_id,omitempty"`
	Note       string    `json:"note"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// PluginInfo pins the collector plugin to run.
type PluginInfo struct {
	PluginID    string         `json:"plugin_id"`
	Version     string         `json:"version"`
	UpgradeMode string         `json:"upgrade_mode"`
	Options     map[string]any `json:"options"`
	Metadata    map[string]any `json:"metadata"`
}

// Schedule lists the UTC hours at which a collector runs automatically.
type Schedule struct {
	Enabled bool  `json:"enabled"`
	Hours   []int `json:"hours"`
}

// Collector is the boundary entity describing which plugin collects for which secrets.
type Collector struct {
	CollectorID string     `json:"collector_id"`
	DomainID    string     `json:"domain_id"`
	Name        string     `json:"name"`
	Provider    string     `json:"provider"`
	Plugin      PluginInfo `json:"plugin_info"`
	SecretIDs   []string   `json:"secret_ids"`
	Schedule    Schedule   `json:"schedule"`
}

// Secret is the boundary entity holding plugin credentials.
type Secret struct {
	SecretID         string         `json:"secret_id"`
	DomainID         string         `json:"domain_id"`
	ServiceAccountID string         `json:"service_account_id"`
	ProjectID        string         `json:"project_id"`
	Provider         string         `json:"provider"`
	Data             map[string]any `json:"-"`
}

// Project and ServiceAccount are reference entities used by collector rules.
type Project struct {
	ProjectID string         `json:"project_id"`
	DomainID  string         `json:"domain_id"`
	Name      string         `json:"name"`
	Tags      map[string]any `json:"tags"`
}

type ServiceAccount struct {
	ServiceAccountID string         `json:"service_account_id"`
	DomainID         string         `json:"domain_id"`
	ProjectID        string         `json:"project_id"`
	Name             string         `json:"name"`
	Data             map[string]any `json:"data"`
	Tags             map[string]any `json:"tags"`
}
