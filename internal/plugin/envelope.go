package plugin

import (
	"strconv"

	"inventory-collector/internal/models"
)

// State of a plugin envelope.
type State string

const (
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Kind names the payload carried by a successful envelope.
type Kind string

const (
	KindCloudService     Kind = "inventory.CloudService"
	KindCloudServiceType Kind = "inventory.CloudServiceType"
	KindRegion           Kind = "inventory.Region"
	KindMetric           Kind = "inventory.Metric"
	KindNamespace        Kind = "inventory.Namespace"
)

// RawEnvelope is the wire shape a plugin streams.
type RawEnvelope struct {
	State                State          `json:"state"`
	ResourceType         string         `json:"resource_type"`
	MatchKeys            [][]string     `json:"match_keys,omitempty"`
	Resource             map[string]any `json:"resource,omitempty"`
	CloudService         map[string]any `json:"cloud_service,omitempty"`
	CloudServiceType     map[string]any `json:"cloud_service_type,omitempty"`
	Region               map[string]any `json:"region,omitempty"`
	Metric               map[string]any `json:"metric,omitempty"`
	Namespace            map[string]any `json:"namespace,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	Provider             string         `json:"provider,omitempty"`
	CloudServiceGroup    string         `json:"cloud_service_group,omitempty"`
	CloudServiceTypeName string         `json:"cloud_service_type_name,omitempty"`
	ResourceID           string         `json:"resource_id,omitempty"`
}

// Envelope is a normalized envelope handed to the rule engine.
type Envelope struct {
	State        State
	ResourceType string
	Kind         Kind
	Resource     map[string]any
	MatchRules   map[string][]string
	ErrorMessage string
	ErrorData    models.JobTaskErrorData
}

// Normalize picks the payload, derives the resource type when missing, and
// renumbers match_keys groups into a 1-based match_rules map.
func Normalize(raw RawEnvelope) Envelope {
	env := Envelope{
		State:        raw.State,
		ResourceType: raw.ResourceType,
		ErrorMessage: raw.ErrorMessage,
		ErrorData: models.JobTaskErrorData{
			ResourceType:      raw.ResourceType,
			Provider:          raw.Provider,
			CloudServiceGroup: raw.CloudServiceGroup,
			CloudServiceType:  raw.CloudServiceTypeName,
			ResourceID:        raw.ResourceID,
		},
	}
	if env.State == "" {
		env.State = StateSuccess
	}

	for _, p := range []struct {
		kind    Kind
		payload map[string]any
	}{
		{KindCloudService, raw.CloudService},
		{KindCloudServiceType, raw.CloudServiceType},
		{KindRegion, raw.Region},
		{KindMetric, raw.Metric},
		{KindNamespace, raw.Namespace},
	} {
		if p.payload != nil {
			env.Kind, env.Resource = p.kind, p.payload
			break
		}
	}
	if env.Resource == nil && raw.Resource != nil {
		env.Kind, env.Resource = Kind(raw.ResourceType), raw.Resource
	}
	if env.ResourceType == "" {
		env.ResourceType = string(env.Kind)
		env.ErrorData.ResourceType = env.ResourceType
	}

	if len(raw.MatchKeys) > 0 {
		env.MatchRules = make(map[string][]string, len(raw.MatchKeys))
		for i, group := range raw.MatchKeys {
			env.MatchRules[strconv.Itoa(i+1)] = group
		}
	} else if env.Resource != nil {
		env.MatchRules = matchRulesFromPayload(env.Resource["match_rules"])
	}

	if env.State == StateSuccess && env.Resource == nil {
		env.State = StateFailure
		if env.ErrorMessage == "" {
			env.ErrorMessage = "envelope carries no payload"
		}
	}
	return env
}

// matchRulesFromPayload accepts match_rules a plugin already embedded in the payload.
func matchRulesFromPayload(v any) map[string][]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, group := range m {
		list, ok := group.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok {
				out[k] = append(out[k], s)
			}
		}
	}
	return out
}
