package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"

	"inventory-collector/internal/models"
)

// EndpointResolver maps a plugin pin to a dialable endpoint.
type EndpointResolver interface {
	Resolve(ctx context.Context, domainID string, info models.PluginInfo) (string, error)
}

// StaticResolver serves endpoints pinned in configuration, keyed by plugin id.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, _ string, info models.PluginInfo) (string, error) {
	if ep, ok := s[info.PluginID]; ok && ep != "" {
		return ep, nil
	}
	return "", fmt.Errorf("no static endpoint for plugin %s", info.PluginID)
}

type endpointResponse struct {
	Endpoint       string `json:"endpoint"`
	UpdatedVersion string `json:"updated_version,omitempty"`
}

// RegistryResolver asks the plugin registry for endpoints and caches answers
// for ttl.
type RegistryResolver struct {
	client *resty.Client
	cache  *cache.Cache
}

func NewRegistryResolver(baseURL string, ttl time.Duration) *RegistryResolver {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &RegistryResolver{client: client, cache: cache.New(ttl, 2*ttl)}
}

func (r *RegistryResolver) Resolve(ctx context.Context, domainID string, info models.PluginInfo) (string, error) {
	key := strings.Join([]string{domainID, info.PluginID, info.Version, info.UpgradeMode}, "|")
	if ep, ok := r.cache.Get(key); ok {
		return ep.(string), nil
	}

	var result endpointResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("plugin_id", info.PluginID).
		SetQueryParams(map[string]string{
			"domain_id":    domainID,
			"version":      info.Version,
			"upgrade_mode": info.UpgradeMode,
		}).
		SetResult(&result).
		Get("/plugins/{plugin_id}/endpoint")
	if err != nil {
		return "", fmt.Errorf("query plugin registry: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("plugin registry returned %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Endpoint == "" {
		return "", fmt.Errorf("plugin registry returned no endpoint for %s", info.PluginID)
	}
	r.cache.SetDefault(key, result.Endpoint)
	return result.Endpoint, nil
}

// Invalidate drops a cached endpoint, e.g. after a transport failure.
func (r *RegistryResolver) Invalidate(domainID string, info models.PluginInfo) {
	r.cache.Delete(strings.Join([]string{domainID, info.PluginID, info.Version, info.UpgradeMode}, "|"))
}

// ChainResolver tries resolvers in order and returns the first endpoint found.
type ChainResolver []EndpointResolver

func (c ChainResolver) Resolve(ctx context.Context, domainID string, info models.PluginInfo) (string, error) {
	var lastErr error
	for _, r := range c {
		ep, err := r.Resolve(ctx, domainID, info)
		if err == nil {
			return ep, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver configured for plugin %s", info.PluginID)
	}
	return "", lastErr
}

// Invalidate forwards to every member that caches endpoints.
func (c ChainResolver) Invalidate(domainID string, info models.PluginInfo) {
	for _, r := range c {
		if inv, ok := r.(invalidator); ok {
			inv.Invalidate(domainID, info)
		}
	}
}
