package plugin

import (
	"go.uber.org/zap"

	"inventory-collector/internal/config"
)

// FromConfig builds a gRPC gateway. Static PLUGIN_ENDPOINTS entries win over
// the registry, which is consulted only when PLUGIN_REGISTRY_URL is set. The
// returned dialer must be closed on shutdown.
func FromConfig(cfg config.Config, log *zap.SugaredLogger) (*Gateway, *GRPCDialer) {
	var chain ChainResolver
	if len(cfg.PluginEndpoints) > 0 {
		chain = append(chain, StaticResolver(cfg.PluginEndpoints))
	}
	if cfg.PluginRegistryURL != "" {
		chain = append(chain, NewRegistryResolver(cfg.PluginRegistryURL, cfg.PluginEndpointTTL))
	}
	dialer := NewGRPCDialer()
	return NewGateway(chain, dialer, log).WithCallTimeout(cfg.PluginCallTimeout), dialer
}
