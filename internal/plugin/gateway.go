package plugin

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"inventory-collector/internal/models"
)

type invalidator interface {
	Invalidate(domainID string, info models.PluginInfo)
}

// Gateway resolves a collector's plugin, dials it, and normalizes what it streams.
type Gateway struct {
	resolver    EndpointResolver
	dialer      Dialer
	callTimeout time.Duration
	log         *zap.SugaredLogger
}

func NewGateway(resolver EndpointResolver, dialer Dialer, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{resolver: resolver, dialer: dialer, log: log}
}

// WithCallTimeout bounds init, verify and get_tasks. Collect streams are not bounded.
func (g *Gateway) WithCallTimeout(d time.Duration) *Gateway {
	g.callTimeout = d
	return g
}

func (g *Gateway) unary(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.callTimeout)
}

func (g *Gateway) connect(ctx context.Context, domainID string, info models.PluginInfo, op string) (Plugin, string, error) {
	endpoint, err := g.resolver.Resolve(ctx, domainID, info)
	if err != nil {
		return nil, "", &GatewayError{PluginID: info.PluginID, Op: op, Err: err}
	}
	p, err := g.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, "", g.fail(domainID, info, endpoint, op, err)
	}
	return p, endpoint, nil
}

// fail wraps err and drops any cached endpoint so the next call resolves afresh.
func (g *Gateway) fail(domainID string, info models.PluginInfo, endpoint, op string, err error) error {
	if inv, ok := g.resolver.(invalidator); ok {
		inv.Invalidate(domainID, info)
	}
	g.log.Warnw("plugin call failed", "plugin_id", info.PluginID, "endpoint", endpoint, "op", op, "error", err)
	return &GatewayError{PluginID: info.PluginID, Endpoint: endpoint, Op: op, Err: err}
}

// Init returns the plugin's metadata for its options.
func (g *Gateway) Init(ctx context.Context, domainID string, info models.PluginInfo) (map[string]any, error) {
	ctx, cancel := g.unary(ctx)
	defer cancel()
	p, endpoint, err := g.connect(ctx, domainID, info, "init")
	if err != nil {
		return nil, err
	}
	meta, err := p.Init(ctx, info.Options)
	if err != nil {
		return nil, g.fail(domainID, info, endpoint, "init", err)
	}
	return meta, nil
}

// Verify checks secretData with the plugin before any work is planned for it.
func (g *Gateway) Verify(ctx context.Context, domainID string, info models.PluginInfo, secretData map[string]any) error {
	ctx, cancel := g.unary(ctx)
	defer cancel()
	p, endpoint, err := g.connect(ctx, domainID, info, "verify")
	if err != nil {
		return err
	}
	if err := p.Verify(ctx, info.Options, secretData); err != nil {
		return g.fail(domainID, info, endpoint, "verify", err)
	}
	return nil
}

// GetTasks returns the sub-task options for one secret. A plugin that does not
// split its work yields a single empty option set.
func (g *Gateway) GetTasks(ctx context.Context, domainID string, info models.PluginInfo, secretData map[string]any) ([]map[string]any, error) {
	ctx, cancel := g.unary(ctx)
	defer cancel()
	p, endpoint, err := g.connect(ctx, domainID, info, "get_tasks")
	if err != nil {
		return nil, err
	}
	tasks, err := p.GetTasks(ctx, info.Options, secretData)
	if err != nil {
		return nil, g.fail(domainID, info, endpoint, "get_tasks", err)
	}
	if len(tasks) == 0 {
		tasks = []map[string]any{{}}
	}
	return tasks, nil
}

// Collect opens a stream of normalized envelopes.
func (g *Gateway) Collect(ctx context.Context, domainID string, info models.PluginInfo, secretData, taskOptions map[string]any) (*Stream, error) {
	p, endpoint, err := g.connect(ctx, domainID, info, "collect")
	if err != nil {
		return nil, err
	}
	inner, err := p.Collect(ctx, info.Options, secretData, taskOptions)
	if err != nil {
		return nil, g.fail(domainID, info, endpoint, "collect", err)
	}
	return &Stream{inner: inner, pluginID: info.PluginID, endpoint: endpoint}, nil
}

// Stream yields normalized envelopes from one collect call.
type Stream struct {
	inner    EnvelopeStream
	pluginID string
	endpoint string
}

// Next returns the next envelope, io.EOF at the end of the stream, or a
// *GatewayError when the transport breaks.
func (s *Stream) Next() (Envelope, error) {
	raw, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		return Envelope{}, io.EOF
	}
	if err != nil {
		return Envelope{}, &GatewayError{PluginID: s.pluginID, Endpoint: s.endpoint, Op: "collect", Err: err}
	}
	return Normalize(raw), nil
}

func (s *Stream) Close() error { return s.inner.Close() }
