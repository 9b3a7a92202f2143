// Package plugin invokes external collector plugins and normalizes the
// resource envelopes they stream back.
package plugin

import (
	"context"
	"fmt"
)

// Plugin is the contract every collector plugin implements.
type Plugin interface {
	Init(ctx context.Context, options map[string]any) (map[string]any, error)
	Verify(ctx context.Context, options, secretData map[string]any) error
	GetTasks(ctx context.Context, options, secretData map[string]any) ([]map[string]any, error)
	Collect(ctx context.Context, options, secretData, taskOptions map[string]any) (EnvelopeStream, error)
}

// EnvelopeStream yields raw envelopes until Recv returns io.EOF.
type EnvelopeStream interface {
	Recv() (RawEnvelope, error)
	Close() error
}

// GatewayError reports an endpoint resolution or transport failure. It is
// distinct from an envelope whose state is FAILURE.
type GatewayError struct {
	PluginID string
	Endpoint string
	Op       string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Op, e.Err)
	}
	return fmt.Sprintf("plugin %s at %s: %s: %v", e.PluginID, e.Endpoint, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
