package plugin

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/models"
)

type fakePlugin struct {
	envelopes []RawEnvelope
	tasks     []map[string]any
	streamErr error
	verifyErr error
	gotTask   map[string]any
}

func (f *fakePlugin) Init(_ context.Context, options map[string]any) (map[string]any, error) {
	return map[string]any{"options": options}, nil
}

func (f *fakePlugin) Verify(context.Context, map[string]any, map[string]any) error { return f.verifyErr }

func (f *fakePlugin) GetTasks(context.Context, map[string]any, map[string]any) ([]map[string]any, error) {
	return f.tasks, nil
}

func (f *fakePlugin) Collect(_ context.Context, _, _, taskOptions map[string]any) (EnvelopeStream, error) {
	f.gotTask = taskOptions
	return &sliceStream{items: f.envelopes, err: f.streamErr}, nil
}

type sliceStream struct {
	items []RawEnvelope
	err   error
}

func (s *sliceStream) Recv() (RawEnvelope, error) {
	if len(s.items) == 0 {
		if s.err != nil {
			return RawEnvelope{}, s.err
		}
		return RawEnvelope{}, io.EOF
	}
	env := s.items[0]
	s.items = s.items[1:]
	return env, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeDialer struct {
	plugin Plugin
	err    error
	dialed []string
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Plugin, error) {
	d.dialed = append(d.dialed, endpoint)
	return d.plugin, d.err
}

type countingResolver struct {
	StaticResolver
	invalidated int
}

func (c *countingResolver) Invalidate(string, models.PluginInfo) { c.invalidated++ }

var awsPlugin = models.PluginInfo{PluginID: "plugin-aws", Version: "1.0", UpgradeMode: "MANUAL"}

func TestGatewayCollectNormalizesStream(t *testing.T) {
	fp := &fakePlugin{envelopes: []RawEnvelope{
		{MatchKeys: [][]string{{"reference.resource_id"}}, CloudService: map[string]any{"name": "web-01"}},
		{State: StateFailure, ErrorMessage: "throttled"},
	}}
	d := &fakeDialer{plugin: fp}
	g := NewGateway(StaticResolver{"plugin-aws": "aws:50051"}, d, nil)

	stream, err := g.Collect(context.Background(), "domain-1", awsPlugin, nil, map[string]any{"region": "us-east-1"})
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, []string{"aws:50051"}, d.dialed)
	require.Equal(t, "us-east-1", fp.gotTask["region"])

	first, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, StateSuccess, first.State)
	require.Equal(t, []string{"reference.resource_id"}, first.MatchRules["1"])

	second, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, StateFailure, second.State)

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestGatewayWrapsResolutionFailure(t *testing.T) {
	g := NewGateway(StaticResolver{}, &fakeDialer{}, nil)
	_, err := g.Collect(context.Background(), "domain-1", awsPlugin, nil, nil)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, "plugin-aws", gwErr.PluginID)
	require.Equal(t, "collect", gwErr.Op)
}

func TestGatewayWrapsTransportFailureAndInvalidates(t *testing.T) {
	resolver := &countingResolver{StaticResolver: StaticResolver{"plugin-aws": "aws:50051"}}
	boom := errors.New("connection refused")
	g := NewGateway(resolver, &fakeDialer{plugin: &fakePlugin{verifyErr: boom}}, nil)

	err := g.Verify(context.Background(), "domain-1", awsPlugin, map[string]any{"key": "k"})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "aws:50051", gwErr.Endpoint)
	require.Equal(t, 1, resolver.invalidated)
}

func TestStreamBreakIsGatewayError(t *testing.T) {
	g := NewGateway(StaticResolver{"plugin-aws": "aws:50051"},
		&fakeDialer{plugin: &fakePlugin{streamErr: errors.New("reset by peer")}}, nil)
	stream, err := g.Collect(context.Background(), "domain-1", awsPlugin, nil, nil)
	require.NoError(t, err)

	_, err = stream.Next()
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.NotErrorIs(t, err, io.EOF)
}

func TestGetTasksDefaultsToSingleTask(t *testing.T) {
	g := NewGateway(StaticResolver{"plugin-aws": "aws:50051"}, &fakeDialer{plugin: &fakePlugin{}}, nil)
	tasks, err := g.GetTasks(context.Background(), "domain-1", awsPlugin, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
