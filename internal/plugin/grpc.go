package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Fully-qualified RPC names served by collector plugins.
const (
	ServiceName   = "inventory.plugin.Collector"
	MethodInit    = "/" + ServiceName + "/init"
	MethodVerify  = "/" + ServiceName + "/verify"
	MethodTasks   = "/" + ServiceName + "/get_tasks"
	MethodCollect = "/" + ServiceName + "/collect"
)

// JSONCodec carries plugin messages as JSON over gRPC.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

type initRequest struct {
	Options map[string]any `json:"options"`
}

type initResponse struct {
	Metadata map[string]any `json:"metadata"`
}

type secretRequest struct {
	Options     map[string]any `json:"options"`
	SecretData  map[string]any `json:"secret_data"`
	TaskOptions map[string]any `json:"task_options,omitempty"`
}

type tasksResponse struct {
	Tasks []struct {
		TaskOptions map[string]any `json:"task_options"`
	} `json:"tasks"`
}

// GRPCPlugin is a Plugin reached over a gRPC connection.
type GRPCPlugin struct {
	conn grpc.ClientConnInterface
}

func NewGRPCPlugin(conn grpc.ClientConnInterface) *GRPCPlugin {
	return &GRPCPlugin{conn: conn}
}

func (p *GRPCPlugin) Init(ctx context.Context, options map[string]any) (map[string]any, error) {
	var resp initResponse
	if err := p.conn.Invoke(ctx, MethodInit, &initRequest{Options: options}, &resp); err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

func (p *GRPCPlugin) Verify(ctx context.Context, options, secretData map[string]any) error {
	var resp struct{}
	return p.conn.Invoke(ctx, MethodVerify, &secretRequest{Options: options, SecretData: secretData}, &resp)
}

func (p *GRPCPlugin) GetTasks(ctx context.Context, options, secretData map[string]any) ([]map[string]any, error) {
	var resp tasksResponse
	if err := p.conn.Invoke(ctx, MethodTasks, &secretRequest{Options: options, SecretData: secretData}, &resp); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		out = append(out, t.TaskOptions)
	}
	return out, nil
}

var collectDesc = &grpc.StreamDesc{StreamName: "collect", ServerStreams: true}

func (p *GRPCPlugin) Collect(ctx context.Context, options, secretData, taskOptions map[string]any) (EnvelopeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := p.conn.NewStream(ctx, collectDesc, MethodCollect)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(&secretRequest{Options: options, SecretData: secretData, TaskOptions: taskOptions}); err != nil {
		cancel()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &grpcStream{cs: cs, cancel: cancel}, nil
}

type grpcStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcStream) Recv() (RawEnvelope, error) {
	var env RawEnvelope
	if err := s.cs.RecvMsg(&env); err != nil {
		return RawEnvelope{}, err
	}
	return env, nil
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}

// Dialer opens a Plugin for an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Plugin, error)
}

// GRPCDialer keeps one client connection per endpoint.
type GRPCDialer struct {
	opts  []grpc.DialOption
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCDialer builds a dialer using plaintext transport and the JSON codec;
// extra options are appended.
func NewGRPCDialer(extra ...grpc.DialOption) *GRPCDialer {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	}
	return &GRPCDialer{opts: append(opts, extra...), conns: map[string]*grpc.ClientConn{}}
}

func (d *GRPCDialer) Dial(_ context.Context, endpoint string) (Plugin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[endpoint]; ok {
		return NewGRPCPlugin(conn), nil
	}
	conn, err := grpc.NewClient(endpoint, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	d.conns[endpoint] = conn
	return NewGRPCPlugin(conn), nil
}

// Close closes every cached connection.
func (d *GRPCDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for ep, conn := range d.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.conns, ep)
	}
	return first
}
