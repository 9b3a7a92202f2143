package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/models"
)

func TestRegistryResolverCachesEndpoints(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/plugins/plugin-aws/endpoint" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("domain_id") != "domain-1" || r.URL.Query().Get("version") != "1.0" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"endpoint":"grpc://plugin-aws:50051"}`))
	}))
	defer srv.Close()

	r := NewRegistryResolver(srv.URL, time.Minute)
	for i := 0; i < 3; i++ {
		ep, err := r.Resolve(context.Background(), "domain-1", awsPlugin)
		require.NoError(t, err)
		require.Equal(t, "grpc://plugin-aws:50051", ep)
	}
	require.EqualValues(t, 1, hits.Load())

	r.Invalidate("domain-1", awsPlugin)
	_, err := r.Resolve(context.Background(), "domain-1", awsPlugin)
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestRegistryResolverReportsMissingPlugin(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewRegistryResolver(srv.URL, time.Minute)
	_, err := r.Resolve(context.Background(), "domain-1", models.PluginInfo{PluginID: "unknown"})
	require.Error(t, err)
}

func TestChainResolverFallsThrough(t *testing.T) {
	c := ChainResolver{StaticResolver{}, StaticResolver{"plugin-aws": "aws:50051"}}
	ep, err := c.Resolve(context.Background(), "domain-1", awsPlugin)
	require.NoError(t, err)
	require.Equal(t, "aws:50051", ep)

	_, err = ChainResolver{}.Resolve(context.Background(), "domain-1", awsPlugin)
	require.Error(t, err)
}
