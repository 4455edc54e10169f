package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "obsyncd", Traces: true, Metrics: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{Endpoint: "localhost:4318"})
	require.Error(t, err)
}

func TestInitBuildsExporters(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{
		ServiceName: "obsyncd",
		InstanceID:  "node-1",
		Endpoint:    "127.0.0.1:1",
		Insecure:    true,
		Traces:      true,
	})
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_ = shutdown(cancelled)
}

func TestParseHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "ob"},
		ParseHeaders(" api-key = abc, ,tenant=ob,broken, =x"))
}
