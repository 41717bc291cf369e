package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/config"
)

const echoScript = `
n=0
while IFS= read -r line; do
  case "$line" in *'"method":"notifications/'*) continue ;; esac
  n=$((n+1))
  case "$line" in
    *'"method":"tools/list"'*) printf '{"jsonrpc":"2.0","id":"%s","result":{"tools":[{"name":"ping"}]}}\n' "$n" ;;
    *'"method":"initialize"'*) printf '{"jsonrpc":"2.0","id":"%s","result":{}}\n' "$n" ;;
    *) printf '{"jsonrpc":"2.0","id":"%s","result":{"ok":true}}\n' "$n" ;;
  esac
done
`

func echoDescriptor(id string) config.BackendDescriptor {
	return config.BackendDescriptor{
		ID:        id,
		Transport: config.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", echoScript},
	}
}

func TestPool_StartAllBringsBackendsReady(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	descs := map[string]config.BackendDescriptor{
		"a": echoDescriptor("a"),
		"b": echoDescriptor("b"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := p.StartAll(ctx, descs)

	require.Len(t, results, 2)
	assert.NoError(t, results["a"])
	assert.NoError(t, results["b"])
	assert.Equal(t, backend.StateReady, p.Get("a").State())
	assert.Equal(t, backend.StateReady, p.Get("b").State())
}

func TestPool_StartAllOneFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	descs := map[string]config.BackendDescriptor{
		"good": echoDescriptor("good"),
		"bad":  {ID: "bad", Transport: "not-a-real-transport"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results := p.StartAll(ctx, descs)

	assert.NoError(t, results["good"])
	assert.Error(t, results["bad"])
	assert.Equal(t, backend.StateReady, p.Get("good").State())
	assert.Equal(t, backend.StateFailed, p.Get("bad").State())
}

func TestPool_CallUnknownBackend(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	_, err := p.Call(context.Background(), "missing", "ping", []byte(`{}`), time.Second)
	require.Error(t, err)
}

func TestPool_Call_RoutesToCorrectBackend(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StartAll(ctx, map[string]config.BackendDescriptor{"a": echoDescriptor("a")})

	resp, err := p.Call(ctx, "a", "ping", []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestPool_Ready_TrueAfterOneBackendReady(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StartAll(ctx, map[string]config.BackendDescriptor{"a": echoDescriptor("a")})

	status := p.Ready()
	assert.True(t, status.Ready)
	assert.Equal(t, 1, status.ReadyCount)
}

func TestPool_Ready_FalseWithinGracePeriodWhenNoneReady(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	p.readyGracePeriod = time.Hour
	defer p.Close(context.Background())

	hang := config.BackendDescriptor{
		ID:        "hang",
		Transport: config.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "while IFS= read -r line; do :; done"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.StartAll(ctx, map[string]config.BackendDescriptor{"hang": hang})

	status := p.Ready()
	assert.False(t, status.Ready)
	assert.Equal(t, 1, status.PendingCount)
}

func TestPool_Ready_TrueAfterGracePeriodElapses(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	p.readyGracePeriod = 50 * time.Millisecond
	p.startedAt = time.Now().Add(-time.Second)
	defer p.Close(context.Background())

	status := p.Ready()
	assert.True(t, status.Ready)
}

func TestPool_OnReadyFiresOnInitialDiscovery(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	defer p.Close(context.Background())

	notified := make(chan []backend.Tool, 1)
	p.OnReady(func(id string, tools []backend.Tool) {
		if id == "a" {
			notified <- tools
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StartAll(ctx, map[string]config.BackendDescriptor{"a": echoDescriptor("a")})

	select {
	case tools := <-notified:
		require.Len(t, tools, 1)
		assert.Equal(t, "ping", tools[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("OnReady callback never fired")
	}
}

func TestPool_CloseStopsConnections(t *testing.T) {
	t.Parallel()

	p := New(context.Background(), DefaultRestartPolicy)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.StartAll(ctx, map[string]config.BackendDescriptor{"a": echoDescriptor("a")})

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, backend.StateStopped, p.Get("a").State())
}
