package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// echoScript is a tiny shell "backend" that answers each newline-delimited
// request with a JSON-RPC response whose id matches arrival order — good
// enough to drive the correlator deterministically since these tests issue
// requests one at a time.
const echoScript = `
n=0
while IFS= read -r line; do
  n=$((n+1))
  case "$line" in
    *tools/list*) printf '{"jsonrpc":"2.0","id":"%s","result":{"tools":[{"name":"read_graph"}]}}\n' "$n" ;;
    *) printf '{"jsonrpc":"2.0","id":"%s","result":{"ok":true}}\n' "$n" ;;
  esac
done
`

// preludeScript emits two non-JSON lines before behaving like echoScript.
const preludeScript = `
printf 'starting...\n'
printf 'using /tmp/docs\n'
` + echoScript

func newTestStdio(t *testing.T, script string, onFatal func(error)) *Stdio {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := NewStdio(ctx, "sh", []string{"-c", script}, nil, "", nil, onFatal)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = s.Close(closeCtx)
	})
	return s
}

func TestStdio_HappyPath(t *testing.T) {
	t.Parallel()
	s := newTestStdio(t, echoScript, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.SendRequest(ctx, &jsonrpc.Request{Method: "tools/list"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct{ Name string } `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "read_graph", result.Tools[0].Name)
}

func TestStdio_PreludeToleration(t *testing.T) {
	t.Parallel()
	s := newTestStdio(t, preludeScript, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.SendRequest(ctx, &jsonrpc.Request{Method: "initialize"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.True(t, s.IsLive())
}

func TestStdio_SequentialCalls(t *testing.T) {
	t.Parallel()
	s := newTestStdio(t, echoScript, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		resp, err := s.SendRequest(ctx, &jsonrpc.Request{Method: "ping"})
		require.NoError(t, err)
		require.Nil(t, resp.Error)
	}
}

func TestStdio_TimeoutDoesNotKillTransport(t *testing.T) {
	t.Parallel()
	// A script that never answers: the request should time out via ctx,
	// but the transport must remain live for subsequent calls.
	s := newTestStdio(t, "while IFS= read -r line; do :; done", nil)

	shortCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.SendRequest(shortCtx, &jsonrpc.Request{Method: "tools/call"})
	require.Error(t, err)
	var local *jsonrpc.LocalError
	require.ErrorAs(t, err, &local)
	assert.Equal(t, jsonrpc.KindTimedOut, local.Kind)
	assert.True(t, s.IsLive())
}

func TestStdio_CloseWakesWaiters(t *testing.T) {
	t.Parallel()
	s := newTestStdio(t, "while IFS= read -r line; do :; done", nil)

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), &jsonrpc.Request{Method: "tools/call"})
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, s.Close(closeCtx))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not wake up after Close")
	}
	assert.False(t, s.IsLive())
}

func TestStdio_ProtocolViolationAfterHandshakeDegrades(t *testing.T) {
	t.Parallel()

	script := `
printf '{"jsonrpc":"2.0","id":"1","result":{}}\n'
read -r line
printf 'this is not json\n'
`
	var fatalErr error
	fatalCh := make(chan struct{})
	s := newTestStdio(t, script, func(err error) {
		fatalErr = err
		close(fatalCh)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.SendRequest(ctx, &jsonrpc.Request{Method: "initialize"})
	require.NoError(t, err)

	// The script prints the malformed line once it has read the initialize
	// request; this notification only adds one more write.
	_ = s.SendNotification(context.Background(), &jsonrpc.Request{Method: "notifications/initialized"})

	select {
	case <-fatalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("onFatal was not invoked after a post-handshake protocol violation")
	}

	require.Error(t, fatalErr)
	var local *jsonrpc.LocalError
	require.ErrorAs(t, fatalErr, &local)
	assert.Equal(t, jsonrpc.KindProtocolViolation, local.Kind)
}
