package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
)

// Stdio drives a child-process MCP backend over newline-delimited JSON on
// its stdin/stdout (spec.md §4.1). Readers must tolerate "prelude lines"
// from non-conformant backends: any line that fails to parse as JSON
// before the first valid frame is logged and discarded. After the first
// valid frame, every unparsable line is a protocol error for this
// connection.
type Stdio struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	corr   *correlator
	onNotif  NotificationHandler
	onFatal  func(error)

	writeMu sync.Mutex
	live    atomic.Bool

	seenValidFrame atomic.Bool
	doneCh         chan struct{}
	closeOnce      sync.Once
}

// NewStdio spawns command with args and env (a nil env means "inherit the
// parent's"), working in workDir, and starts reading its stdout. onNotif is
// invoked (from the reader goroutine) for server-originated notifications.
// onFatal, if non-nil, is invoked at most once when the connection suffers
// an unrecoverable transport error (write failure, protocol violation,
// unexpected exit) so the owning backend.Connection can degrade without an
// in-flight request to carry the news.
func NewStdio(
	ctx context.Context,
	command string,
	args []string,
	env []string,
	workDir string,
	onNotif NotificationHandler,
	onFatal func(error),
) (*Stdio, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: start %q: %w", command, err)
	}

	s := &Stdio{
		cmd:     cmd,
		stdin:   stdin,
		corr:    newCorrelator(),
		onNotif: onNotif,
		onFatal: onFatal,
		doneCh:  make(chan struct{}),
	}
	s.live.Store(true)

	go s.readLoop(stdout, &stderrBuf)
	go s.waitLoop()

	return s, nil
}

func (s *Stdio) waitLoop() {
	_ = s.cmd.Wait()
	s.live.Store(false)
	s.corr.failAll(jsonrpc.KindTransportFailed, "backend process exited")
	close(s.doneCh)
}

func (s *Stdio) readLoop(stdout io.Reader, stderrBuf *bytes.Buffer) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// gjson.ValidBytes is a cheap structural check, well short of a full
		// unmarshal, which is all the prelude-tolerance rule needs: most
		// prelude lines are log output, not near-miss JSON.
		if !gjson.ValidBytes(line) {
			if !s.seenValidFrame.Load() {
				logger.Debugw("stdio backend prelude line discarded", "line", string(line))
				continue
			}
			s.fail(jsonrpc.KindProtocolViolation, fmt.Sprintf("unparsable frame after handshake: %q", string(line)))
			return
		}

		s.seenValidFrame.Store(true)
		s.handleFrame(line)
	}
	if err := scanner.Err(); err != nil {
		s.fail(jsonrpc.KindTransportFailed, fmt.Sprintf("reading backend stdout: %v", err))
	}
}

func (s *Stdio) handleFrame(line []byte) {
	// Sniff the method field with gjson rather than a full unmarshal: it's
	// the cheapest way to decide whether this frame is a request/notification
	// or a response before committing to the right target type.
	method := gjson.GetBytes(line, "method").String()

	// A frame carrying a method is either a request or notification from
	// the server; we only expect notifications (servers don't call us),
	// but tolerate either by handing it to onNotif.
	if method != "" {
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err == nil && s.onNotif != nil {
			s.onNotif(&req)
		}
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		s.fail(jsonrpc.KindProtocolViolation, fmt.Sprintf("malformed response frame: %v", err))
		return
	}
	key := idKey(resp.ID)
	if key == "" || !s.corr.resolve(key, &resp) {
		s.fail(jsonrpc.KindProtocolViolation, fmt.Sprintf("response with unknown correlation id %q", key))
	}
}

func (s *Stdio) fail(kind jsonrpc.Kind, message string) {
	if !s.live.CompareAndSwap(true, false) {
		return
	}
	s.corr.failAll(kind, message)
	if s.onFatal != nil {
		s.onFatal(jsonrpc.NewLocalError(kind, message))
	}
}

// SendRequest implements Transport.
func (s *Stdio) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !s.live.Load() {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "stdio transport is not live")
	}

	key, id := s.corr.nextID()
	req.ID = id
	req.JSONRPC = jsonrpc.Version

	ch, ok := s.corr.register(key)
	if !ok {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "stdio transport is closed")
	}

	if err := s.writeFrame(req); err != nil {
		s.corr.deregister(key)
		s.fail(jsonrpc.KindTransportFailed, err.Error())
		return nil, jsonrpc.Wrap(jsonrpc.KindTransportFailed, "writing request", err)
	}

	select {
	case resp := <-ch:
		if len(resp.ID) == 0 && resp.Error != nil {
			// Woken by failAll: frames from the backend always carry an id.
			return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		s.corr.deregister(key)
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTimedOut, "deadline exceeded waiting for backend response")
	case <-s.doneCh:
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "backend process exited")
	}
}

// SendNotification implements Transport.
func (s *Stdio) SendNotification(_ context.Context, req *jsonrpc.Request) error {
	if !s.live.Load() {
		return jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "stdio transport is not live")
	}
	req.ID = nil
	req.JSONRPC = jsonrpc.Version
	if err := s.writeFrame(req); err != nil {
		s.fail(jsonrpc.KindTransportFailed, err.Error())
		return jsonrpc.Wrap(jsonrpc.KindTransportFailed, "writing notification", err)
	}
	return nil
}

func (s *Stdio) writeFrame(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	b = append(b, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(b)
	return err
}

// IsLive implements Transport.
func (s *Stdio) IsLive() bool {
	return s.live.Load()
}

// Close implements Transport.
func (s *Stdio) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.live.Store(false)
		s.corr.failAll(jsonrpc.KindTransportFailed, "transport closed")
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		select {
		case <-s.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
