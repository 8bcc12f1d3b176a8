// Package bridge owns the message-bridge subprocess and speaks line-delimited
// JSON-RPC 2.0 over its stdio. It correlates responses to requests by numeric
// id and demultiplexes message notifications to a single registered handler.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/42atom/msgcode/internal/otel"
)

var (
	// ErrClosed is returned for calls made on (or interrupted by) a closed transport.
	ErrClosed = errors.New("bridge: transport closed")
	// ErrTimeout is returned when a request's per-call timeout elapses.
	ErrTimeout = errors.New("bridge: request timed out")
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultStartupTimeout = 20 * time.Second
	defaultStopGrace      = 5 * time.Second
	defaultMaxLineBytes   = 1 << 20
)

// Options configures a Client.
type Options struct {
	Command string
	Args    []string
	Env     map[string]string

	RequestTimeout time.Duration
	StartupTimeout time.Duration
	StopGrace      time.Duration
	MaxLineBytes   int

	Handler EventHandler
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Client is the stdio JSON-RPC transport over one owned subprocess.
type Client struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes stdin writes

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcFrame
	closed    bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Client; the subprocess is not spawned until Start.
func New(opts Options) (*Client, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("bridge: command is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("bridge: event handler is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Client{
		opts:    opts,
		logger:  logger.With("component", "bridge"),
		tracer:  tracer,
		metrics: opts.Metrics,
		pending: make(map[int64]chan rpcFrame),
		done:    make(chan struct{}),
	}, nil
}

// Start spawns the subprocess and returns once it is observably alive, or
// fails after the startup timeout.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("start %q: %w", c.opts.Command, err)
		}
	case <-time.After(c.opts.StartupTimeout):
		return fmt.Errorf("start %q: startup timed out after %s", c.opts.Command, c.opts.StartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	c.cmd = cmd
	c.stdin = stdin

	// stderr is log-only; the protocol lives on stdout.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.logger.Debug("bridge stderr", "msg", scanner.Text())
		}
	}()

	go c.readLoop(stdout)

	go func() {
		err := cmd.Wait()
		c.finish(err)
	}()

	c.logger.Info("bridge started", "command", c.opts.Command, "pid", cmd.Process.Pid)
	return nil
}

// Done is closed when the subprocess has exited and all pending requests have
// been rejected. The supervisor selects on it to decide about restarts.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Subscribe arms push notifications for the given catch-up window.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) (SubscribeResult, error) {
	var res SubscribeResult
	if err := c.call(ctx, methodSubscribe, opts, &res); err != nil {
		return SubscribeResult{}, err
	}
	return res, nil
}

// Send delivers text (and an optional attachment path) to a target conversation.
func (c *Client) Send(ctx context.Context, target, text, attachmentPath string) (SendResult, error) {
	params := struct {
		Target         string `json:"target"`
		Text           string `json:"text"`
		AttachmentPath string `json:"attachmentPath,omitempty"`
	}{Target: target, Text: text, AttachmentPath: attachmentPath}

	var res SendResult
	if err := c.call(ctx, methodSend, params, &res); err != nil {
		return SendResult{}, err
	}
	return res, nil
}

// Stop closes the input stream, waits up to the stop grace period for a clean
// exit, then force-terminates the subprocess.
func (c *Client) Stop() error {
	if c.cmd == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-time.After(c.opts.StopGrace):
	}

	c.logger.Warn("bridge did not exit after stdin close, killing", "grace", c.opts.StopGrace)
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.done
	return nil
}

// call issues one correlated request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	start := time.Now()
	ctx, span := otelpkg.StartClientSpan(ctx, c.tracer, "bridge.call", otelpkg.AttrRPCMethod.String(method))
	defer span.End()

	id := c.nextID.Add(1)
	ch := make(chan rpcFrame, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		c.unregister(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	// A write error rejects this request only; the transport stays up.
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(id)
		return fmt.Errorf("write %s request: %w", method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	case <-timer.C:
		c.unregister(id)
		if c.metrics != nil {
			c.metrics.RPCTimeouts.Add(ctx, 1)
		}
		return fmt.Errorf("%s after %s: %w", method, c.opts.RequestTimeout, ErrTimeout)
	case frame, ok := <-ch:
		if c.metrics != nil {
			c.metrics.RPCDuration.Record(ctx, time.Since(start).Seconds())
		}
		if !ok {
			return ErrClosed
		}
		if frame.Error != nil {
			return fmt.Errorf("%s: %w", method, frame.Error)
		}
		if out != nil && len(frame.Result) > 0 {
			if err := json.Unmarshal(frame.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) unregister(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop frames stdout into lines and hands each to handleLine. A single
// corrupt or oversized line is dropped without aborting the stream.
func (c *Client) readLoop(stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, tooLong, err := readLimitedLine(r, c.opts.MaxLineBytes)
		if err != nil {
			return
		}
		if tooLong {
			c.logger.Warn("dropping oversized bridge line", "limit_bytes", c.opts.MaxLineBytes)
			continue
		}
		c.handleLine(line)
	}
}

func (c *Client) handleLine(line []byte) {
	trimmed := trimLine(line)
	if len(trimmed) == 0 {
		return
	}

	var frame rpcFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		c.logger.Warn("discarding malformed bridge line", "error", err, "snippet", snippet(trimmed))
		return
	}

	switch {
	case frame.ID != nil && frame.Method == "":
		c.dispatchResponse(frame)
	case frame.ID == nil && frame.Method != "":
		c.dispatchNotification(frame)
	default:
		// Banner lines (worker hello/ready) and server-side requests land here.
		c.logger.Debug("skipping non-protocol bridge line", "snippet", snippet(trimmed))
	}
}

func (c *Client) dispatchResponse(frame rpcFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*frame.ID]
	if ok {
		delete(c.pending, *frame.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("unknown response", "id", *frame.ID)
		return
	}
	ch <- frame
}

func (c *Client) dispatchNotification(frame rpcFrame) {
	if frame.Method != notifyMessage {
		c.logger.Debug("unhandled notification", "method", frame.Method)
		return
	}
	var ev InboundEvent
	if err := json.Unmarshal(frame.Params, &ev); err != nil {
		c.logger.Warn("dropping malformed message notification", "error", err)
		return
	}
	if ev.ConversationID == "" {
		c.logger.Warn("dropping message notification without conversation id", "rowid", ev.Rowid)
		return
	}
	if c.metrics != nil {
		c.metrics.EventsReceived.Add(context.Background(), 1)
	}
	c.opts.Handler.OnEvent(ev)
}

// finish runs exactly once when the subprocess exits: every outstanding request
// is rejected and the handler's close callback fires.
func (c *Client) finish(exitErr error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()

		if exitErr != nil {
			c.logger.Warn("bridge exited", "error", exitErr)
		} else {
			c.logger.Info("bridge exited cleanly")
		}
		close(c.done)
		c.opts.Handler.OnClose(exitErr)
	})
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func snippet(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// readLimitedLine reads one newline-terminated line, reporting (but consuming)
// lines longer than max.
func readLimitedLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > max {
				if derr := discardToNewline(r); derr != nil {
					return nil, true, derr
				}
				return nil, true, nil
			}
			continue
		}
		// EOF (or a read error) with a partial line: the stream is ending, drop it.
		return nil, false, err
	}
	if len(buf) > max {
		return nil, true, nil
	}
	return buf, false, nil
}

func discardToNewline(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}
