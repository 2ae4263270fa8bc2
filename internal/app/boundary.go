package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/channel"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/event"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/supervisor"
)

// StatusRequest is the request type answered by the boundary itself.
const StatusRequest = "workerd.status"

// Reply kinds written by the boundary. Events use their own event.Kind.
const (
	KindResponse = "response"
	KindStatus   = "status"
)

// Submitter is the part of the supervisor the boundary drives.
type Submitter interface {
	Submit(ctx context.Context, cmd channel.Command) (json.RawMessage, error)
	Status() supervisor.Status
}

// Reply is one line written back to the client.
type Reply struct {
	Kind     string             `json:"kind"`
	Command  json.RawMessage    `json:"command,omitempty"`
	Response json.RawMessage    `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
	Status   *supervisor.Status `json:"status,omitempty"`
}

// Boundary serves NDJSON requests from a client: each line is a command
// `{"type", "data"?, "environment"?}` submitted concurrently, answered with a
// Reply echoing the original command. Routed events are written to the same
// stream as they arrive.
type Boundary struct {
	sup     Submitter
	timeout time.Duration
	logger  *log.Logger

	mu  sync.Mutex
	enc *json.Encoder

	wg sync.WaitGroup
}

// NewBoundary creates a boundary writing to out. A zero timeout waits for
// replies indefinitely.
func NewBoundary(sup Submitter, out io.Writer, timeout time.Duration, logger *log.Logger) *Boundary {
	return &Boundary{
		sup:     sup,
		timeout: timeout,
		logger:  logging.OrDiscard(logger),
		enc:     json.NewEncoder(out),
	}
}

// Serve handles lines from in until it is exhausted or ctx ends, then waits
// for in-flight commands to be answered.
func (b *Boundary) Serve(ctx context.Context, in io.Reader) error {
	defer b.wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReaderSize(in, 64*1024)
		for {
			line, err := br.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			b.handle(ctx, line)
		}
	}
}

func (b *Boundary) handle(ctx context.Context, line []byte) {
	raw := json.RawMessage(bytes.TrimSpace(line))
	cmd, err := ParseRequest(raw)
	if err != nil {
		b.logger.Warn("rejected request", "error", err)
		b.write(Reply{Kind: KindResponse, Command: validOrNil(raw), Error: err.Error()})
		return
	}

	if cmd.Type == StatusRequest {
		st := b.sup.Status()
		b.write(Reply{Kind: KindStatus, Status: &st})
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.write(b.submit(ctx, raw, cmd))
	}()
}

func (b *Boundary) submit(ctx context.Context, raw json.RawMessage, cmd channel.Command) Reply {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	resp, err := b.sup.Submit(ctx, cmd)
	reply := Reply{Kind: KindResponse, Command: raw}
	switch {
	case err == nil:
		reply.Response = resp
		if len(reply.Response) == 0 {
			reply.Response = json.RawMessage("null")
		}
	case errors.Is(err, context.DeadlineExceeded):
		reply.Error = fmt.Sprintf("%v after %s", ErrCommandTimeout, b.timeout)
	default:
		reply.Error = err.Error()
	}
	return reply
}

// Publish writes ev to the client. It is an event.Handler.
func (b *Boundary) Publish(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enc.Encode(ev); err != nil {
		b.logger.Debug("event not written", "kind", ev.Kind, "error", err)
	}
}

func (b *Boundary) write(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enc.Encode(r); err != nil {
		b.logger.Debug("reply not written", "error", err)
	}
}

// ParseRequest turns a boundary line into a command.
func ParseRequest(line []byte) (channel.Command, error) {
	if !gjson.ValidBytes(line) {
		return channel.Command{}, fmt.Errorf("%w: not valid JSON", ErrInvalidRequest)
	}
	req := gjson.ParseBytes(line)
	if !req.IsObject() {
		return channel.Command{}, fmt.Errorf("%w: expected an object", ErrInvalidRequest)
	}
	typ := req.Get("type")
	if typ.Type != gjson.String || typ.String() == "" {
		return channel.Command{}, fmt.Errorf("%w: missing type", ErrInvalidRequest)
	}
	if typ.String() == channel.ExitCommand {
		return channel.Command{}, fmt.Errorf("%w: %q is reserved", ErrInvalidRequest, channel.ExitCommand)
	}

	cmd := channel.Command{
		Type:        typ.String(),
		Environment: req.Get("environment").String(),
	}
	if data := req.Get("data"); data.Exists() {
		cmd.Data = json.RawMessage(data.Raw)
	}
	return cmd, nil
}

func validOrNil(raw json.RawMessage) json.RawMessage {
	if gjson.ValidBytes(raw) {
		return raw
	}
	return nil
}
