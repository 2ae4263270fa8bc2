// Package channel implements the newline-delimited JSON command channel
// spoken with a worker over its standard streams.
//
// Outbound commands carry a correlation id assigned at send time; inbound
// responses are matched to their caller by that id, never by arrival order.
package channel

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
	"github.com/tidwall/sjson"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
)

// Hooks receive inbound traffic that is not a response. Every hook is
// optional and runs on the reader goroutine, so it must not block.
type Hooks struct {
	// OnReady is called for each ready message.
	OnReady func()
	// OnEvent is called with the raw event payload.
	OnEvent func(event json.RawMessage)
	// OnWorkerError is called with the message of an error line.
	OnWorkerError func(message string)
	// OnNoise is called for lines that are not structured.
	OnNoise func(line string)
	// OnProtocolError is called for structured lines that fail to parse.
	OnProtocolError func(err *ProtocolError)
}

type pendingCommand struct {
	typ       string
	submitted time.Time
	result    chan Result
}

// Channel owns the write side of a worker's stdin and the pending
// correlation map. It is safe for concurrent use.
type Channel struct {
	w      io.Writer
	closer io.Closer
	hooks  Hooks
	logger *log.Logger

	// writeMu serializes id assignment with the write so wire order
	// equals id order.
	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCommand
	closed  bool
	done    chan struct{}
}

// New creates a channel writing to w. If w is also an io.Closer it is closed
// by Close.
func New(w io.Writer, hooks Hooks, logger *log.Logger) *Channel {
	c := &Channel{
		w:       w,
		hooks:   hooks,
		logger:  logging.OrDiscard(logger),
		pending: make(map[uint64]*pendingCommand),
		done:    make(chan struct{}),
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Send assigns the next correlation id to cmd, registers it as pending and
// writes it. The returned channel receives exactly one Result.
func (c *Channel) Send(cmd Command) (uint64, <-chan Result, error) {
	payload, err := encode(cmd)
	if err != nil {
		return 0, nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCommand{typ: cmd.Type, submitted: time.Now(), result: make(chan Result, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	line, err := sjson.SetBytes(payload, "id", id)
	if err == nil {
		_, err = c.w.Write(append(line, '\n'))
	}
	if err != nil {
		c.mu.Lock()
		_, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			// Close interrupted the write and has already failed pc.
			return id, pc.result, nil
		}
		return 0, nil, fmt.Errorf("write command %s: %w", cmd.Type, err)
	}

	c.logger.Debug("sent command", "type", cmd.Type, "id", id)
	return id, pc.result, nil
}

// Call sends cmd and waits for its response. Cancelling ctx abandons the
// wait only; the pending entry is still completed when the response arrives
// or the channel closes.
func (c *Channel) Call(ctx context.Context, cmd Command) (json.RawMessage, error) {
	_, ch, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Response, res.Err
	}
}

// Notify writes cmd without a correlation id. No response is expected.
func (c *Channel) Notify(cmd Command) error {
	cmd.ID = 0
	payload, err := encode(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write command %s: %w", cmd.Type, err)
	}
	return nil
}

func encode(cmd Command) ([]byte, error) {
	if cmd.Type == "" {
		return nil, errors.New("command has no type")
	}
	cmd.ID = 0
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command %s: %w", cmd.Type, err)
	}
	return payload, nil
}

// OnLine handles one inbound line.
func (c *Channel) OnLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		if c.hooks.OnNoise != nil {
			c.hooks.OnNoise(string(trimmed))
		}
		return
	}

	if !gjson.ValidBytes(trimmed) {
		perr := &ProtocolError{Line: string(trimmed), Err: errors.New("invalid JSON")}
		c.logger.Warn("unparseable worker line", "error", perr)
		if c.hooks.OnProtocolError != nil {
			c.hooks.OnProtocolError(perr)
		}
		return
	}

	switch typ := MessageType(gjson.GetBytes(trimmed, "type").String()); typ {
	case TypeReady:
		if c.hooks.OnReady != nil {
			c.hooks.OnReady()
		}
	case TypeResponse:
		id := gjson.GetBytes(trimmed, "id").Uint()
		c.resolve(id, rawField(trimmed, "response"))
	case TypeEvent:
		if c.hooks.OnEvent != nil {
			c.hooks.OnEvent(rawField(trimmed, "event"))
		}
	case TypeError:
		msg := gjson.GetBytes(trimmed, "message").String()
		c.logger.Error("worker reported error", "message", msg)
		if c.hooks.OnWorkerError != nil {
			c.hooks.OnWorkerError(msg)
		}
	default:
		c.logger.Debug("ignoring message", "type", string(typ))
	}
}

func rawField(line []byte, path string) json.RawMessage {
	r := gjson.GetBytes(line, path)
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func (c *Channel) resolve(id uint64, response json.RawMessage) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown id", "id", id)
		return
	}
	c.logger.Debug("received response", "type", pc.typ, "id", id, "elapsed", time.Since(pc.submitted))
	pc.result <- Result{Response: response}
}

// ReadFrom feeds every line read from r to OnLine until r is exhausted. A
// final line without a trailing newline is still delivered. It returns nil
// at end of input.
func (c *Channel) ReadFrom(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			c.OnLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close fails every pending command with ErrChannelClosed wrapping cause and
// closes the writer. Later calls are no-ops.
func (c *Channel) Close(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCommand)
	close(c.done)
	c.mu.Unlock()

	for id, pc := range pending {
		c.logger.Debug("failing pending command", "type", pc.typ, "id", id)
		pc.result <- Result{Err: &closedError{cause: cause}}
	}

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed by Close.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of commands awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
