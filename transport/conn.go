// Package transport implements a bidirectional JSON-RPC 2.0 connection over
// a framed Stream. Either side may issue requests and notifications.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds outbound requests that carry no WithTimeout option.
const DefaultTimeout = 30 * time.Second

// RequestHandler answers an inbound request. The returned value is encoded
// as the result; a non-nil error becomes an error response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes an inbound notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// ErrorMapper converts a handler error into a wire error. Returning nil
// falls back to an internal error.
type ErrorMapper func(err error) *Error

// Runner starts fn in a new goroutine labelled name.
type Runner func(name string, fn func())

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithErrorMapper installs the handler error mapping.
func WithErrorMapper(m ErrorMapper) Option {
	return func(c *Conn) { c.mapError = m }
}

// WithRunner sets how handler goroutines are started.
func WithRunner(r Runner) Option {
	return func(c *Conn) {
		if r != nil {
			c.run = r
		}
	}
}

// CallOption configures a single outbound request.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout bounds a single outbound request.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

type pendingCall struct {
	ch     chan *Message
	method string
}

// Conn is a JSON-RPC connection.
type Conn struct {
	stream   Stream
	logger   *slog.Logger
	mapError ErrorMapper
	run      Runner

	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	pending       map[int64]*pendingCall
	closed        chan struct{}

	timeout   time.Duration
	nextID    atomic.Int64
	handlerMu sync.RWMutex
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewConn creates a connection over stream. Call Serve to start reading.
func NewConn(stream Stream, opts ...Option) *Conn {
	c := &Conn{
		stream:        stream,
		logger:        slog.Default(),
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		pending:       make(map[int64]*pendingCall),
		closed:        make(chan struct{}),
		timeout:       DefaultTimeout,
	}
	c.run = c.goRecover
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) goRecover(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler goroutine panicked", "name", name, "panic", r)
			}
		}()
		fn()
	}()
}

// OnRequest registers the handler for method, replacing any previous one.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.requests[method] = h
}

// OnNotification registers the notification handler for method.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.notifications[method] = h
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Pending returns the number of outbound requests awaiting a response.
func (c *Conn) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendRequest sends method with params and waits for the response, the
// timeout, ctx cancellation or Close, whichever comes first.
func (c *Conn) SendRequest(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	cfg := callConfig{timeout: c.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	call := &pendingCall{ch: make(chan *Message, 1), method: method}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()
	defer c.dropPending(id)

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	if err := c.write(ctx, &Message{JSONRPC: Version, ID: numericID(id), Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-call.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, NewError(CodeRequestTimeout, "request %s (id %d) timed out after %s", method, id, cfg.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Call is SendRequest that decodes the result into result when it is non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	raw, err := c.SendRequest(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// SendNotification sends method without expecting a response.
func (c *Conn) SendNotification(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return ErrClosed
	}
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	return c.write(ctx, &Message{JSONRPC: Version, Method: method, Params: raw})
}

// Close rejects every pending request with ErrClosed and closes the stream.
// It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pendingMu.Lock()
		n := len(c.pending)
		clear(c.pending)
		c.pendingMu.Unlock()
		if n > 0 {
			c.logger.Debug("rejected pending requests on close", "count", n)
		}
		err = c.stream.Close()
	})
	return err
}

// Serve reads frames until the stream ends, ctx is cancelled or Close is
// called. A clean end of stream returns nil. Frames the stream could not
// decode are answered with a parse error and reading continues.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closed:
		}
	}()

	for {
		data, err := c.stream.ReadMessage(ctx)
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			c.logger.Warn("malformed frame", "error", frameErr.Err)
			c.respondError(ctx, nullID, NewError(CodeParseError, "parse error: %v", frameErr.Err))
			continue
		}
		if err != nil {
			closed := c.isClosed()
			_ = c.Close()
			if closed || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		c.logger.Warn("batch requests are not supported")
		c.respondError(ctx, nullID, NewError(CodeInvalidRequest, "batch requests are not supported"))
		return
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		c.logger.Warn("malformed frame", "error", err, "size", len(data))
		c.respondError(ctx, nullID, NewError(CodeParseError, "parse error: %v", err))
		return
	}

	switch msg.Kind() {
	case KindRequest:
		c.dispatchRequest(ctx, &msg)
	case KindNotification:
		c.dispatchNotification(ctx, &msg)
	case KindResponse:
		c.resolve(&msg)
	default:
		if msg.Method == "" && msg.Error != nil {
			c.logger.Warn("peer reported error", "code", msg.Error.Code, "message", msg.Error.Message)
			return
		}
		c.logger.Warn("invalid message", "method", msg.Method, "id", string(msg.ID))
		id := msg.ID
		if len(id) == 0 {
			id = nullID
		}
		c.respondError(ctx, id, NewError(CodeInvalidRequest, "invalid request"))
	}
}

func (c *Conn) dispatchRequest(ctx context.Context, msg *Message) {
	c.handlerMu.RLock()
	h, ok := c.requests[msg.Method]
	c.handlerMu.RUnlock()
	if !ok {
		c.logger.Debug("method not found", "method", msg.Method)
		c.respondError(ctx, msg.ID, NewError(CodeMethodNotFound, "method not found: %s", msg.Method))
		return
	}

	c.run("rpc "+msg.Method, func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("request handler panicked", "method", msg.Method, "panic", r)
				c.respondError(ctx, msg.ID, NewError(CodeInternalError, "internal error"))
				panic(r)
			}
		}()
		result, err := h(ctx, msg.Params)
		if err != nil {
			c.respondError(ctx, msg.ID, c.toWireError(err))
			return
		}
		raw, err := json.Marshal(result)
		if err != nil {
			c.respondError(ctx, msg.ID, NewError(CodeInternalError, "failed to encode result: %v", err))
			return
		}
		c.send(ctx, &Message{JSONRPC: Version, ID: msg.ID, Result: raw})
	})
}

func (c *Conn) dispatchNotification(ctx context.Context, msg *Message) {
	c.handlerMu.RLock()
	h, ok := c.notifications[msg.Method]
	c.handlerMu.RUnlock()
	if !ok {
		c.logger.Debug("dropping notification without handler", "method", msg.Method)
		return
	}
	c.run("notification "+msg.Method, func() {
		h(ctx, msg.Params)
	})
}

func (c *Conn) resolve(msg *Message) {
	id, ok := parseNumericID(msg.ID)
	var call *pendingCall
	if ok {
		c.pendingMu.Lock()
		call = c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}
	if call == nil {
		c.logger.Warn("dropping response for unknown request", "id", string(msg.ID))
		return
	}
	call.ch <- msg
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) toWireError(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	if c.mapError != nil {
		if mapped := c.mapError(err); mapped != nil {
			return mapped
		}
	}
	return NewError(CodeInternalError, "%s", err.Error())
}

func (c *Conn) respondError(ctx context.Context, id json.RawMessage, e *Error) {
	c.send(ctx, &Message{JSONRPC: Version, ID: id, Error: e})
}

// send writes a response. Failures are logged since there is no caller to return them to.
func (c *Conn) send(ctx context.Context, msg *Message) {
	if err := c.write(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("failed to write response", "id", string(msg.ID), "error", err)
	}
}

func (c *Conn) write(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.stream.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
