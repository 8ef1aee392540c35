package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream moves whole frames. ReadMessage is called from one goroutine;
// WriteMessage calls are serialized by the Conn.
type Stream interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 << 20

// maxHeaderLine bounds one line of a Content-Length header block.
const maxHeaderLine = 8 << 10

var noDeadline time.Time

// ErrFrameTooLarge is returned when a frame exceeds the stream's size limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameError reports a single frame that could not be read. The stream has
// skipped past it and the next ReadMessage continues with the following frame.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return "malformed frame: " + e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// StreamOption configures a LineStream or HeaderStream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	maxFrame int
}

// WithMaxFrameSize overrides MaxFrameSize for inbound frames.
func WithMaxFrameSize(n int) StreamOption {
	return func(c *streamConfig) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

func newStreamConfig(opts []StreamOption) streamConfig {
	cfg := streamConfig{maxFrame: MaxFrameSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func closersOf(r io.Reader, w io.Writer) closers {
	var cs closers
	if c, ok := r.(io.Closer); ok {
		cs = append(cs, c)
	}
	if c, ok := w.(io.Closer); ok {
		cs = append(cs, c)
	}
	return cs
}

// readLine reads up to and including the next newline, keeping at most limit
// bytes. A longer line is consumed and discarded, and reported with
// tooLong set.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		var chunk []byte
		chunk, err = r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

// LineStream frames messages as newline-delimited JSON.
type LineStream struct {
	r        *bufio.Reader
	w        io.Writer
	closers  closers
	maxFrame int
}

// NewLineStream creates a newline-delimited stream over r and w. Both are
// closed by Close when they implement io.Closer.
func NewLineStream(r io.Reader, w io.Writer, opts ...StreamOption) *LineStream {
	cfg := newStreamConfig(opts)
	return &LineStream{r: bufio.NewReader(r), w: w, closers: closersOf(r, w), maxFrame: cfg.maxFrame}
}

// ReadMessage returns the next non-blank line. An oversize line is dropped
// without being buffered and reported as a FrameError.
func (s *LineStream) ReadMessage(_ context.Context) ([]byte, error) {
	for {
		line, tooLong, err := readLine(s.r, s.maxFrame)
		if tooLong {
			return nil, &FrameError{Err: ErrFrameTooLarge}
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// WriteMessage writes data followed by a newline.
func (s *LineStream) WriteMessage(_ context.Context, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := s.w.Write(buf)
	return err
}

// Close closes the underlying reader and writer.
func (s *LineStream) Close() error {
	return s.closers.Close()
}

// HeaderStream frames messages with a Content-Length header block.
type HeaderStream struct {
	br       *bufio.Reader
	w        io.Writer
	closers  closers
	maxFrame int
}

// NewHeaderStream creates a Content-Length framed stream over r and w.
func NewHeaderStream(r io.Reader, w io.Writer, opts ...StreamOption) *HeaderStream {
	cfg := newStreamConfig(opts)
	return &HeaderStream{br: bufio.NewReader(r), w: w, closers: closersOf(r, w), maxFrame: cfg.maxFrame}
}

// ReadMessage reads one header block and its body. A malformed block is
// skipped up to its terminating blank line and reported as a FrameError;
// the following read resynchronizes on the next Content-Length header.
func (s *HeaderStream) ReadMessage(_ context.Context) ([]byte, error) {
	n, err := s.readHeader()
	if err != nil {
		return nil, err
	}
	if n > s.maxFrame {
		if _, err := io.CopyN(io.Discard, s.br, int64(n)); err != nil {
			return nil, fmt.Errorf("failed to read frame body: %w", err)
		}
		return nil, &FrameError{Err: ErrFrameTooLarge}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.br, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}

const contentLengthKey = "content-length:"

func (s *HeaderStream) readHeader() (int, error) {
	length := -1
	var bad error
	started := false
	for {
		raw, tooLong, err := readLine(s.br, maxHeaderLine)
		if err != nil {
			if errors.Is(err, io.EOF) && !started && len(bytes.TrimSpace(raw)) == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("failed to read frame header: %w", err)
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if tooLong {
			started = true
			bad = errors.New("frame header line too long")
			continue
		}
		if line == "" {
			if !started {
				continue
			}
			switch {
			case bad != nil:
				return 0, &FrameError{Err: bad}
			case length < 0:
				return 0, &FrameError{Err: errors.New("frame header missing Content-Length")}
			}
			return length, nil
		}
		// Bytes left over from a previous bad frame may run into the next
		// header on the same line.
		if i := indexContentLength(line); i > 0 && !isHeaderNameByte(line[i-1]) {
			line, length, bad = line[i:], -1, nil
		}
		started = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			bad = fmt.Errorf("malformed header line %q", line)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		value = strings.TrimSpace(value)
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			bad = fmt.Errorf("invalid Content-Length %q", value)
			continue
		}
		length = n
	}
}

// indexContentLength returns the byte offset of the first case-insensitive
// "Content-Length:" in line, or -1.
func indexContentLength(line string) int {
	for i := 0; i+len(contentLengthKey) <= len(line); i++ {
		if strings.EqualFold(line[i:i+len(contentLengthKey)], contentLengthKey) {
			return i
		}
	}
	return -1
}

func isHeaderNameByte(b byte) bool {
	return b == '-' || b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// WriteMessage writes a header block followed by data.
func (s *HeaderStream) WriteMessage(_ context.Context, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(data))
	buf.Write(data)
	_, err := s.w.Write(buf.Bytes())
	return err
}

// Close closes the underlying reader and writer.
func (s *HeaderStream) Close() error {
	return s.closers.Close()
}

// WebSocketStream carries one frame per text message.
type WebSocketStream struct {
	conn *websocket.Conn
}

// NewWebSocketStream wraps an established websocket connection.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocketStream{conn: conn}
}

// ReadMessage returns the next data message. A normal close reads as io.EOF.
func (s *WebSocketStream) ReadMessage(_ context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage sends data as a text message.
func (s *WebSocketStream) WriteMessage(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer func() { _ = s.conn.SetWriteDeadline(noDeadline) }()
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (s *WebSocketStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, noDeadline)
	return s.conn.Close()
}

type pipeStream struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory streams. Closing either end closes both.
func Pipe() (Stream, Stream) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeStream{in: ba, out: ab, done: done, once: once},
		&pipeStream{in: ab, out: ba, done: done, once: once}
}

func (p *pipeStream) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeStream) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- bytes.Clone(data):
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeStream) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
