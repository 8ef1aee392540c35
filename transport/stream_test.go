package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-exthost/transport"
)

func TestLineStream(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\r\n{\"c\":3}")
	var out bytes.Buffer
	s := transport.NewLineStream(in, &out)
	ctx := context.Background()

	for _, want := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
		got, err := s.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := s.ReadMessage(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.WriteMessage(ctx, []byte(`{"x":true}`)))
	assert.Equal(t, "{\"x\":true}\n", out.String())
	require.NoError(t, s.Close())
}

func TestHeaderStream(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	writer := transport.NewHeaderStream(strings.NewReader(""), &wire)
	ctx := context.Background()
	require.NoError(t, writer.WriteMessage(ctx, []byte(`{"id":1}`)))
	require.NoError(t, writer.WriteMessage(ctx, []byte(`{"id":2,"note":"multi\nline"}`)))
	assert.True(t, strings.HasPrefix(wire.String(), "Content-Length: 8\r\n\r\n{\"id\":1}"))

	reader := transport.NewHeaderStream(&wire, io.Discard)
	got, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(got))
	got, err = reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":2,"note":"multi\nline"}`, string(got))
	_, err = reader.ReadMessage(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestHeaderStream_BadHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		want        string
		recoverable bool
	}{
		{name: "missing length", input: "Content-Type: application/json\r\n\r\n{}", want: "missing Content-Length", recoverable: true},
		{name: "bad length", input: "Content-Length: ten\r\n\r\n{}", want: "invalid Content-Length", recoverable: true},
		{name: "no colon", input: "Content-Length 2\r\n\r\n{}", want: "malformed header line", recoverable: true},
		{name: "short body", input: "Content-Length: 10\r\n\r\n{}", want: "failed to read frame body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := transport.NewHeaderStream(strings.NewReader(tt.input), io.Discard)
			_, err := s.ReadMessage(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var frameErr *transport.FrameError
			assert.Equal(t, tt.recoverable, errors.As(err, &frameErr))
		})
	}
}

func TestHeaderStream_ResyncsAfterBadFrame(t *testing.T) {
	t.Parallel()

	input := "Content-Type: application/json\r\n\r\n{\"lost\":1}" +
		"Content-Length: 8\r\n\r\n{\"id\":1}" +
		"Content-Length: 10\r\n\r\n0123456789" +
		"Content-Length: 8\r\n\r\n{\"id\":2}"
	s := transport.NewHeaderStream(strings.NewReader(input), io.Discard, transport.WithMaxFrameSize(8))
	ctx := context.Background()

	var frameErr *transport.FrameError
	_, err := s.ReadMessage(ctx)
	require.ErrorAs(t, err, &frameErr)

	got, err := s.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(got))

	_, err = s.ReadMessage(ctx)
	require.ErrorAs(t, err, &frameErr)
	require.ErrorIs(t, err, transport.ErrFrameTooLarge)

	got, err = s.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":2}`, string(got))

	_, err = s.ReadMessage(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestLineStream_OversizeLineIsSkipped(t *testing.T) {
	t.Parallel()

	input := "{\"a\":1}\n" + strings.Repeat("x", 64<<10) + "\n{\"b\":2}\n"
	s := transport.NewLineStream(strings.NewReader(input), io.Discard, transport.WithMaxFrameSize(16))
	ctx := context.Background()

	got, err := s.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	_, err = s.ReadMessage(ctx)
	var frameErr *transport.FrameError
	require.ErrorAs(t, err, &frameErr)
	require.ErrorIs(t, err, transport.ErrFrameTooLarge)

	got, err = s.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(got))
}

func TestConn_HeaderStreamSurvivesMalformedHeader(t *testing.T) {
	t.Parallel()

	hostIn, peerOut := io.Pipe()
	peerIn, hostOut := io.Pipe()

	host := transport.NewConn(transport.NewHeaderStream(hostIn, hostOut), quiet)
	host.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	serve(t, host)

	peer := transport.NewHeaderStream(peerIn, peerOut)
	_, err := peerOut.Write([]byte("Content-Type: application/json\r\n\r\n"))
	require.NoError(t, err)

	msg := readMessage(t, peer)
	require.NotNil(t, msg.Error)
	assert.Equal(t, transport.CodeParseError, msg.Error.Code)
	assert.JSONEq(t, `null`, string(msg.ID))

	writeRaw(t, peer, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	msg = readMessage(t, peer)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `"pong"`, string(msg.Result))
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConn(transport.NewWebSocketStream(ws), quiet)
		conn.OnRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
			return params, nil
		})
		_ = conn.Serve(r.Context())
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	client := transport.NewConn(transport.NewWebSocketStream(ws), quiet)
	serve(t, client)

	var out map[string]string
	require.NoError(t, client.Call(context.Background(), "echo", map[string]string{"hello": "world"}, &out))
	assert.Equal(t, map[string]string{"hello": "world"}, out)
}

func TestConn_OverLineStream(t *testing.T) {
	t.Parallel()

	// Two io.Pipes emulate a child process's stdin and stdout.
	hostIn, clientOut := io.Pipe()
	clientIn, hostOut := io.Pipe()

	host := transport.NewConn(transport.NewLineStream(hostIn, hostOut), quiet)
	host.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	serve(t, host)

	client := transport.NewConn(transport.NewLineStream(clientIn, clientOut), quiet)
	serve(t, client)

	var out string
	require.NoError(t, client.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "pong", out)
}
