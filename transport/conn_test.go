package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-exthost/transport"
)

var quiet = transport.WithLogger(slog.New(slog.DiscardHandler))

// connPair serves two connected Conns until the test ends.
func connPair(t *testing.T, serverOpts ...transport.Option) (client, server *transport.Conn) {
	t.Helper()
	a, b := transport.Pipe()
	client = transport.NewConn(a, quiet)
	server = transport.NewConn(b, append([]transport.Option{quiet}, serverOpts...)...)
	serve(t, client)
	serve(t, server)
	return client, server
}

func serve(t *testing.T, c *transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// rawPeer returns a Conn served against a stream the test drives by hand.
func rawPeer(t *testing.T, opts ...transport.Option) (*transport.Conn, transport.Stream) {
	t.Helper()
	a, b := transport.Pipe()
	c := transport.NewConn(a, append([]transport.Option{quiet}, opts...)...)
	serve(t, c)
	return c, b
}

func readMessage(t *testing.T, s transport.Stream) transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.ReadMessage(ctx)
	require.NoError(t, err)
	var msg transport.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeRaw(t *testing.T, s transport.Stream, frame string) {
	t.Helper()
	require.NoError(t, s.WriteMessage(context.Background(), []byte(frame)))
}

func TestConn_RequestResponse(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	server.OnRequest("math.add", func(_ context.Context, params json.RawMessage) (any, error) {
		var args []int
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, transport.NewError(transport.CodeInvalidParams, "want array of ints")
		}
		sum := 0
		for _, n := range args {
			sum += n
		}
		return sum, nil
	})

	var sum int
	require.NoError(t, client.Call(context.Background(), "math.add", []int{1, 2, 3}, &sum))
	assert.Equal(t, 6, sum)

	err := client.Call(context.Background(), "math.add", "nope", &sum)
	require.ErrorIs(t, err, transport.ErrInvalidParams)
	assert.Zero(t, client.Pending())
}

func TestConn_MethodNotFound(t *testing.T) {
	t.Parallel()

	client, _ := connPair(t)
	_, err := client.SendRequest(context.Background(), "no.such", nil)
	require.ErrorIs(t, err, transport.ErrMethodNotFound)

	var wire *transport.Error
	require.ErrorAs(t, err, &wire)
	assert.Contains(t, wire.Message, "no.such")
}

func TestConn_ErrorMapping(t *testing.T) {
	t.Parallel()

	errDomain := errors.New("domain failure")
	client, server := connPair(t, transport.WithErrorMapper(func(err error) *transport.Error {
		if errors.Is(err, errDomain) {
			return transport.NewError(transport.CodeNotFound, "%s", err.Error())
		}
		return nil
	}))
	server.OnRequest("mapped", func(context.Context, json.RawMessage) (any, error) { return nil, errDomain })
	server.OnRequest("plain", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("oops") })

	_, err := client.SendRequest(context.Background(), "mapped", nil)
	var wire *transport.Error
	require.ErrorAs(t, err, &wire)
	assert.Equal(t, transport.CodeNotFound, wire.Code)

	_, err = client.SendRequest(context.Background(), "plain", nil)
	require.ErrorIs(t, err, transport.ErrInternal)
	assert.Contains(t, err.Error(), "oops")
}

func TestConn_HandlerPanicAnswersInternalError(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	server.OnRequest("explode", func(context.Context, json.RawMessage) (any, error) { panic("kaboom") })

	_, err := client.SendRequest(context.Background(), "explode", nil)
	require.ErrorIs(t, err, transport.ErrInternal)

	// The connection keeps working.
	server.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	var out string
	require.NoError(t, client.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "pong", out)
}

func TestConn_Timeout(t *testing.T) {
	t.Parallel()

	c, _ := rawPeer(t)

	start := time.Now()
	_, err := c.SendRequest(context.Background(), "slow", nil, transport.WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, c.Pending())
}

func TestConn_ResponsesMatchByID(t *testing.T) {
	t.Parallel()

	c, peer := rawPeer(t)

	type outcome struct {
		method string
		result string
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, m := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out string
			if err := c.Call(context.Background(), m, nil, &out); err == nil {
				results <- outcome{method: m, result: out}
			}
		}()
	}

	reqs := []transport.Message{readMessage(t, peer), readMessage(t, peer)}

	// Unknown ids are dropped without disturbing pending calls.
	writeRaw(t, peer, `{"jsonrpc":"2.0","id":999,"result":"stray"}`)

	// Answer in reverse order.
	for i := len(reqs) - 1; i >= 0; i-- {
		resp, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": reqs[i].ID, "result": reqs[i].Method + "-ok"})
		require.NoError(t, err)
		writeRaw(t, peer, string(resp))
	}

	wg.Wait()
	close(results)
	got := map[string]string{}
	for r := range results {
		got[r.method] = r.result
	}
	assert.Equal(t, map[string]string{"first": "first-ok", "second": "second-ok"}, got)
	assert.Zero(t, c.Pending())
}

func TestConn_MalformedFrames(t *testing.T) {
	t.Parallel()

	c, peer := rawPeer(t)
	c.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })

	writeRaw(t, peer, `{not json`)
	msg := readMessage(t, peer)
	require.NotNil(t, msg.Error)
	assert.Equal(t, transport.CodeParseError, msg.Error.Code)
	assert.JSONEq(t, `null`, string(msg.ID))

	writeRaw(t, peer, `{"jsonrpc":"2.0","id":7}`)
	msg = readMessage(t, peer)
	require.NotNil(t, msg.Error)
	assert.Equal(t, transport.CodeInvalidRequest, msg.Error.Code)
	assert.JSONEq(t, `7`, string(msg.ID))

	writeRaw(t, peer, `{"jsonrpc":"1.0","id":8,"method":"ping"}`)
	msg = readMessage(t, peer)
	require.NotNil(t, msg.Error)
	assert.Equal(t, transport.CodeInvalidRequest, msg.Error.Code)

	writeRaw(t, peer, `[{"jsonrpc":"2.0","id":9,"method":"ping"}]`)
	msg = readMessage(t, peer)
	require.NotNil(t, msg.Error)
	assert.Equal(t, transport.CodeInvalidRequest, msg.Error.Code)

	// Reading continues after bad frames.
	writeRaw(t, peer, `{"jsonrpc":"2.0","id":"abc","method":"ping"}`)
	msg = readMessage(t, peer)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `"abc"`, string(msg.ID))
	assert.JSONEq(t, `"pong"`, string(msg.Result))
}

func TestConn_Notifications(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	got := make(chan string, 1)
	server.OnNotification("log", func(_ context.Context, params json.RawMessage) {
		var s string
		_ = json.Unmarshal(params, &s)
		got <- s
	})

	require.NoError(t, client.SendNotification(context.Background(), "unhandled", map[string]int{"n": 1}))
	require.NoError(t, client.SendNotification(context.Background(), "log", "hello"))

	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_CloseRejectsPending(t *testing.T) {
	t.Parallel()

	c, peer := rawPeer(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "never", nil)
		errs <- err
	}()
	_ = readMessage(t, peer)

	require.NoError(t, c.Close())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}
	assert.Zero(t, c.Pending())

	_, err := c.SendRequest(context.Background(), "after", nil)
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, c.SendNotification(context.Background(), "after", nil), transport.ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	require.NoError(t, c.Close())
}

func TestConn_ServeEndsOnPeerClose(t *testing.T) {
	t.Parallel()

	a, b := transport.Pipe()
	c := transport.NewConn(a, quiet)
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestConn_RunnerLabelsHandlers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var names []string
	runner := func(name string, fn func()) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		go fn()
	}

	client, server := connPair(t, transport.WithRunner(runner))
	server.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	raw, err := client.SendRequest(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(raw))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rpc ping"}, names)
}

func TestError(t *testing.T) {
	t.Parallel()

	err := transport.NewError(transport.CodeRequestTimeout, "request %s timed out", "x")
	assert.Equal(t, "jsonrpc error -32006: request x timed out", err.Error())
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.NotErrorIs(t, err, transport.ErrClosed)

	withData := err.WithData(map[string]string{"id": "x"})
	assert.JSONEq(t, `{"id":"x"}`, string(withData.Data))
	assert.Empty(t, err.Data)
}
