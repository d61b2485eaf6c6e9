package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/transports/routertest"
	"github.com/petal-labs/llmrouter/transports/ws"
)

func setup(t *testing.T, fake *routertest.Fake, opts ...routertest.Option) (*routertest.Server, *ws.Transport) {
	t.Helper()
	srv := routertest.NewServer(fake, opts...)
	t.Cleanup(srv.Close)
	tr := ws.FromConfig(srv.Config(core.ProtocolWebSocket))
	t.Cleanup(func() { _ = tr.Close() })
	return srv, tr
}

func TestLazyConnect(t *testing.T) {
	srv, tr := setup(t, routertest.NewFake())
	assert.Equal(t, 0, srv.Peers())

	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Peers())

	_, err = tr.CallUnary(context.Background(), &core.Call{Op: core.OpStatus})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Peers(), "calls share one connection")
}

func TestConcurrentCallsAreMultiplexed(t *testing.T) {
	fake := routertest.NewFake()
	fake.Delay = func(req core.InferenceRequest) time.Duration {
		if req.Prompt == "slow" {
			return 100 * time.Millisecond
		}
		return 0
	}
	_, tr := setup(t, fake)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, prompt := range []string{"slow", "fast"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpInference, Body: core.InferenceRequest{Prompt: prompt}})
			if err != nil {
				results[i] = err.Error()
				return
			}
			var resp core.InferenceResponse
			_ = json.Unmarshal(raw, &resp)
			results[i] = resp.Text
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"Echo: slow", "Echo: fast"}, results)
}

func TestErrorFrames(t *testing.T) {
	_, tr := setup(t, routertest.NewFake())

	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpGetModel, RequestID: "req-9", Body: map[string]string{"model_id": "missing"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrModelNotFound)

	var re *core.RouterError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "model_not_found", re.Code)
	assert.Equal(t, "websocket", re.Transport)
	assert.Equal(t, "req-9", re.RequestID)
}

func TestHandshakeRejected(t *testing.T) {
	srv := routertest.NewServer(routertest.NewFake(), routertest.WithAPIKey("rk-ws"))
	defer srv.Close()

	tr := ws.New(ws.WithURL(srv.WebSocketURL()), ws.WithAPIKey("wrong"))
	defer tr.Close()

	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestStream(t *testing.T) {
	fake := routertest.NewFake()
	fake.SetReply("count", "one two three")
	_, tr := setup(t, fake)

	s, err := tr.CallStream(context.Background(), &core.Call{Op: core.OpStreamInference, Body: core.InferenceRequest{Prompt: "count"}})
	require.NoError(t, err)
	defer s.Close()

	var chunks []core.StreamChunk
	for {
		raw, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var c core.StreamChunk
		require.NoError(t, json.Unmarshal(raw, &c))
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 4)
	assert.Equal(t, "one", chunks[0].Token)
	assert.True(t, chunks[3].IsComplete)
}

func TestStreamErrorResponse(t *testing.T) {
	fake := routertest.NewFake()
	fake.SetReply("count", "one two three")
	fake.FailStreamAfter(1, &core.RouterError{Kind: core.ErrInference, Message: "gpu fault"})
	_, tr := setup(t, fake)

	s, err := tr.CallStream(context.Background(), &core.Call{Op: core.OpStreamInference, Body: core.InferenceRequest{Prompt: "count"}})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	assert.ErrorIs(t, err, core.ErrInference)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventsAndRooms(t *testing.T) {
	srv, a := setup(t, routertest.NewFake())
	b := ws.FromConfig(srv.Config(core.ProtocolWebSocket))
	defer b.Close()
	ctx := context.Background()

	loaded := make(chan core.Event, 1)
	unsubscribe := a.Subscribe(core.EventModelLoaded, func(ev core.Event) { loaded <- ev })
	defer unsubscribe()

	rooms := make(chan ws.RoomMessage, 1)
	b.Subscribe(core.EventRoomMessage, func(ev core.Event) {
		var msg ws.RoomMessage
		if ev.Decode(&msg) == nil {
			rooms <- msg
		}
	})

	require.NoError(t, b.JoinRoom(ctx, "ops"))
	_, err := a.CallUnary(ctx, &core.Call{Op: core.OpLoadModel, Body: core.LoadModelRequest{Source: "./models/llama-7b.gguf", Format: core.FormatGGUF, ID: "llama-7b"}})
	require.NoError(t, err)

	select {
	case ev := <-loaded:
		var info core.ModelInfo
		require.NoError(t, ev.Decode(&info))
		assert.Equal(t, core.ModelID("llama-7b"), info.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("model_loaded event not delivered")
	}

	require.NoError(t, a.SendToRoom(ctx, "ops", map[string]string{"text": "deploy done"}))
	select {
	case msg := <-rooms:
		assert.Equal(t, "ops", msg.Room)
		assert.JSONEq(t, `{"text":"deploy done"}`, string(msg.Message))
	case <-time.After(2 * time.Second):
		t.Fatal("room message not delivered")
	}

	require.NoError(t, b.LeaveRoom(ctx, "ops"))
}

func TestCloseCodeFailsPendingCalls(t *testing.T) {
	fake := routertest.NewFake()
	fake.Delay = func(req core.InferenceRequest) time.Duration { return 5 * time.Second }
	srv, tr := setup(t, fake)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpInference, Body: core.InferenceRequest{Prompt: "slow"}})
		errc <- err
	}()
	require.Eventually(t, func() bool { return fake.Calls(core.OpInference) == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.CloseConnections(websocket.CloseInternalServerErr, "worker crashed")
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrInference)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}

	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.NoError(t, err, "next call redials")
}

func TestCloseFailsPendingWithNetworkError(t *testing.T) {
	fake := routertest.NewFake()
	fake.Delay = func(req core.InferenceRequest) time.Duration { return 5 * time.Second }
	_, tr := setup(t, fake)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpInference, Body: core.InferenceRequest{Prompt: "slow"}})
		errc <- err
	}()
	require.Eventually(t, func() bool { return fake.Calls(core.OpInference) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrNetwork)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}

	_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrClientClosed)
}

func TestCallTimeout(t *testing.T) {
	fake := routertest.NewFake()
	fake.Delay = func(req core.InferenceRequest) time.Duration { return time.Second }
	_, tr := setup(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.CallUnary(ctx, &core.Call{Op: core.OpInference, Body: core.InferenceRequest{Prompt: "slow"}})
	assert.ErrorIs(t, err, core.ErrTimeout)
}

// stalledListener accepts connections and never answers the handshake.
func stalledListener(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan struct{}, 8)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			accepted <- struct{}{}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "ws://" + ln.Addr().String() + "/ws", accepted
}

func TestStalledHandshakeDoesNotBlockOtherCallers(t *testing.T) {
	url, accepted := stalledListener(t)
	dialer := &websocket.Dialer{HandshakeTimeout: time.Second}
	tr := ws.New(ws.WithURL(url), ws.WithDialer(dialer))

	first := make(chan error, 1)
	go func() {
		_, err := tr.CallUnary(context.Background(), &core.Call{Op: core.OpHealth})
		first <- err
	}()
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("first caller never dialed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.CallUnary(ctx, &core.Call{Op: core.OpHealth})
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "second caller waited for the stalled dial")

	start = time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Close waited for the stalled dial")

	select {
	case err := <-first:
		assert.ErrorIs(t, err, core.ErrClientClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("first caller never returned")
	}
}

func TestClientEvents(t *testing.T) {
	srv, tr := setup(t, routertest.NewFake())
	client := core.NewClient(tr, core.WithConfig(srv.Config(core.ProtocolWebSocket)))
	defer client.Close()

	unloaded := make(chan struct{}, 1)
	unsubscribe, err := client.On(core.EventModelUnloaded, func(core.Event) { unloaded <- struct{}{} })
	require.NoError(t, err)
	defer unsubscribe()

	res, err := client.UnloadModel(context.Background(), routertest.DefaultModel, false)
	require.NoError(t, err)
	assert.True(t, res.Success)

	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("model_unloaded event not delivered")
	}
}
