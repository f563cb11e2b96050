package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ddp/pkg/client"
	"github.com/lightforgemedia/go-ddp/pkg/collection"
	"github.com/lightforgemedia/go-ddp/pkg/ejson"
	"github.com/lightforgemedia/go-ddp/pkg/message"
	"github.com/lightforgemedia/go-ddp/pkg/metrics"
	"github.com/lightforgemedia/go-ddp/pkg/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// serve returns a handler that completes the handshake with session and then
// passes every client message to fn.
func serve(session string, fn func(sc *testutil.ServerConn, m message.Message)) func(sc *testutil.ServerConn) {
	return func(sc *testutil.ServerConn) {
		sc.Serve(session, fn)
	}
}

func TestConnectRejectedVersion(t *testing.T) {
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if _, err := testutil.Expect[message.Connect](sc); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		sc.Send(message.Failed{Version: "pre2"})
	})

	cli := testutil.NewTestClientWithOptions(t, ms.WsURL, testutil.ClientOptions{Logger: true})
	err := cli.Connect(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrProtocolVersion)

	var pv *client.ProtocolVersionError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "pre2", pv.Version)
	assert.Equal(t, client.Disconnected, cli.State())
}

func TestConnectHandshake(t *testing.T) {
	hellos := make(chan message.Connect, 1)
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if err := sc.Handshake("S1"); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		hellos <- sc.Hello
	})

	cli := testutil.NewTestClient(t, ms.WsURL)
	assert.Equal(t, client.Connected, cli.State())
	assert.Equal(t, "S1", cli.Session())

	hello := <-hellos
	assert.Equal(t, "1", hello.Version)
	assert.Equal(t, []string{"1"}, hello.Support)
	assert.Empty(t, hello.Session)

	// Connecting again while connected is a no-op.
	require.NoError(t, cli.Connect(testCtx(t)))
	assert.Equal(t, 1, ms.Accepted())
}

func TestHandshakeAnswersPingAndIgnoresOtherMessages(t *testing.T) {
	pongs := make(chan message.Pong, 1)
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if _, err := testutil.Expect[message.Connect](sc); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		sc.Send(message.Added{Collection: "early", ID: "1"})
		sc.Send(message.Ping{ID: "hs"})
		pong, err := testutil.Expect[message.Pong](sc)
		if err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		pongs <- pong
		sc.Send(message.Connected{Session: "S1"})
	})

	cli := testutil.NewTestClient(t, ms.WsURL)
	assert.Equal(t, message.Pong{ID: "hs"}, <-pongs)
	assert.Equal(t, 0, cli.Collection("early").Len())
}

func TestSubscribeDeliversDataThenReady(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		sub, ok := m.(message.Sub)
		if !ok || sub.Name != "lists" {
			return
		}
		sc.Send(message.Added{Collection: "lists", ID: "a", Fields: map[string]any{"x": 1}})
		sc.Send(message.Changed{Collection: "lists", ID: "a", Fields: map[string]any{"x": 2}})
		sc.Send(message.Ready{Subs: []string{sub.ID}})
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	sub, err := cli.Subscribe(ctx, "lists")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))
	assert.Equal(t, client.SubscriptionReady, sub.State())

	doc, ok := cli.Collection("lists").Get("a")
	require.True(t, ok)
	assert.Equal(t, 2.0, doc["x"])
	assert.Equal(t, "a", doc.ID())
}

func TestSubscribeSendsParamsAsEJSON(t *testing.T) {
	subs := make(chan message.Sub, 1)
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		if sub, ok := m.(message.Sub); ok {
			subs <- sub
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)

	when := time.UnixMilli(1700000000000).UTC()
	_, err := cli.Subscribe(testCtx(t), "since", when, "tag")
	require.NoError(t, err)

	sub := <-subs
	assert.Equal(t, "since", sub.Name)
	assert.Equal(t, []any{map[string]any{"$date": 1700000000000.0}, "tag"}, sub.Params)
}

func TestSubscriptionDenied(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		sub, ok := m.(message.Sub)
		if !ok {
			return
		}
		if sub.Name == "secret" {
			sc.Send(message.NoSub{ID: sub.ID, Error: &message.Error{Code: 404, Reason: "Subscription 'secret' not found"}})
		} else {
			sc.Send(message.NoSub{ID: sub.ID})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	sub, err := cli.Subscribe(ctx, "secret")
	require.NoError(t, err)
	err = sub.Wait(ctx)
	assert.ErrorIs(t, err, client.ErrSubscriptionDenied)
	var se *client.SubscriptionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404.0, se.Payload.Code)
	assert.Equal(t, "Subscription 'secret' not found", se.Payload.Reason)
	assert.Equal(t, client.SubscriptionErrored, sub.State())

	other, err := cli.Subscribe(ctx, "other")
	require.NoError(t, err)
	err = other.Wait(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Denied by server for unspecified reason.", se.Payload.Text())
}

func TestUnsubscribe(t *testing.T) {
	unsubs := make(chan message.Unsub, 1)
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		switch m := m.(type) {
		case message.Sub:
			sc.Send(message.Ready{Subs: []string{m.ID}})
		case message.Unsub:
			unsubs <- m
			sc.Send(message.NoSub{ID: m.ID})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	sub, err := cli.Subscribe(ctx, "lists")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))

	assert.False(t, sub.Stopped())
	require.NoError(t, sub.Unsubscribe(ctx))
	assert.Equal(t, sub.ID, (<-unsubs).ID)
	assert.True(t, sub.Stopped())

	// The confirming nosub leaves a ready subscription untouched.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, client.SubscriptionReady, sub.State())
	assert.NoError(t, sub.Err())
	assert.NoError(t, cli.Unsubscribe(ctx, nil))
}

func TestCallReturnsResult(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		call, ok := m.(message.Method)
		if !ok {
			return
		}
		switch call.Method {
		case "echo":
			raw, _ := json.Marshal(call.Params)
			sc.Send(message.Result{ID: call.ID, Result: raw})
		case "when":
			sc.Send(message.Result{ID: call.ID, Result: json.RawMessage(`{"at":{"$date":1000},"n":7}`)})
		case "nothing":
			sc.Send(message.Result{ID: call.ID})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	v, err := cli.Call(ctx, "echo", 1, "two", []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, "two", []byte{0x01, 0x02}}, v)

	v, err = cli.Call(ctx, "when")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"at": time.UnixMilli(1000).UTC(), "n": 7.0}, v)

	v, err = cli.Call(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, v)

	type when struct {
		At ejson.Date `json:"at"`
		N  int        `json:"n"`
	}
	typed, err := client.CallAs[when](cli, ctx, "when")
	require.NoError(t, err)
	assert.Equal(t, 7, typed.N)
	assert.True(t, typed.At.Time.Equal(time.UnixMilli(1000)))

	var into when
	require.NoError(t, cli.CallInto(ctx, &into, "nothing"))
	assert.Equal(t, when{}, into)
}

func TestCallRemoteError(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		if call, ok := m.(message.Method); ok {
			sc.Send(message.Result{ID: call.ID, Error: &message.Error{Code: "err", Message: "bad", Details: map[string]any{"field": "name"}}})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)

	_, err := cli.Call(testCtx(t), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrRemoteMethod)

	var rme *client.RemoteMethodError
	require.ErrorAs(t, err, &rme)
	assert.Equal(t, "bad", rme.Message)
	assert.Equal(t, "m", rme.Method)
	assert.Equal(t, "err", rme.Code)
	assert.Equal(t, map[string]any{"field": "name"}, rme.Details)
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	const n = 5
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if err := sc.Handshake("S1"); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		var calls []message.Method
		for len(calls) < n {
			call, err := testutil.Expect[message.Method](sc)
			if err != nil {
				t.Errorf("MockServer: %v", err)
				return
			}
			calls = append(calls, call)
		}
		for i := len(calls) - 1; i >= 0; i-- {
			raw, _ := json.Marshal(calls[i].Params[0])
			sc.Send(message.Result{ID: calls[i].ID, Result: raw})
		}
	})
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cli.Call(ctx, "identity", fmt.Sprintf("req-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("req-%d", i), results[i])
	}
}

func TestCallAbandonedByContext(t *testing.T) {
	release := make(chan struct{})
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		if call, ok := m.(message.Method); ok {
			go func() {
				<-release
				sc.Send(message.Result{ID: call.ID, Result: json.RawMessage(`"late"`)})
			}()
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cli.Call(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, client.Connected, cli.State())
	assert.Equal(t, 1, cli.PendingCalls())

	close(release)
	require.NoError(t, testutil.WaitFor(t, "late result", 5*time.Second, func() bool {
		return cli.PendingCalls() == 0
	}))
}

func TestServerPingIsAnswered(t *testing.T) {
	pongs := make(chan message.Pong, 2)
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if err := sc.Handshake("S1"); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		for _, id := range []string{"p1", ""} {
			sc.Send(message.Ping{ID: id})
			pong, err := testutil.Expect[message.Pong](sc)
			if err != nil {
				t.Errorf("MockServer: %v", err)
				return
			}
			pongs <- pong
		}
	})
	testutil.NewTestClient(t, ms.WsURL)

	assert.Equal(t, message.Pong{ID: "p1"}, <-pongs)
	assert.Equal(t, message.Pong{}, <-pongs)
}

func TestClientPingLoop(t *testing.T) {
	pings := make(chan message.Ping, 1)
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if err := sc.Handshake("S1"); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		ping, err := testutil.Expect[message.Ping](sc)
		if err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		pings <- ping
	})
	testutil.NewTestClient(t, ms.WsURL, client.WithPingInterval(50*time.Millisecond))

	select {
	case ping := <-pings:
		assert.NotEmpty(t, ping.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never pinged")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", nil))
	opts := testutil.DefaultClientOptions()
	opts.Connect = false
	cli := testutil.NewTestClientWithOptions(t, ms.WsURL, opts)
	ctx := testCtx(t)

	_, err := cli.Call(ctx, "m")
	assert.ErrorIs(t, err, client.ErrNotConnected)
	_, err = cli.Subscribe(ctx, "lists")
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.ErrorIs(t, cli.CallInto(ctx, nil, "m"), client.ErrNotConnected)

	assert.Equal(t, client.Disconnected, cli.State())
	assert.Equal(t, 0, ms.Accepted(), "no I/O may happen before Connect")
	assert.NoError(t, cli.Disconnect())
	assert.NoError(t, cli.WaitDisconnected(ctx))
}

func TestIgnoresUnusableFrames(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		call, ok := m.(message.Method)
		if !ok {
			return
		}
		sc.SendRaw(`not json`)
		sc.SendRaw(`["msg","added"]`)
		sc.SendRaw(`{"msg":"somethingNew","id":"1"}`)
		sc.SendRaw(`{"id":"no tag"}`)
		sc.SendRaw(`{"msg":"added","id":"x"}`)
		sc.SendRaw(`{"msg":"updated","methods":["` + call.ID + `"]}`)
		sc.SendRaw(`{"msg":"error","reason":"bad request"}`)
		sc.SendRaw(`{"msg":"pong"}`)
		sc.SendRaw(`{"msg":"connected","session":"late"}`)
		sc.Send(message.Changed{Collection: "c", ID: "missing", Fields: map[string]any{"x": 1}})
		sc.Send(message.Removed{Collection: "c", ID: "missing"})
		sc.Send(message.Ready{Subs: []string{"unknown-sub"}})
		sc.Send(message.Result{ID: "unknown-call"})
		sc.Send(message.Added{Collection: "c", ID: "1", Fields: map[string]any{"ok": true}})
		sc.Send(message.Result{ID: call.ID, Result: json.RawMessage(`"done"`)})
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)

	v, err := cli.Call(testCtx(t), "poke")
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, client.Connected, cli.State())
	assert.Equal(t, "S1", cli.Session())

	c := cli.Collection("c")
	assert.Equal(t, []string{"1"}, c.IDs())
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestLocalDisconnect(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", nil))
	cli := testutil.NewTestClient(t, ms.WsURL)

	waited := make(chan error, 1)
	go func() {
		waited <- cli.WaitDisconnected(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cli.Disconnect())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitDisconnected did not return")
	}
	assert.Equal(t, client.Disconnected, cli.State())

	select {
	case <-cli.Done():
	default:
		t.Fatal("Done channel not closed")
	}
	assert.NoError(t, cli.Disconnect())
}

func TestConnectionLossFailsPendingRequests(t *testing.T) {
	received := make(chan struct{}, 2)
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		received <- struct{}{}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	sub, err := cli.Subscribe(ctx, "never-ready")
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		_, err := cli.Call(ctx, "never-answered")
		callErr <- err
	}()
	<-received
	<-received

	ms.CloseCurrentConnection()

	err = cli.WaitDisconnected(ctx)
	assert.ErrorIs(t, err, client.ErrConnectionLost)
	assert.ErrorIs(t, <-callErr, client.ErrConnectionLost)
	assert.ErrorIs(t, sub.Wait(ctx), client.ErrConnectionLost)
	assert.Equal(t, client.SubscriptionErrored, sub.State())
	assert.Equal(t, client.Disconnected, cli.State())

	// The cause stays available until the next Connect.
	assert.ErrorIs(t, cli.WaitDisconnected(ctx), client.ErrConnectionLost)

	var ce websocket.CloseError
	if errors.As(err, &ce) {
		assert.Equal(t, websocket.StatusGoingAway, ce.Code)
	}
}

func TestReconnectResetsCacheAndResumesSession(t *testing.T) {
	hellos := make(chan message.Connect, 2)
	ms := testutil.NewMockServer(t, func(sc *testutil.ServerConn) {
		if err := sc.Handshake("S1"); err != nil {
			t.Errorf("MockServer: %v", err)
			return
		}
		hellos <- sc.Hello
		sc.Loop(func(sc *testutil.ServerConn, m message.Message) {
			if sub, ok := m.(message.Sub); ok {
				sc.Send(message.Added{Collection: "lists", ID: "a", Fields: map[string]any{"name": "first"}})
				sc.Send(message.Ready{Subs: []string{sub.ID}})
			}
		})
	})
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)
	assert.Empty(t, (<-hellos).Session)

	sub, err := cli.Subscribe(ctx, "lists")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))
	require.Equal(t, 1, cli.Collection("lists").Len())

	obs := cli.Collection("lists").Observe()
	defer obs.Close()

	ms.CloseCurrentConnection()
	assert.ErrorIs(t, cli.WaitDisconnected(ctx), client.ErrConnectionLost)
	assert.Equal(t, 1, cli.Collection("lists").Len(), "cache survives until the next session")

	require.NoError(t, cli.Connect(ctx))
	assert.Equal(t, "S1", (<-hellos).Session)
	assert.Equal(t, 0, cli.Collection("lists").Len())

	select {
	case ev := <-obs.Events():
		assert.Equal(t, collection.Event{Type: collection.EventRemoved, Collection: "lists", ID: "a"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no removal event after reset")
	}

	sub, err = cli.Subscribe(ctx, "lists")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))
	doc, ok := cli.Collection("lists").Get("a")
	require.True(t, ok)
	assert.Equal(t, "first", doc["name"])
}

func reserveAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRefusedConnectionRetriesUntilContextDone(t *testing.T) {
	m := metrics.New("ddp_refused_test")
	opts := testutil.DefaultClientOptions()
	opts.Connect = false
	cli := testutil.NewTestClientWithOptions(t, "ws://"+reserveAddr(t), opts, client.WithMetrics(m))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := cli.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrTransportRefused)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, client.Disconnected, cli.State())
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.ConnectAttempts.WithLabelValues("refused")), 2.0)
}

func TestRefusedConnectionSucceedsOnceServerListens(t *testing.T) {
	addr := reserveAddr(t)
	opts := testutil.DefaultClientOptions()
	opts.Connect = false
	cli := testutil.NewTestClientWithOptions(t, "ws://"+addr, opts)

	connected := make(chan error, 1)
	go func() {
		connected <- cli.Connect(testCtx(t))
	}()

	time.Sleep(200 * time.Millisecond)
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	testutil.NewMockServerOn(t, l, serve("late", nil))

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, "late", cli.Session())
}

func TestClose(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", nil))
	cli, err := client.Dial(testCtx(t), ms.WsURL, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	obs := cli.Collection("c").Observe()

	require.NoError(t, cli.Close())
	assert.ErrorIs(t, cli.Close(), client.ErrClientClosed)
	assert.ErrorIs(t, cli.Connect(testCtx(t)), client.ErrClientClosed)
	assert.Equal(t, client.Disconnected, cli.State())

	require.NoError(t, testutil.WaitFor(t, "observer closed", 2*time.Second, func() bool {
		select {
		case _, ok := <-obs.Events():
			return !ok
		default:
			return false
		}
	}))
}

func TestMetricsFollowTraffic(t *testing.T) {
	m := metrics.New("ddp_client_test")
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, msg message.Message) {
		switch msg := msg.(type) {
		case message.Sub:
			sc.Send(message.Added{Collection: "lists", ID: "a"})
			sc.Send(message.Added{Collection: "lists", ID: "b"})
			sc.Send(message.Ready{Subs: []string{msg.ID}})
		case message.Method:
			sc.Send(message.Result{ID: msg.ID})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL, client.WithMetrics(m))
	ctx := testCtx(t)

	sub, err := cli.Subscribe(ctx, "lists")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))
	_, err = cli.Call(ctx, "m")
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Connected))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.FramesReceived.WithLabelValues("added")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FramesSent.WithLabelValues("sub")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Subscriptions.WithLabelValues("ready")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.Documents.WithLabelValues("lists")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.CallsInFlight))

	require.NoError(t, cli.Disconnect())
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Connected))
}

func TestChangedWithFieldsIgnoresCleared(t *testing.T) {
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, m message.Message) {
		sub, ok := m.(message.Sub)
		if !ok {
			return
		}
		sc.SendRaw(`{"msg":"added","collection":"c","id":"1","fields":{"a":1,"b":2}}`)
		sc.SendRaw(`{"msg":"changed","collection":"c","id":"1","fields":{"a":10},"cleared":["b"]}`)
		sc.SendRaw(`{"msg":"changed","collection":"c","id":"1","cleared":["a"]}`)
		sc.Send(message.Ready{Subs: []string{sub.ID}})
	}))
	cli := testutil.NewTestClient(t, ms.WsURL)
	ctx := testCtx(t)

	obs := cli.Collection("c").Observe()
	defer obs.Close()

	sub, err := cli.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, sub.Wait(ctx))

	doc, ok := cli.Collection("c").Get("1")
	require.True(t, ok)
	assert.Equal(t, collection.Document{"_id": "1", "b": 2.0}, doc)

	var events []collection.Event
	for len(events) < 3 {
		select {
		case ev := <-obs.Events():
			events = append(events, ev)
		case <-ctx.Done():
			t.Fatalf("got %d of 3 events", len(events))
		}
	}
	assert.Equal(t, map[string]any{"a": 10.0}, events[1].Fields)
	assert.Empty(t, events[1].Cleared)
	assert.Empty(t, events[2].Fields)
	assert.Equal(t, []string{"a"}, events[2].Cleared)
}

func TestReconnectRightAfterLossKeepsNewRequests(t *testing.T) {
	m := metrics.New("ddp_client_reconnect_test")
	ms := testutil.NewMockServer(t, serve("S1", func(sc *testutil.ServerConn, msg message.Message) {
		if sub, ok := msg.(message.Sub); ok && sub.Name != "hang" {
			sc.Send(message.Ready{Subs: []string{sub.ID}})
		}
	}))
	cli := testutil.NewTestClient(t, ms.WsURL, client.WithMetrics(m))
	ctx := testCtx(t)

	for i := 0; i < 20; i++ {
		hang, err := cli.Subscribe(ctx, "hang")
		require.NoError(t, err)

		ms.CloseCurrentConnection()
		require.NoError(t, testutil.WaitForWithContext(ctx, t, "client disconnected", func() bool {
			return cli.State() == client.Disconnected
		}))

		require.NoError(t, cli.Connect(ctx))
		sub, err := cli.Subscribe(ctx, "lists")
		require.NoError(t, err)
		require.NoError(t, sub.Wait(ctx), "iteration %d", i)
		assert.ErrorIs(t, hang.Wait(ctx), client.ErrConnectionLost)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.Connected), "iteration %d", i)
	}
}
