package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaykit/go-axbridge/pkg/bridge"
	"github.com/overlaykit/go-axbridge/pkg/bridgetest"
	"github.com/overlaykit/go-axbridge/pkg/wire"
)

// connectedClient returns a client connected through a fake dialer, plus the
// channel the connection rides on.
func connectedClient(t *testing.T, opts ...bridge.Option) (*bridge.Client, *bridgetest.Dialer, *bridgetest.Channel) {
	t.Helper()
	dialer := bridgetest.NewDialer()
	opts = append([]bridge.Option{
		bridge.WithDialer(dialer),
		bridge.WithCallTimeout(200 * time.Millisecond),
		bridge.WithReconnectDelay(40 * time.Millisecond),
	}, opts...)
	c := bridge.New("fake://backend", opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	var ch *bridgetest.Channel
	select {
	case ch = <-dialer.Dialed:
	case <-time.After(time.Second):
		t.Fatal("dialer was never used")
	}
	return c, dialer, ch
}

// nextRequest reads and decodes the next request frame the client sent.
func nextRequest(t *testing.T, ch *bridgetest.Channel) wire.Frame {
	t.Helper()
	select {
	case data := <-ch.Sent():
		f, ok := wire.Decode(data)
		require.True(t, ok, "client sent malformed frame: %s", data)
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
		return wire.Frame{}
	}
}

func respond(ch *bridgetest.Channel, id string, result any) {
	data, _ := wire.EncodeResponse(id, result)
	ch.Inject(data)
}

func TestCallNotConnected(t *testing.T) {
	dialer := bridgetest.NewDialer()
	c := bridge.New("fake://backend", bridge.WithDialer(dialer))

	_, err := c.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, bridge.ErrNotConnected)
	assert.False(t, c.Connected())
	// Fail-fast means no network attempt at all.
	assert.Equal(t, 0, dialer.Dials())
}

func TestCallRoundTrip(t *testing.T) {
	c, _, ch := connectedClient(t)

	go func() {
		data := <-ch.Sent()
		f, _ := wire.Decode(data)
		respond(ch, f.ID, map[string]string{"pong": f.Method})
	}()

	raw, err := c.Call(context.Background(), "ping", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":"ping"}`, string(raw))
}

func TestCallRemoteError(t *testing.T) {
	c, _, ch := connectedClient(t)

	go func() {
		data := <-ch.Sent()
		f, _ := wire.Decode(data)
		errFrame, _ := wire.EncodeError(f.ID, "window not found")
		ch.Inject(errFrame)
	}()

	_, err := c.Call(context.Background(), "window.focus", nil)
	var remote *bridge.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "window not found", remote.Message)
}

// Scenario A: no response ever arrives; the call settles as a timeout
// naming the method, and the id is no longer tracked afterwards.
func TestCallTimeout(t *testing.T) {
	c, _, ch := connectedClient(t, bridge.WithCallTimeout(60*time.Millisecond))

	start := time.Now()
	_, err := c.Call(context.Background(), "ping", nil)
	var timeout *bridge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "ping", timeout.Method)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	// A late response for the expired id is a silent no-op; the client
	// keeps working.
	f := nextRequest(t, ch)
	respond(ch, f.ID, "too late")

	go func() {
		data := <-ch.Sent()
		late, _ := wire.Decode(data)
		respond(ch, late.ID, "ok")
	}()
	raw, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(raw))
}

// Scenario B: two outstanding calls settle in response-arrival order, not
// issue order.
func TestConcurrentCallsOutOfOrder(t *testing.T) {
	c, _, ch := connectedClient(t)

	type done struct {
		method string
		raw    json.RawMessage
		err    error
	}
	results := make(chan done, 2)
	call := func(method string) {
		raw, err := c.Call(context.Background(), method, nil)
		results <- done{method: method, raw: raw, err: err}
	}
	go call("first")
	f1 := nextRequest(t, ch)
	go call("second")
	f2 := nextRequest(t, ch)

	// Answer the second request first.
	respond(ch, f2.ID, "r2")
	settled := <-results
	require.NoError(t, settled.err)
	assert.Equal(t, "second", settled.method)
	assert.Equal(t, `"r2"`, string(settled.raw))

	respond(ch, f1.ID, "r1")
	settled = <-results
	require.NoError(t, settled.err)
	assert.Equal(t, "first", settled.method)
	assert.Equal(t, `"r1"`, string(settled.raw))
}

// Request ids are pairwise distinct, strictly increasing, and prefixed
// with a per-instance namespace for the lifetime of the client.
func TestRequestIDsStrictlyIncreasing(t *testing.T) {
	c, _, ch := connectedClient(t)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		done := make(chan wire.Frame, 1)
		go func() {
			data := <-ch.Sent()
			f, _ := wire.Decode(data)
			done <- f
			respond(ch, f.ID, nil)
		}()
		_, err := c.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
		ids = append(ids, (<-done).ID)
	}

	prev := -1
	prefix := ""
	for _, id := range ids {
		parts := strings.SplitN(id, "-", 2)
		require.Len(t, parts, 2, "id %q should be prefix-counter", id)
		if prefix == "" {
			prefix = parts[0]
		}
		assert.Equal(t, prefix, parts[0], "prefix stable across calls")
		n, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		assert.Greater(t, n, prev, "ids strictly increasing")
		prev = n
	}
}

// Scenario C: an event frame invokes the topic's handler exactly once with
// the raw payload; no pending call is touched.
func TestEventDispatch(t *testing.T) {
	c, _, ch := connectedClient(t)

	var mu sync.Mutex
	var got []string
	c.On("focus", func(data json.RawMessage) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	frame, _ := wire.EncodeEvent("focus", map[string]string{"id": "w1"})
	ch.Inject(frame)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.JSONEq(t, `{"id":"w1"}`, got[0])
	mu.Unlock()
}

func TestEventFanoutOrder(t *testing.T) {
	c, _, ch := connectedClient(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c.On("tree.changed", func(json.RawMessage) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	frame, _ := wire.EncodeEvent("tree.changed", nil)
	ch.Inject(frame)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, order, "fan-out follows subscription order")
	mu.Unlock()
}

func TestUnsubscribe(t *testing.T) {
	c, _, ch := connectedClient(t)

	var mu sync.Mutex
	countA, countB := 0, 0
	offA := c.On("focus", func(json.RawMessage) {
		mu.Lock()
		countA++
		mu.Unlock()
	})
	c.On("focus", func(json.RawMessage) {
		mu.Lock()
		countB++
		mu.Unlock()
	})

	frame, _ := wire.EncodeEvent("focus", nil)
	ch.Inject(frame)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countA == 1 && countB == 1
	}, time.Second, 5*time.Millisecond)

	offA()
	offA() // safe to call again

	ch.Inject(frame)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countB == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, countA, "unsubscribed handler must not fire")
	mu.Unlock()
}

// Scenario D: malformed input produces no observable effect and does not
// poison the connection.
func TestMalformedFrameIgnored(t *testing.T) {
	c, _, ch := connectedClient(t)

	fired := make(chan struct{}, 1)
	c.On("focus", func(json.RawMessage) { fired <- struct{}{} })

	ch.Inject([]byte("{not json"))
	ch.Inject([]byte(`{"neither":"id nor event"}`))

	frame, _ := wire.EncodeEvent("focus", nil)
	ch.Inject(frame)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("well-formed frame after garbage was not processed")
	}
	assert.True(t, c.Connected())
}

// Scenario E: however many closes pile up, only one reconnect attempt is
// scheduled per delay window, and Connect cancels a pending timer.
func TestReconnectSingleTimer(t *testing.T) {
	c, dialer, ch := connectedClient(t, bridge.WithReconnectDelay(80*time.Millisecond))

	require.NoError(t, ch.Close())
	_ = ch.Close() // second close is a no-op, must not double-arm

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond, "client should reconnect")
	assert.Equal(t, 2, dialer.Dials(), "exactly one reconnect dial")
}

func TestReconnectRetriesUntilSuccess(t *testing.T) {
	c, dialer, ch := connectedClient(t, bridge.WithReconnectDelay(20*time.Millisecond))

	dialer.SetError(errors.New("backend down"))
	require.NoError(t, ch.Close())

	// Several fixed-delay retries elapse, all swallowed.
	require.Eventually(t, func() bool { return dialer.Dials() >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Connected())

	dialer.SetError(nil)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	// Failed dials hand out no channel, so the reconnect that succeeded
	// produced exactly one new channel. It carries traffic.
	var fresh *bridgetest.Channel
	select {
	case fresh = <-dialer.Dialed:
	case <-time.After(time.Second):
		t.Fatal("no channel from successful reconnect")
	}
	go func() {
		data := <-fresh.Sent()
		f, _ := wire.Decode(data)
		respond(fresh, f.ID, "back")
	}()
	raw, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"back"`, string(raw))
}

func TestDisconnectStopsReconnect(t *testing.T) {
	c, dialer, ch := connectedClient(t, bridge.WithReconnectDelay(20*time.Millisecond))

	require.NoError(t, ch.Close())
	require.NoError(t, c.Disconnect())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "no reconnect after explicit disconnect")
	assert.False(t, c.Connected())
}

func TestConnectFailureSurfacesToCaller(t *testing.T) {
	dialer := bridgetest.NewDialer()
	dialer.SetError(errors.New("refused"))
	c := bridge.New("fake://backend",
		bridge.WithDialer(dialer),
		bridge.WithReconnectDelay(20*time.Millisecond),
	)
	t.Cleanup(func() { _ = c.Disconnect() })

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.False(t, c.Connected())

	// The failure also arms the retry loop; once the backend comes back the
	// client connects on its own.
	dialer.SetError(nil)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
}

// Open question 1 (preserved as specified): an unexpected disconnect does
// not fail in-flight calls; each settles by its own deadline.
func TestCallPendingAcrossDisconnect(t *testing.T) {
	c, _, ch := connectedClient(t, bridge.WithCallTimeout(150*time.Millisecond))

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tree.fetch", nil)
		errs <- err
	}()
	nextRequest(t, ch)

	require.NoError(t, ch.Close())

	select {
	case err := <-errs:
		t.Fatalf("call settled eagerly on disconnect: %v", err)
	case <-time.After(50 * time.Millisecond):
		// Still pending; the deadline is authoritative.
	}

	var timeout *bridge.TimeoutError
	select {
	case err := <-errs:
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, "tree.fetch", timeout.Method)
	case <-time.After(time.Second):
		t.Fatal("call never settled")
	}
}

func TestCallContextAbandon(t *testing.T) {
	c, _, ch := connectedClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "slow", nil)
		errs <- err
	}()
	f := nextRequest(t, ch)
	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)

	// The abandoned call's entry is still consumed normally when the
	// response shows up; nothing leaks, nothing panics.
	respond(ch, f.ID, "ignored")

	go func() {
		data := <-ch.Sent()
		next, _ := wire.Decode(data)
		respond(ch, next.ID, "fine")
	}()
	raw, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"fine"`, string(raw))
}

func TestGenericCall(t *testing.T) {
	c, _, ch := connectedClient(t)

	type stats struct {
		Sessions int `json:"sessions"`
	}
	go func() {
		data := <-ch.Sent()
		f, _ := wire.Decode(data)
		respond(ch, f.ID, stats{Sessions: 3})
	}()

	got, err := bridge.Call[stats](context.Background(), c, "hub.stats", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Sessions)
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	c, dialer, _ := connectedClient(t)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Dials(), "Connect while connected must not redial")
}

func ExampleClient() {
	dialer := bridgetest.NewDialer()
	c := bridge.New("ws://127.0.0.1:8765/ws", bridge.WithDialer(dialer))
	if err := c.Connect(context.Background()); err != nil {
		fmt.Println("connect:", err)
		return
	}
	defer c.Disconnect()

	off := c.On("focus", func(data json.RawMessage) {
		fmt.Println("focus changed:", string(data))
	})
	defer off()

	fmt.Println(c.Connected())
	// Output: true
}
