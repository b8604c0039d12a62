package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Ericsson/tpaf/internal/config"
	"github.com/Ericsson/tpaf/internal/logging"
	"github.com/Ericsson/tpaf/internal/metrics"
	"github.com/Ericsson/tpaf/internal/transport"
)

const recvTimeout = 3 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		ListenURIs:             []string{"test://domain"},
		MaxHandshakeTime:       2 * time.Second,
		HandshakeSweepInterval: time.Second,
		SoftOutWireLimit:       128,
		MaxSendBatch:           64,
		MaxReceiveBatch:        4,
		MaxMessageSize:         1 << 16,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New("test://domain", testConfig(), logging.NewTest(), metrics.New())
	t.Cleanup(s.Stop)
	return s
}

// testClient drives one client side of an in-memory connection, with a
// reader pump decoding inbound messages.
type testClient struct {
	sock   transport.Socket
	msgs   chan map[string]any
	closed chan struct{}
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()

	clientSock, serverSock := transport.Pipe()
	s.addConn(serverSock)

	tc := &testClient{
		sock:   clientSock,
		msgs:   make(chan map[string]any, 1024),
		closed: make(chan struct{}),
	}

	go func() {
		for {
			data, err := tc.sock.Receive()
			if err != nil {
				close(tc.closed)
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				panic("test client received non-JSON message: " + string(data))
			}
			tc.msgs <- msg
		}
	}()

	t.Cleanup(func() { _ = tc.sock.Close() })

	return tc
}

func (tc *testClient) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := tc.sock.Send(data); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func (tc *testClient) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-tc.msgs:
		return msg
	case <-tc.closed:
		t.Fatal("connection closed while expecting a message")
	case <-time.After(recvTimeout):
		t.Fatal("timeout waiting for a message")
	}
	return nil
}

// expect receives one message and verifies every given field.
func (tc *testClient) expect(t *testing.T, want map[string]any) map[string]any {
	t.Helper()
	msg := tc.recv(t)
	for name, value := range want {
		if got, present := msg[name]; !present || got != value {
			t.Fatalf("field %q: expected %v, got %v (message %v)",
				name, value, msg[name], msg)
		}
	}
	return msg
}

func (tc *testClient) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case msg := <-tc.msgs:
		t.Fatalf("expected closed connection, received %v", msg)
	case <-tc.closed:
	case <-time.After(recvTimeout):
		t.Fatal("timeout waiting for connection close")
	}
}

func (tc *testClient) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case msg := <-tc.msgs:
		t.Fatalf("expected silence, received %v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

var nextTAID = float64(1000)

func taID() float64 {
	nextTAID++
	return nextTAID
}

func (tc *testClient) hello(t *testing.T, clientID int64) {
	t.Helper()
	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": id, "msg-type": "request",
		"client-id": clientID,
		"protocol-minimum-version": 0, "protocol-maximum-version": 99,
	})
	tc.expect(t, map[string]any{
		"ta-cmd": "hello", "ta-id": id, "msg-type": "complete",
		"protocol-version": float64(2),
	})
}

func (tc *testClient) publish(t *testing.T, serviceID, generation int64,
	serviceProps map[string]any, ttl int64) {

	t.Helper()
	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "publish", "ta-id": id, "msg-type": "request",
		"service-id": serviceID, "generation": generation,
		"service-props": serviceProps, "ttl": ttl,
	})
	tc.expect(t, map[string]any{
		"ta-cmd": "publish", "ta-id": id, "msg-type": "complete",
	})
}

func TestHelloVersionMismatch(t *testing.T) {
	s := newTestServer(t)
	tc := dial(t, s)

	//1.- The offered range excludes the supported version.
	tc.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": 1, "msg-type": "request",
		"client-id": 5,
		"protocol-minimum-version": 3, "protocol-maximum-version": 4,
	})
	tc.expect(t, map[string]any{
		"ta-cmd": "hello", "ta-id": float64(1), "msg-type": "fail",
		"fail-reason": "unsupported-protocol-version",
	})

	//2.- The broker does not re-handshake on the same connection.
	tc.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": 2, "msg-type": "request",
		"client-id": 5,
		"protocol-minimum-version": 2, "protocol-maximum-version": 2,
	})
	tc.expectClosed(t)
}

func TestHelloAndPing(t *testing.T) {
	s := newTestServer(t)
	tc := dial(t, s)

	tc.hello(t, 5)

	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "ping", "ta-id": id, "msg-type": "request",
	})
	tc.expect(t, map[string]any{
		"ta-cmd": "ping", "ta-id": id, "msg-type": "complete",
	})
}

func TestRepeatHello(t *testing.T) {
	s := newTestServer(t)
	tc := dial(t, s)

	tc.hello(t, 5)

	//1.- A repeat hello with the same client id completes with the
	// already-agreed version, even with a nonsensical range.
	tc.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": 50, "msg-type": "request",
		"client-id": 5,
		"protocol-minimum-version": 90, "protocol-maximum-version": 99,
	})
	tc.expect(t, map[string]any{
		"msg-type": "complete", "protocol-version": float64(2),
	})

	//2.- A repeat hello with a different client id is denied.
	tc.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": 51, "msg-type": "request",
		"client-id": 6,
		"protocol-minimum-version": 2, "protocol-maximum-version": 2,
	})
	tc.expect(t, map[string]any{
		"msg-type": "fail", "fail-reason": "permission-denied",
	})

	// The connection survives the denial.
	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "ping", "ta-id": id, "msg-type": "request",
	})
	tc.expect(t, map[string]any{"ta-id": id, "msg-type": "complete"})
}

func TestClientIDExists(t *testing.T) {
	s := newTestServer(t)

	first := dial(t, s)
	first.hello(t, 5)

	second := dial(t, s)
	second.send(t, map[string]any{
		"ta-cmd": "hello", "ta-id": 1, "msg-type": "request",
		"client-id": 5,
		"protocol-minimum-version": 2, "protocol-maximum-version": 2,
	})
	second.expect(t, map[string]any{
		"msg-type": "fail", "fail-reason": "client-id-exists",
	})
}

func TestPeerViolationsTearDownSilently(t *testing.T) {
	cases := map[string]func(t *testing.T, tc *testClient){
		"non-hello before handshake": func(t *testing.T, tc *testClient) {
			tc.send(t, map[string]any{
				"ta-cmd": "ping", "ta-id": 1, "msg-type": "request",
			})
		},
		"malformed JSON": func(t *testing.T, tc *testClient) {
			if err := tc.sock.Send([]byte("{not json")); err != nil {
				t.Fatalf("send failed: %v", err)
			}
		},
		"unknown command": func(t *testing.T, tc *testClient) {
			tc.send(t, map[string]any{
				"ta-cmd": "bogus", "ta-id": 1, "msg-type": "request",
			})
		},
		"unknown field": func(t *testing.T, tc *testClient) {
			tc.send(t, map[string]any{
				"ta-cmd": "ping", "ta-id": 1, "msg-type": "request",
				"surprise": 1,
			})
		},
		"negative id": func(t *testing.T, tc *testClient) {
			tc.send(t, map[string]any{
				"ta-cmd": "ping", "ta-id": -1, "msg-type": "request",
			})
		},
	}

	for name, violate := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			tc := dial(t, s)
			violate(t, tc)
			tc.expectClosed(t)
		})
	}
}

func TestPublishSubscribeNotify(t *testing.T) {
	s := newTestServer(t)

	//1.- Client A publishes a service.
	a := dial(t, s)
	a.hello(t, 99)
	a.publish(t, 4444, 44, map[string]any{"x": []any{17}}, 1)

	//2.- Client B subscribes with a matching filter.
	b := dial(t, s)
	b.hello(t, 100)

	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 1234, "filter": "(x=17)",
	})
	b.expect(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": float64(7), "msg-type": "accept",
	})

	//3.- Activation replays the existing service.
	notify := b.expect(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": float64(7), "msg-type": "notify",
		"match-type": "appeared", "service-id": float64(4444),
		"generation": float64(44), "ttl": float64(1),
		"client-id": float64(99),
	})
	if _, present := notify["orphan-since"]; present {
		t.Fatalf("non-orphan service notified with orphan-since")
	}
}

func TestOrphanAfterDisconnectThenTimeout(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	a.hello(t, 99)
	a.publish(t, 4444, 44, map[string]any{"x": []any{17}}, 1)

	b := dial(t, s)
	b.hello(t, 100)
	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 1234, "filter": "(x=17)",
	})
	b.expect(t, map[string]any{"msg-type": "accept"})
	b.expect(t, map[string]any{"msg-type": "notify", "match-type": "appeared"})

	//1.- The publisher's transport session dies; the service becomes
	// orphan.
	_ = a.sock.Close()

	notify := b.expect(t, map[string]any{
		"msg-type": "notify", "match-type": "modified",
		"service-id": float64(4444),
	})
	if _, present := notify["orphan-since"]; !present {
		t.Fatalf("orphaned service notified without orphan-since")
	}

	//2.- The TTL elapses and the service disappears.
	disappeared := b.expect(t, map[string]any{
		"msg-type": "notify", "match-type": "disappeared",
		"service-id": float64(4444),
	})
	if _, present := disappeared["generation"]; present {
		t.Fatalf("disappeared notify carries service attributes")
	}
}

func TestOwnershipTransfer(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	a.hello(t, 99)
	a.publish(t, 1, 1, map[string]any{"k": []any{"v"}}, 60)

	b := dial(t, s)
	b.hello(t, 100)
	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 1, "filter": "(k=v)",
	})
	b.expect(t, map[string]any{"msg-type": "accept"})
	b.expect(t, map[string]any{"msg-type": "notify", "match-type": "appeared"})

	//1.- A disconnects; the service becomes orphan, still owned by A.
	_ = a.sock.Close()
	orphaned := b.expect(t, map[string]any{
		"msg-type": "notify", "match-type": "modified",
		"client-id": float64(99),
	})
	if _, present := orphaned["orphan-since"]; !present {
		t.Fatalf("expected orphan-since after owner disconnect")
	}

	//2.- C publishes the identical tuple: ownership moves and the orphan
	// flag clears.
	c := dial(t, s)
	c.hello(t, 77)
	c.publish(t, 1, 1, map[string]any{"k": []any{"v"}}, 60)

	captured := b.expect(t, map[string]any{
		"msg-type": "notify", "match-type": "modified",
		"client-id": float64(77),
	})
	if _, present := captured["orphan-since"]; present {
		t.Fatalf("captured service still flagged orphan")
	}
}

func TestSameGenerationButDifferent(t *testing.T) {
	s := newTestServer(t)

	tc := dial(t, s)
	tc.hello(t, 99)
	tc.publish(t, 2, 5, map[string]any{"a": []any{1}}, 10)

	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "publish", "ta-id": id, "msg-type": "request",
		"service-id": 2, "generation": 5,
		"service-props": map[string]any{"a": []any{2}}, "ttl": 10,
	})
	tc.expect(t, map[string]any{
		"ta-id": id, "msg-type": "fail",
		"fail-reason": "same-generation-but-different",
	})

	//1.- The original service is unaffected.
	listID := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "services", "ta-id": listID, "msg-type": "request",
	})
	tc.expect(t, map[string]any{"ta-id": listID, "msg-type": "accept"})
	notify := tc.expect(t, map[string]any{
		"ta-id": listID, "msg-type": "notify",
		"service-id": float64(2), "generation": float64(5),
		"ttl": float64(10),
	})
	wireProps, ok := notify["service-props"].(map[string]any)
	if !ok {
		t.Fatalf("services notify carries no props: %v", notify)
	}
	values, _ := wireProps["a"].([]any)
	if len(values) != 1 || values[0] != float64(1) {
		t.Fatalf("original props modified: %v", wireProps)
	}
	tc.expect(t, map[string]any{"ta-id": listID, "msg-type": "complete"})
}

func TestOldGeneration(t *testing.T) {
	s := newTestServer(t)

	tc := dial(t, s)
	tc.hello(t, 99)
	tc.publish(t, 2, 5, map[string]any{"a": []any{1}}, 10)

	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "publish", "ta-id": id, "msg-type": "request",
		"service-id": 2, "generation": 4,
		"service-props": map[string]any{"a": []any{1}}, "ttl": 10,
	})
	tc.expect(t, map[string]any{
		"ta-id": id, "msg-type": "fail", "fail-reason": "old-generation",
	})
}

func TestUnpublish(t *testing.T) {
	s := newTestServer(t)

	tc := dial(t, s)
	tc.hello(t, 99)

	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "unpublish", "ta-id": id, "msg-type": "request",
		"service-id": 17,
	})
	tc.expect(t, map[string]any{
		"ta-id": id, "msg-type": "fail",
		"fail-reason": "non-existent-service-id",
	})

	tc.publish(t, 17, 1, map[string]any{}, 10)

	id = taID()
	tc.send(t, map[string]any{
		"ta-cmd": "unpublish", "ta-id": id, "msg-type": "request",
		"service-id": 17,
	})
	tc.expect(t, map[string]any{"ta-id": id, "msg-type": "complete"})
}

func TestSubscribeFailures(t *testing.T) {
	s := newTestServer(t)

	tc := dial(t, s)
	tc.hello(t, 99)

	//1.- Bad filter syntax.
	tc.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 1, "msg-type": "request",
		"subscription-id": 7, "filter": "(x=17",
	})
	tc.expect(t, map[string]any{
		"msg-type": "fail", "fail-reason": "invalid-filter-syntax",
	})

	//2.- Duplicate subscription id.
	tc.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 2, "msg-type": "request",
		"subscription-id": 7,
	})
	tc.expect(t, map[string]any{"ta-id": float64(2), "msg-type": "accept"})

	tc.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 3, "msg-type": "request",
		"subscription-id": 7,
	})
	tc.expect(t, map[string]any{
		"ta-id": float64(3), "msg-type": "fail",
		"fail-reason": "subscription-id-exists",
	})

	//3.- Unsubscribing a non-existent subscription.
	tc.send(t, map[string]any{
		"ta-cmd": "unsubscribe", "ta-id": 4, "msg-type": "request",
		"subscription-id": 42,
	})
	tc.expect(t, map[string]any{
		"ta-id": float64(4), "msg-type": "fail",
		"fail-reason": "non-existent-subscription-id",
	})
}

func TestUnsubscribeClosesStream(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	a.hello(t, 99)

	b := dial(t, s)
	b.hello(t, 100)

	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 5, "filter": "(k=*)",
	})
	b.expect(t, map[string]any{"ta-id": float64(7), "msg-type": "accept"})

	//1.- Matching publishes stream in.
	a.publish(t, 1, 1, map[string]any{"k": []any{"x"}}, 60)
	a.publish(t, 2, 1, map[string]any{"k": []any{"y"}}, 60)
	b.expect(t, map[string]any{"msg-type": "notify", "match-type": "appeared"})
	b.expect(t, map[string]any{"msg-type": "notify", "match-type": "appeared"})

	//2.- Unsubscribing completes both the unsubscribe transaction and
	// the original subscribe transaction, in that order.
	b.send(t, map[string]any{
		"ta-cmd": "unsubscribe", "ta-id": 8, "msg-type": "request",
		"subscription-id": 5,
	})
	b.expect(t, map[string]any{"ta-id": float64(8), "msg-type": "complete"})
	b.expect(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": float64(7), "msg-type": "complete",
	})

	//3.- Thereafter the stream is silent.
	a.publish(t, 3, 1, map[string]any{"k": []any{"z"}}, 60)
	b.expectSilence(t)
}

func collectListing(t *testing.T, tc *testClient, id float64) []map[string]any {
	t.Helper()
	var notifies []map[string]any
	for {
		msg := tc.recv(t)
		if msg["ta-id"] != id {
			t.Fatalf("unexpected transaction %v", msg)
		}
		switch msg["msg-type"] {
		case "notify":
			notifies = append(notifies, msg)
		case "complete":
			return notifies
		default:
			t.Fatalf("unexpected message %v", msg)
		}
	}
}

func TestServicesListing(t *testing.T) {
	s := newTestServer(t)

	tc := dial(t, s)
	tc.hello(t, 99)
	tc.publish(t, 1, 1, map[string]any{"group": []any{"a"}}, 60)
	tc.publish(t, 2, 1, map[string]any{"group": []any{"b"}}, 60)

	//1.- Unfiltered listing returns both services.
	id := taID()
	tc.send(t, map[string]any{
		"ta-cmd": "services", "ta-id": id, "msg-type": "request",
	})
	tc.expect(t, map[string]any{"ta-id": id, "msg-type": "accept"})
	if notifies := collectListing(t, tc, id); len(notifies) != 2 {
		t.Fatalf("expected 2 services, got %v", notifies)
	}

	//2.- A filter narrows the listing.
	id = taID()
	tc.send(t, map[string]any{
		"ta-cmd": "services", "ta-id": id, "msg-type": "request",
		"filter": "(group=a)",
	})
	tc.expect(t, map[string]any{"ta-id": id, "msg-type": "accept"})
	notifies := collectListing(t, tc, id)
	if len(notifies) != 1 || notifies[0]["service-id"] != float64(1) {
		t.Fatalf("unexpected filtered listing %v", notifies)
	}

	//3.- A bad filter fails the transaction.
	id = taID()
	tc.send(t, map[string]any{
		"ta-cmd": "services", "ta-id": id, "msg-type": "request",
		"filter": "(((",
	})
	tc.expect(t, map[string]any{
		"ta-id": id, "msg-type": "fail",
		"fail-reason": "invalid-filter-syntax",
	})
}

func TestSubscriptionsAndClientsListing(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	a.hello(t, 99)

	b := dial(t, s)
	b.hello(t, 100)
	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 5, "filter": "(k=*)",
	})
	b.expect(t, map[string]any{"msg-type": "accept"})

	//1.- The subscriptions listing shows B's subscription with its
	// canonical filter.
	id := taID()
	a.send(t, map[string]any{
		"ta-cmd": "subscriptions", "ta-id": id, "msg-type": "request",
	})
	a.expect(t, map[string]any{"ta-id": id, "msg-type": "accept"})
	notifies := collectListing(t, a, id)
	if len(notifies) != 1 {
		t.Fatalf("expected 1 subscription, got %v", notifies)
	}
	if notifies[0]["subscription-id"] != float64(5) ||
		notifies[0]["client-id"] != float64(100) ||
		notifies[0]["filter"] != "(k=*)" {
		t.Fatalf("unexpected subscription entry %v", notifies[0])
	}

	//2.- The clients listing shows both connected clients.
	id = taID()
	a.send(t, map[string]any{
		"ta-cmd": "clients", "ta-id": id, "msg-type": "request",
	})
	a.expect(t, map[string]any{"ta-id": id, "msg-type": "accept"})
	notifies = collectListing(t, a, id)
	if len(notifies) != 2 {
		t.Fatalf("expected 2 clients, got %v", notifies)
	}
	seen := make(map[float64]bool)
	for _, notify := range notifies {
		clientID, _ := notify["client-id"].(float64)
		seen[clientID] = true
		if _, present := notify["client-address"]; !present {
			t.Fatalf("client entry without address: %v", notify)
		}
		if _, present := notify["time"]; !present {
			t.Fatalf("client entry without time: %v", notify)
		}
	}
	if !seen[99] || !seen[100] {
		t.Fatalf("missing client entries: %v", notifies)
	}
}

func TestHandshakeSweep(t *testing.T) {
	s := newTestServer(t)

	//1.- A connection that never completes the handshake is dropped
	// once it exceeds the deadline.
	late := dial(t, s)

	//2.- A handshaken connection is untouched by the sweep.
	established := dial(t, s)
	established.hello(t, 5)

	s.reactorMu.Lock()
	for c := range s.conns {
		c.establishedAt = time.Now().Add(-time.Minute)
	}
	s.reactorMu.Unlock()

	s.sweepHandshakes()

	late.expectClosed(t)

	id := taID()
	established.send(t, map[string]any{
		"ta-cmd": "ping", "ta-id": id, "msg-type": "request",
	})
	established.expect(t, map[string]any{"ta-id": id, "msg-type": "complete"})
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	a.hello(t, 99)

	b := dial(t, s)
	b.hello(t, 100)
	b.send(t, map[string]any{
		"ta-cmd": "subscribe", "ta-id": 7, "msg-type": "request",
		"subscription-id": 5, "filter": "(k=*)",
	})
	b.expect(t, map[string]any{"msg-type": "accept"})

	_ = b.sock.Close()

	//1.- Give the teardown a moment, then verify the subscription is
	// gone from the listing.
	deadline := time.Now().Add(recvTimeout)
	for {
		id := taID()
		a.send(t, map[string]any{
			"ta-cmd": "subscriptions", "ta-id": id, "msg-type": "request",
		})
		a.expect(t, map[string]any{"ta-id": id, "msg-type": "accept"})
		if len(collectListing(t, a, id)) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription survived its connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
