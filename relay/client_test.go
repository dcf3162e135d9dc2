package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wormhole-mailbox/config"
	"wormhole-mailbox/db"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func startTestRelay(t *testing.T, cfg config.RelayOptions) (*Relay, *httptest.Server) {
	t.Helper()

	if cfg.ChannelDB == "" {
		cfg.ChannelDB = db.MemoryPath
	}
	if cfg.UsageDB == "" {
		cfg.UsageDB = db.MemoryPath
	}
	if cfg.CleaningInterval == 0 {
		cfg.CleaningInterval = 300
		cfg.ChannelExpiration = 660
	}

	r, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go r.runClients(ctx)

	ts := httptest.NewServer(r.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		r.Close()
	})
	return r, ts
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestRelay(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (tc *testClient) send(fields map[string]interface{}) {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.WriteJSON(fields))
}

func (tc *testClient) next() map[string]interface{} {
	tc.t.Helper()

	tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m map[string]interface{}
	require.NoError(tc.t, tc.conn.ReadJSON(&m))
	return m
}

func (tc *testClient) nextNonAck() map[string]interface{} {
	tc.t.Helper()

	for {
		m := tc.next()
		if m["type"] != "ack" {
			return m
		}
	}
}

func (tc *testClient) expectError(reason string) {
	tc.t.Helper()

	m := tc.nextNonAck()
	require.Equal(tc.t, "error", m["type"])
	require.Equal(tc.t, reason, m["error"])
}

func (tc *testClient) bind(appID, side string) {
	tc.t.Helper()
	tc.send(map[string]interface{}{"type": "bind", "appid": appID, "side": side})
}

func TestClientWelcome(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{MOTD: "hello"})
	c1 := dialTestRelay(t, ts)

	m := c1.next()
	require.Equal(t, "welcome", m["type"])
	welcome, ok := m["welcome"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "hello", welcome["motd"])
	require.Contains(t, m, "server_tx")
}

func TestClientWelcomePrecedesPipelinedFrames(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)

	//A client may fire a request right after the handshake without
	//waiting for the welcome; the welcome still arrives first
	c1.send(map[string]interface{}{"type": "ping", "ping": 7, "id": "first"})

	require.Equal(t, "welcome", c1.next()["type"])
	m := c1.next()
	require.Equal(t, "ack", m["type"])
	require.Equal(t, "first", m["id"])
	m = c1.next()
	require.Equal(t, "pong", m["type"])
	require.Equal(t, float64(7), m["pong"])
}

func TestClientPingAndAck(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome

	//Pings work before binding, and an id field earns an ack first
	c1.send(map[string]interface{}{"type": "ping", "ping": 3, "id": "abc"})
	m := c1.next()
	require.Equal(t, "ack", m["type"])
	require.Equal(t, "abc", m["id"])

	m = c1.next()
	require.Equal(t, "pong", m["type"])
	require.Equal(t, float64(3), m["pong"])

	c1.send(map[string]interface{}{"type": "ping"})
	c1.expectError("ping requires 'ping'")
}

func TestClientBadFrames(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome

	c1.send(map[string]interface{}{"foo": "bar"})
	c1.expectError("missing 'type'")

	c1.send(map[string]interface{}{"type": "list"})
	c1.expectError("must bind first")

	//An undefined type before binding still reads as unbound
	c1.send(map[string]interface{}{"type": "geronimo"})
	c1.expectError("must bind first")

	c1.bind("appid", "side1")
	c1.send(map[string]interface{}{"type": "geronimo"})
	c1.expectError("unknown type")
}

func TestClientBind(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome

	c1.send(map[string]interface{}{"type": "bind", "side": "side1"})
	c1.expectError("bind requires 'appid'")

	c1.send(map[string]interface{}{"type": "bind", "appid": "appid"})
	c1.expectError("bind requires 'side'")

	c1.send(map[string]interface{}{
		"type": "bind", "appid": "appid", "side": "side1",
		"client_version": []string{"python", "0.13.0"},
	})
	c1.bind("appid", "side1")
	c1.expectError("already bound")
}

func TestClientNameplateFlow(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")

	c1.send(map[string]interface{}{"type": "list"})
	m := c1.nextNonAck()
	require.Equal(t, "nameplates", m["type"])
	require.Empty(t, m["nameplates"])

	c1.send(map[string]interface{}{"type": "allocate"})
	m = c1.nextNonAck()
	require.Equal(t, "allocated", m["type"])
	name := m["nameplate"].(string)
	require.NotEmpty(t, name)

	c1.send(map[string]interface{}{"type": "allocate"})
	c1.expectError("you already allocated one, don't be greedy")

	c1.send(map[string]interface{}{"type": "list"})
	m = c1.nextNonAck()
	entries := m["nameplates"].([]interface{})
	require.Len(t, entries, 1)

	c1.send(map[string]interface{}{"type": "claim"})
	c1.expectError("claim requires 'nameplate'")

	c1.send(map[string]interface{}{"type": "claim", "nameplate": name})
	m = c1.nextNonAck()
	require.Equal(t, "claimed", m["type"])
	mailboxID := m["mailbox"].(string)
	require.Len(t, mailboxID, 13)

	c1.send(map[string]interface{}{"type": "claim", "nameplate": name})
	c1.expectError("only one claim per connection")

	c1.send(map[string]interface{}{"type": "release", "nameplate": "different"})
	c1.expectError("release and claim must use same nameplate")

	c1.send(map[string]interface{}{"type": "release"})
	m = c1.nextNonAck()
	require.Equal(t, "released", m["type"])

	c1.send(map[string]interface{}{"type": "release"})
	c1.expectError("only one release per connection")
}

func TestClientDisallowedList(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{DisallowList: true})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")

	c1.send(map[string]interface{}{"type": "allocate"})
	m := c1.nextNonAck()
	require.Equal(t, "allocated", m["type"])

	//Allocated names stay hidden
	c1.send(map[string]interface{}{"type": "list"})
	m = c1.nextNonAck()
	require.Equal(t, "nameplates", m["type"])
	require.Empty(t, m["nameplates"])
}

func TestClientMessageRelay(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})

	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")

	c1.send(map[string]interface{}{"type": "allocate"})
	name := c1.nextNonAck()["nameplate"].(string)
	c1.send(map[string]interface{}{"type": "claim", "nameplate": name})
	mailboxID := c1.nextNonAck()["mailbox"].(string)

	c2 := dialTestRelay(t, ts)
	c2.next() // welcome
	c2.bind("appid", "side2")
	c2.send(map[string]interface{}{"type": "claim", "nameplate": name})
	require.Equal(t, mailboxID, c2.nextNonAck()["mailbox"])

	c1.send(map[string]interface{}{"type": "open", "mailbox": mailboxID})
	c2.send(map[string]interface{}{"type": "open", "mailbox": mailboxID})

	c1.send(map[string]interface{}{"type": "add", "phase": "pake", "body": "b1", "id": "m1"})

	//The sender hears its own message echoed through the mailbox
	m := c1.nextNonAck()
	require.Equal(t, "message", m["type"])
	require.Equal(t, "side1", m["side"])
	require.Equal(t, "pake", m["phase"])
	require.Equal(t, "b1", m["body"])
	require.Equal(t, "m1", m["msg_id"])
	require.Contains(t, m, "server_rx")

	m = c2.nextNonAck()
	require.Equal(t, "message", m["type"])
	require.Equal(t, "b1", m["body"])

	c2.send(map[string]interface{}{"type": "add", "phase": "pake", "body": "b2"})
	m = c1.nextNonAck()
	require.Equal(t, "b2", m["body"])
	require.Equal(t, "side2", m["side"])
	require.Equal(t, "b2", c2.nextNonAck()["body"])

	for _, tc := range []*testClient{c1, c2} {
		tc.send(map[string]interface{}{"type": "release"})
		require.Equal(t, "released", tc.nextNonAck()["type"])
		tc.send(map[string]interface{}{"type": "close", "mood": "happy"})
		require.Equal(t, "closed", tc.nextNonAck()["type"])
	}
}

func TestClientOpenErrors(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})
	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")

	c1.send(map[string]interface{}{"type": "add", "phase": "p", "body": "b"})
	c1.expectError("must open mailbox before adding")

	c1.send(map[string]interface{}{"type": "open"})
	c1.expectError("open requires 'mailbox'")

	c1.send(map[string]interface{}{"type": "open", "mailbox": "mb1"})
	c1.send(map[string]interface{}{"type": "open", "mailbox": "mb1"})
	c1.expectError("only one open per connection")

	c1.send(map[string]interface{}{"type": "add", "body": "b"})
	c1.expectError("missing 'phase'")
	c1.send(map[string]interface{}{"type": "add", "phase": "p"})
	c1.expectError("missing 'body'")
}

func TestClientHistoryReplay(t *testing.T) {
	r, ts := startTestRelay(t, config.RelayOptions{})

	//Seed history directly, then a late subscriber must get it in
	//order before anything live
	srv := r.Server()
	srv.mu.Lock()
	app := srv.GetApp("appid")
	mbox, err := app.OpenMailbox("mb1", "side2", 0)
	require.NoError(t, err)
	require.NoError(t, mbox.AddMessage(SidedMessage{Side: "side2", Phase: "pake", Body: "b1", ServerRX: 1}))
	require.NoError(t, mbox.AddMessage(SidedMessage{Side: "side2", Phase: "version", Body: "b2", ServerRX: 2}))
	srv.mu.Unlock()

	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")
	c1.send(map[string]interface{}{"type": "open", "mailbox": "mb1"})

	m := c1.nextNonAck()
	require.Equal(t, "message", m["type"])
	require.Equal(t, "b1", m["body"])
	m = c1.nextNonAck()
	require.Equal(t, "b2", m["body"])
}

func TestClientCloseVariants(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})

	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")

	c1.send(map[string]interface{}{"type": "close", "mood": "happy"})
	c1.expectError("close without mailbox must follow open")

	//Close by name without opening first still works
	c1.send(map[string]interface{}{"type": "close", "mailbox": "mb1", "mood": "happy"})
	require.Equal(t, "closed", c1.nextNonAck()["type"])

	c1.send(map[string]interface{}{"type": "close", "mailbox": "mb1", "mood": "happy"})
	c1.expectError("only one close per connection")

	c2 := dialTestRelay(t, ts)
	c2.next() // welcome
	c2.bind("appid", "side2")
	c2.send(map[string]interface{}{"type": "open", "mailbox": "mb2"})
	c2.send(map[string]interface{}{"type": "close", "mailbox": "mb3", "mood": "happy"})
	c2.expectError("open and close must use same mailbox")
}

func TestClientCrowdedClaim(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})

	clients := make([]*testClient, 3)
	for i, side := range []string{"side1", "side2", "side3"} {
		c := dialTestRelay(t, ts)
		c.next() // welcome
		c.bind("appid", side)
		clients[i] = c
	}

	clients[0].send(map[string]interface{}{"type": "claim", "nameplate": "np1"})
	require.Equal(t, "claimed", clients[0].nextNonAck()["type"])
	clients[1].send(map[string]interface{}{"type": "claim", "nameplate": "np1"})
	require.Equal(t, "claimed", clients[1].nextNonAck()["type"])

	clients[2].send(map[string]interface{}{"type": "claim", "nameplate": "np1"})
	clients[2].expectError("crowded")

	//The rejected claimer still gets to release its side
	for _, c := range clients {
		c.send(map[string]interface{}{"type": "release"})
		require.Equal(t, "released", c.nextNonAck()["type"])
	}
}

func TestClientReconnectResumes(t *testing.T) {
	_, ts := startTestRelay(t, config.RelayOptions{})

	c1 := dialTestRelay(t, ts)
	c1.next() // welcome
	c1.bind("appid", "side1")
	c1.send(map[string]interface{}{"type": "claim", "nameplate": "np1"})
	mailboxID := c1.nextNonAck()["mailbox"].(string)
	c1.conn.Close()

	//Same side comes back: the claim is still standing and yields
	//the same mailbox
	c2 := dialTestRelay(t, ts)
	c2.next() // welcome
	c2.bind("appid", "side1")
	c2.send(map[string]interface{}{"type": "claim", "nameplate": "np1"})
	require.Equal(t, mailboxID, c2.nextNonAck()["mailbox"])

	c2.send(map[string]interface{}{"type": "release"})
	require.Equal(t, "released", c2.nextNonAck()["type"])
}
