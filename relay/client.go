package relay

import (
	"encoding/json"
	"errors"
	"time"

	"wormhole-mailbox/log"
	"wormhole-mailbox/msg"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second

	pingInterval = (readWait * 9) / 10

	maxMessageSize = 4096
)

//Client wraps one websocket connection with its sending buffer and the
//per-connection protocol state. The state fields are only touched
//under the server's dispatch lock; the pumps never read them.
type Client struct {
	relay *Relay
	conn  *websocket.Conn

	sendBuffer chan interface{}

	app  *Application
	side string

	nameplate string
	mailboxID string
	mailbox   *Mailbox

	didAllocate bool
	didClaim    bool
	didRelease  bool
	didClose    bool

	listening bool
	stopped   bool
}

func newClient(relay *Relay, conn *websocket.Conn) *Client {
	return &Client{
		relay:      relay,
		conn:       conn,
		sendBuffer: make(chan interface{}, 64),
	}
}

//IsBound returns true if the client has completed its bind
func (c *Client) IsBound() bool {
	return c.app != nil && c.side != ""
}

func (c *Client) logEntry() *logrus.Entry {
	fields := logrus.Fields{"remote": c.conn.RemoteAddr().String()}
	if c.app != nil {
		fields["app_id"] = c.app.ID()
		fields["side"] = c.side
	}
	return log.Get().WithFields(fields)
}

//logUsage emits a connection-scoped debug line, honoring the logging
//usage option
func (c *Client) logUsage(format string, args ...interface{}) {
	if !log.UsageEnabled() {
		return
	}
	c.logEntry().Debugf(format, args...)
}

func (c *Client) watchReads() {
	defer func() {
		c.relay.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	//Pong responses just extend the connection life
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logUsage("reading from socket connection: %s", err.Error())
			}
			break
		}

		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.OnMessage(message)
	}
}

func (c *Client) watchWrites() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msgObj, ok := <-c.sendBuffer:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				//Channel was closed, say goodbye
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err = json.NewEncoder(w).Encode(msgObj); err != nil {
				c.logUsage("failed to encode outbound envelope: %s", err.Error())
			}
			if err = w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

//OnConnect sends the welcome envelope, always the first frame on
//the wire
func (c *Client) OnConnect() {
	c.send(msg.Welcome{
		ServerMessage: msg.NewServerMessage(msg.TypeWelcome, c.relay.server.now()),

		Info: c.relay.server.GetWelcome(),
	})
}

//OnDisconnect runs when the transport drops. The only cleanup is
//removing the listener; nameplates stay claimed and mailboxes stay
//open so the client can reconnect and resume.
func (c *Client) OnDisconnect() {
	srv := c.relay.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if c.listening && c.mailbox != nil {
		c.mailbox.RemoveListener(c)
		c.listening = false
	}
}

//Close shuts the send channel, which makes the write pump say goodbye
//and drop the transport
func (c *Client) Close() {
	close(c.sendBuffer)
}

func (c *Client) send(msgObj interface{}) {
	if c.stopped {
		return
	}
	c.sendBuffer <- msgObj
}

func (c *Client) sendError(reason error, orig interface{}) {
	c.send(msg.Error{
		ServerMessage: msg.NewServerMessage(msg.TypeError, c.relay.server.now()),

		Error: reason.Error(),
		Orig:  orig,
	})
}

//OnMessage processes one inbound text frame. Everything below runs
//under the server's dispatch lock, so handlers never interleave.
func (c *Client) OnMessage(src []byte) {
	in, err := msg.Parse(src)
	if err != nil {
		//Not even a JSON object; nothing to ack or echo
		c.logUsage("discarding unparseable frame: %s", err.Error())
		return
	}

	srv := c.relay.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	now := srv.now()

	if in.ID != nil {
		c.send(msg.Ack{
			ServerMessage: msg.NewServerMessage(msg.TypeAck, now),

			ID: *in.ID,
		})
	}

	if in.Type == nil {
		c.sendError(msg.ErrMissingType, in.Orig())
		return
	}

	switch *in.Type {
	case msg.TypePing:
		c.handlePing(in, now)
	case msg.TypeBind:
		c.handleBind(in, now)
	default:
		if !c.IsBound() {
			c.sendError(msg.ErrMustBindFirst, in.Orig())
			return
		}
		switch *in.Type {
		case msg.TypeList:
			c.handleList(in, now)
		case msg.TypeAllocate:
			c.handleAllocate(in, now)
		case msg.TypeClaim:
			c.handleClaim(in, now)
		case msg.TypeRelease:
			c.handleRelease(in, now)
		case msg.TypeOpen:
			c.handleOpen(in, now)
		case msg.TypeAdd:
			c.handleAdd(in, now)
		case msg.TypeClose:
			c.handleClose(in, now)
		default:
			c.sendError(msg.ErrUnknownType, in.Orig())
		}
	}
}

func (c *Client) handlePing(in *msg.Inbound, now int64) {
	if in.Ping == nil {
		c.sendError(msg.ErrPingRequiresPing, in.Orig())
		return
	}
	c.send(msg.Pong{
		ServerMessage: msg.NewServerMessage(msg.TypePong, now),

		Pong: *in.Ping,
	})
}

func (c *Client) handleBind(in *msg.Inbound, now int64) {
	if c.IsBound() {
		c.sendError(msg.ErrAlreadyBound, in.Orig())
		return
	}
	if in.AppID == nil {
		c.sendError(msg.ErrBindRequiresApp, in.Orig())
		return
	}
	if in.Side == nil {
		c.sendError(msg.ErrBindRequiresSide, in.Orig())
		return
	}

	c.app = c.relay.server.GetApp(*in.AppID)
	c.side = *in.Side
	c.logUsage("client bound")

	if len(in.ClientVersion) >= 2 {
		err := c.app.LogClientVersion(now, c.side, in.ClientVersion[0], in.ClientVersion[1])
		if err != nil {
			log.Err("recording client version", err)
		}
	}
}

func (c *Client) handleList(in *msg.Inbound, now int64) {
	ids, err := c.app.GetNameplateIDs()
	if err != nil {
		c.internalError("listing nameplates", err, in)
		return
	}

	entries := make([]msg.NameplateEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, msg.NameplateEntry{ID: id})
	}
	c.send(msg.Nameplates{
		ServerMessage: msg.NewServerMessage(msg.TypeNameplates, now),

		Nameplates: entries,
	})
}

func (c *Client) handleAllocate(in *msg.Inbound, now int64) {
	if c.didAllocate {
		c.sendError(msg.ErrGreedyAllocate, in.Orig())
		return
	}
	c.didAllocate = true

	name, err := c.app.AllocateNameplate(c.side, now)
	if err != nil {
		c.internalError("allocating nameplate", err, in)
		return
	}
	c.send(msg.Allocated{
		ServerMessage: msg.NewServerMessage(msg.TypeAllocated, now),

		Nameplate: name,
	})
}

func (c *Client) handleClaim(in *msg.Inbound, now int64) {
	if c.didClaim {
		c.sendError(msg.ErrOneClaim, in.Orig())
		return
	}
	if in.Nameplate == nil {
		c.sendError(msg.ErrClaimNameplate, in.Orig())
		return
	}

	//Remember the claim before attempting it: a claimer rejected for
	//crowding still owns its side row and must be able to release it
	c.didClaim = true
	c.nameplate = *in.Nameplate

	mailboxID, err := c.app.ClaimNameplate(c.nameplate, c.side, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrCrowded):
			c.sendError(msg.ErrCrowded, in.Orig())
		case errors.Is(err, ErrReclaimed):
			c.sendError(msg.ErrReclaimed, in.Orig())
		default:
			c.internalError("claiming nameplate", err, in)
		}
		return
	}

	c.send(msg.Claimed{
		ServerMessage: msg.NewServerMessage(msg.TypeClaimed, now),

		Mailbox: mailboxID,
	})
}

func (c *Client) handleRelease(in *msg.Inbound, now int64) {
	var name string
	if in.Nameplate != nil {
		if c.nameplate != "" && *in.Nameplate != c.nameplate {
			c.sendError(msg.ErrReleaseMismatch, in.Orig())
			return
		}
		name = *in.Nameplate
	} else {
		if c.nameplate == "" {
			c.sendError(msg.ErrReleaseNotClaim, in.Orig())
			return
		}
		name = c.nameplate
	}

	if c.didRelease {
		c.sendError(msg.ErrOneRelease, in.Orig())
		return
	}
	c.didRelease = true

	if err := c.app.ReleaseNameplate(name, c.side, now); err != nil {
		c.internalError("releasing nameplate", err, in)
		return
	}
	c.send(msg.Released{
		ServerMessage: msg.NewServerMessage(msg.TypeReleased, now),
	})
}

func (c *Client) handleOpen(in *msg.Inbound, now int64) {
	if c.mailbox != nil {
		c.sendError(msg.ErrOneOpen, in.Orig())
		return
	}
	if in.Mailbox == nil {
		c.sendError(msg.ErrOpenMailbox, in.Orig())
		return
	}

	mbox, err := c.app.OpenMailbox(*in.Mailbox, c.side, now)
	if err != nil {
		if errors.Is(err, ErrCrowded) {
			c.sendError(msg.ErrCrowded, in.Orig())
		} else {
			c.internalError("opening mailbox", err, in)
		}
		return
	}
	c.mailbox = mbox
	c.mailboxID = *in.Mailbox

	history, err := mbox.AddListener(c,
		func(sm SidedMessage) { c.sendMessage(sm) },
		func() {
			c.stopped = true
			c.conn.Close()
		})
	if err != nil {
		c.internalError("reading mailbox history", err, in)
		return
	}
	c.listening = true

	for _, sm := range history {
		c.sendMessage(sm)
	}
}

func (c *Client) sendMessage(sm SidedMessage) {
	c.send(msg.Message{
		ServerMessage: msg.NewServerMessage(msg.TypeMessage, c.relay.server.now()),

		Side:     sm.Side,
		Phase:    sm.Phase,
		Body:     sm.Body,
		ServerRX: sm.ServerRX,
		MsgID:    sm.MsgID,
	})
}

func (c *Client) handleAdd(in *msg.Inbound, now int64) {
	if c.mailbox == nil {
		c.sendError(msg.ErrMustOpenFirst, in.Orig())
		return
	}
	if in.Phase == nil {
		c.sendError(msg.ErrMissingPhase, in.Orig())
		return
	}
	if in.Body == nil {
		c.sendError(msg.ErrMissingBody, in.Orig())
		return
	}

	msgID := ""
	if in.ID != nil {
		msgID = *in.ID
	}

	err := c.mailbox.AddMessage(SidedMessage{
		Side:     c.side,
		Phase:    *in.Phase,
		Body:     *in.Body,
		ServerRX: now,
		MsgID:    msgID,
	})
	if err != nil {
		c.internalError("adding message", err, in)
	}
	//No direct reply; our own listener echoes it back as a message
}

func (c *Client) handleClose(in *msg.Inbound, now int64) {
	if in.Mailbox != nil {
		if c.mailboxID != "" && *in.Mailbox != c.mailboxID {
			c.sendError(msg.ErrCloseMismatch, in.Orig())
			return
		}
		c.mailboxID = *in.Mailbox
	}
	if c.mailboxID == "" {
		c.sendError(msg.ErrCloseNotOpen, in.Orig())
		return
	}
	if c.didClose {
		c.sendError(msg.ErrOneClose, in.Orig())
		return
	}

	mbox := c.mailbox
	if mbox == nil {
		//Close by name without a prior open on this connection still
		//joins the mailbox first, so a third side is told it crowds
		var err error
		mbox, err = c.app.OpenMailbox(c.mailboxID, c.side, now)
		if err != nil {
			if errors.Is(err, ErrCrowded) {
				c.sendError(msg.ErrCrowded, in.Orig())
			} else {
				c.internalError("opening mailbox for close", err, in)
			}
			return
		}
	}
	c.didClose = true

	//Drop our own listener first so closing does not boot ourselves
	if c.listening {
		mbox.RemoveListener(c)
		c.listening = false
	}

	if err := mbox.Close(c.side, in.Mood, now); err != nil {
		c.internalError("closing mailbox", err, in)
		return
	}
	c.mailbox = nil

	c.send(msg.Closed{
		ServerMessage: msg.NewServerMessage(msg.TypeClosed, now),
	})
}

//internalError covers store failures and other conditions the protocol
//has no reason for. The condition is logged and the raw error text is
//sent back; the connection stays open.
func (c *Client) internalError(doing string, err error, in *msg.Inbound) {
	log.Err("failed %s", doing, err)
	c.sendError(err, in.Orig())
}
