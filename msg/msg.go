//Package msg defines the JSON envelopes exchanged with clients over
//the websocket connection, and the protocol error reasons the server
//may answer with. Message bodies are opaque to the server.
package msg

//Envelope type names used on the wire
const (
	TypeWelcome    = "welcome"
	TypeAck        = "ack"
	TypeBind       = "bind"
	TypeList       = "list"
	TypeNameplates = "nameplates"
	TypeAllocate   = "allocate"
	TypeAllocated  = "allocated"
	TypeClaim      = "claim"
	TypeClaimed    = "claimed"
	TypeRelease    = "release"
	TypeReleased   = "released"
	TypeOpen       = "open"
	TypeMessage    = "message"
	TypeAdd        = "add"
	TypeClose      = "close"
	TypeClosed     = "closed"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

//ServerMessage carries the fields common to every server-to-client
//envelope: the mandatory type and the transmit timestamp in seconds.
type ServerMessage struct {
	Type     string `json:"type"`
	ServerTX int64  `json:"server_tx"`
}

//NewServerMessage builds the common portion of an outbound envelope
func NewServerMessage(t string, now int64) ServerMessage {
	return ServerMessage{Type: t, ServerTX: now}
}

//Welcome is the first envelope on every connection
type Welcome struct {
	ServerMessage

	Info map[string]interface{} `json:"welcome"`
}

//Ack echoes the id of any inbound envelope that carried one
type Ack struct {
	ServerMessage

	ID string `json:"id"`
}

//NameplateEntry is one allocated nameplate in a Nameplates response
type NameplateEntry struct {
	ID string `json:"id"`
}

//Nameplates answers a list request
type Nameplates struct {
	ServerMessage

	Nameplates []NameplateEntry `json:"nameplates"`
}

//Allocated answers an allocate request with the chosen nameplate
type Allocated struct {
	ServerMessage

	Nameplate string `json:"nameplate"`
}

//Claimed answers a claim request with the mailbox the nameplate
//refers to
type Claimed struct {
	ServerMessage

	Mailbox string `json:"mailbox"`
}

//Released acknowledges a release request
type Released struct {
	ServerMessage
}

//Message forwards one mailbox message to a subscribed client. The
//same envelope is used for history replay and live broadcast.
type Message struct {
	ServerMessage

	Side     string `json:"side"`
	Phase    string `json:"phase"`
	Body     string `json:"body"`
	ServerRX int64  `json:"server_rx"`
	MsgID    string `json:"msg_id"`
}

//Closed acknowledges a close request
type Closed struct {
	ServerMessage
}

//Pong answers a ping
type Pong struct {
	ServerMessage

	Pong int64 `json:"pong"`
}

//Error reports a protocol failure back to the client together with
//the envelope that caused it. The connection stays open.
type Error struct {
	ServerMessage

	Error string      `json:"error"`
	Orig  interface{} `json:"orig"`
}
