package relay

import (
	"net/http"
	"time"

	"wormhole-mailbox/log"

	"github.com/gorilla/websocket"
)

//buildUpgrader translates the configured protocol options onto the
//websocket upgrader. Options the transport has no equivalent for are
//logged and ignored rather than refused, so config files written for
//other server implementations keep working.
func buildUpgrader(opts map[string]interface{}) websocket.Upgrader {
	up := websocket.Upgrader{
		HandshakeTimeout: time.Minute,

		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	for key, value := range opts {
		switch key {
		case "readBufferSize":
			if n, ok := value.(float64); ok {
				up.ReadBufferSize = int(n)
				continue
			}
		case "writeBufferSize":
			if n, ok := value.(float64); ok {
				up.WriteBufferSize = int(n)
				continue
			}
		case "enableCompression":
			if b, ok := value.(bool); ok {
				up.EnableCompression = b
				continue
			}
		case "handshakeTimeout":
			if n, ok := value.(float64); ok {
				up.HandshakeTimeout = time.Duration(n) * time.Second
				continue
			}
		}
		log.Warnf("ignoring websocket protocol option %s", key)
	}

	return up
}

func (r *Relay) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("upgrading connection to websocket failed: %s", err.Error())
		return
	}

	client := newClient(r, conn)

	//Queue the welcome before the pumps start so it is always the
	//first frame out, even when the client pipelines a request into
	//the handshake
	client.OnConnect()

	r.register <- client

	go client.watchWrites()
	go client.watchReads()
}
