package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tunnelbroker/log"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: time.Minute,

	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, http.Header{})
	if err != nil {
		log.Warnf("upgrading connection to websocket failed: %s", err.Error())
		return
	}

	client := &Client{
		conn:       conn,
		sendBuffer: make(chan interface{}, sendBufferSize),
		done:       make(chan struct{}),
		server:     s,
	}
	s.register <- client

	go client.watchWrites()
	go client.watchReads()
}
