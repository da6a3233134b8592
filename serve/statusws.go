package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"birdcam/status"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// How often the snapshot is checked for changes.
	pollPeriod = 250 * time.Millisecond
)

// StatusStream pushes the status snapshot over a websocket whenever it
// changes. Each client polls the holder on its own, so a slow client only
// delays itself.
type StatusStream struct {
	Status Snapshots

	upgrader websocket.Upgrader
}

func NewStatusStream(s Snapshots) *StatusStream {
	return &StatusStream{
		Status: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (m *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	m.serve(ws, r.Context().Done())
}

func (m *StatusStream) serve(ws *websocket.Conn, done <-chan struct{}) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pollTicker := time.NewTicker(pollPeriod)
	defer pollTicker.Stop()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	var last *status.Status
	send := func() bool {
		st := m.Status.Load()
		if st == nil || st == last {
			return true
		}
		last = st
		js, err := json.Marshal(st)
		if err != nil {
			clog.Errorf("Failed to encode status: %v", err)
			return false
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, js) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-pollTicker.C:
			if !send() {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		case <-done:
			return
		}
	}
}
