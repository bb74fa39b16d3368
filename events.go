package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sseKeepAliveInterval = 15 * time.Second
	wsPingInterval       = 30 * time.Second
	wsWriteWait          = 10 * time.Second
	wsPongWait           = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// snapshotMessage encodes the current depth so a fresh observer has
// something to render before the next tick.
func snapshotMessage(app *App, r *http.Request) (Message, bool) {
	world, err := app.Gateway.World(r.Context())
	if err != nil {
		log.Println("snapshot load failed:", err)
		return Message{}, false
	}
	body, err := encodeEnvelope(EventDepthUpdate, newDepthUpdate(world, app.Clock.Now()))
	if err != nil {
		return Message{}, false
	}
	return Message{Type: EventDepthUpdate, Body: body}, true
}

func eventsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := app.Hub.Subscribe()
		defer app.Hub.Unsubscribe(sub)

		send := func(msg Message) bool {
			if _, err := w.Write([]byte("event: " + msg.Type + "\n")); err != nil {
				return false
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return false
			}
			if _, err := w.Write(msg.Body); err != nil {
				return false
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		if msg, ok := snapshotMessage(app, r); ok {
			if !send(msg) {
				return
			}
		} else {
			// Headers still need to reach the client.
			flusher.Flush()
		}

		ticker := time.NewTicker(sseKeepAliveInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok || !send(msg) {
					return
				}
			case <-ticker.C:
				if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func wsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade:", err)
			return
		}

		sub := app.Hub.Subscribe()
		done := make(chan struct{})
		go wsReader(conn, done)
		wsWriter(conn, sub, done, app, r)
		app.Hub.Unsubscribe(sub)
	}
}

// wsReader discards client frames; it exists to process control frames
// and notice when the peer goes away.
func wsReader(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsWriter(conn *websocket.Conn, sub *Subscriber, done chan struct{}, app *App, r *http.Request) {
	defer conn.Close()

	write := func(body []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, body) == nil
	}

	if msg, ok := snapshotMessage(app, r); ok {
		if !write(msg.Body) {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.C():
			if !ok || !write(msg.Body) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
