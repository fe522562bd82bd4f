package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grid402/canvas/internal/app/metrics"
)

var errServiceStopping = errors.New("service is shutting down")

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The canvas stream is public read-only data.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// canvasStream upgrades the connection and forwards cell change events until
// the client disconnects or falls too far behind.
func (h *handler) canvasStream(w http.ResponseWriter, r *http.Request) {
	sub := h.app.Hub.Subscribe()
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, errServiceStopping)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.log.WithError(err).Debug("stream upgrade failed")
		return
	}

	metrics.SetStreamSubscribers(h.app.Hub.SubscriberCount())
	h.log.WithField("remote", r.RemoteAddr).Debug("stream subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Close()
		conn.Close()
		metrics.SetStreamSubscribers(h.app.Hub.SubscriberCount())
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				deadline := time.Now().Add(streamWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
