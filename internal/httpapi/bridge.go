package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/maestro/internal/events"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 120 * time.Second
)

// wsPingPeriod must stay comfortably below wsPongWait so a live observer
// always answers before its read deadline lapses. Variable so tests can
// shorten it.
var wsPingPeriod = 50 * time.Second

// handleEventsWS streams every domain event to the connected observer. The
// feed is fire-and-forget: events published while an observer is saturated
// or disconnected are dropped, and clients re-read the REST resources on
// reconnect rather than relying on replay. Observers send no traffic of
// their own, so the server pings on a ticker to keep the read deadline
// honest.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.WSObservers.Inc()
	defer s.metrics.WSObservers.Dec()

	outbound := make(chan events.Event, s.cfg.WSEventBuffer)
	unsubscribe := s.orch.Bus.Subscribe(events.Wildcard, func(evt events.Event) error {
		select {
		case outbound <- evt:
		default:
			// Keep publishers non-blocking; a slow observer loses events.
		}
		return nil
	})
	defer unsubscribe()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case evt := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Observers only listen; the read loop just detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}

	unsubscribe()
	close(stop)
	<-writerDone
}
