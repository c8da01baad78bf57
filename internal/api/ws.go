package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// ─── Push Channel (/api/ws/{id}) ────────────────────────────────────────────

// handleTaskSocket streams a task's events as JSON messages: first the
// current record, then each update, and closes after the terminal one.
func (s *Server) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the snapshot so nothing falls in between.
	sub := s.tasks.Subscribe(id)
	defer sub.Close()

	t, err := s.tasks.GetState(id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found: "+id)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade has already replied
	}
	defer conn.Close()
	logger := s.log.WithField("task-id", shortID(id))

	gone := make(chan struct{})
	go readPump(conn, gone)

	if err := writeEvent(conn, notify.EventFromTask(*t)); err != nil {
		return
	}
	if t.IsTerminal() {
		closeSocket(conn)
		return
	}

	last := t.Progress
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Released by the hub; the terminal event itself may have been
				// dropped, the stored record has it.
				if final, err := s.tasks.GetState(id); err == nil && final.IsTerminal() {
					writeEvent(conn, notify.EventFromTask(*final))
				}
				closeSocket(conn)
				return
			}
			// Buffered events can predate the snapshot.
			if !ev.Terminal() && ev.Progress < last {
				continue
			}
			last = ev.Progress
			if err := writeEvent(conn, ev); err != nil {
				logger.Debugf("Push channel write failed: %v", err)
				return
			}
			if ev.Terminal() {
				closeSocket(conn)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("Push channel closed by client")
			return
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh until
// the peer goes away.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev notify.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task complete")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
