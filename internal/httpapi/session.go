package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/screenpilot/internal/controller"
	"github.com/ent0n29/screenpilot/internal/protocol"
	"github.com/ent0n29/screenpilot/internal/session"
)

type startRequest struct {
	PermissionGranted bool `json:"permission_granted"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context())
	s.respondSnapshot(w, http.StatusOK, snap, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := s.ctrl.StartSession(r.Context(), req.PermissionGranted)
	s.respondSnapshot(w, http.StatusOK, snap, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.StopRecording(r.Context())
	s.respondSnapshot(w, http.StatusOK, snap, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Cancel(r.Context())
	s.respondSnapshot(w, http.StatusOK, snap, err)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := s.ctrl.Toggle(r.Context(), req.PermissionGranted)
	s.respondSnapshot(w, http.StatusOK, snap, err)
}

func (s *Server) respondSnapshot(w http.ResponseWriter, status int, snap session.Snapshot, err error) {
	if err == nil {
		respondJSON(w, status, snap)
		return
	}
	code, status := errorCode(err)
	respondError(w, status, code, err.Error())
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, controller.ErrSessionBusy):
		return "session_busy", http.StatusConflict
	case errors.Is(err, controller.ErrNotRecording):
		return "not_recording", http.StatusConflict
	case errors.Is(err, controller.ErrStopped):
		return "controller_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request_cancelled", http.StatusServiceUnavailable
	default:
		return "internal", http.StatusInternalServerError
	}
}

// handleEventsWS streams state events to an overlay client and accepts
// client_control messages from it. All writes happen on one goroutine.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event bus not configured")
		return
	}
	// Subscribe before the handshake completes so no state change is missed.
	notes, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnClose := context.AfterFunc(s.streams, cancel)
	defer stopOnClose()
	replies := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the conn unblocks the reader whenever the writer gives up.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
					time.Now().Add(time.Second))
				return
			case n, ok := <-notes:
				if !ok {
					cancel()
					return
				}
				msg = protocol.NewStateEvent(n)
			case msg = <-replies:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.ObserveWSWriteError("write_json")
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queueReply(replies, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(control.Type))
		if err := s.dispatchControl(ctx, control); err != nil {
			code, _ := errorCode(err)
			s.queueReply(replies, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   code,
				Detail: err.Error(),
			})
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) dispatchControl(ctx context.Context, msg protocol.ClientControl) error {
	var err error
	switch msg.Action {
	case protocol.ActionStart:
		_, err = s.ctrl.StartSession(ctx, msg.PermissionGranted)
	case protocol.ActionStop:
		_, err = s.ctrl.StopRecording(ctx)
	case protocol.ActionCancel:
		_, err = s.ctrl.Cancel(ctx)
	case protocol.ActionToggle:
		_, err = s.ctrl.Toggle(ctx, msg.PermissionGranted)
	}
	return err
}

// queueReply drops the reply when the writer is saturated.
func (s *Server) queueReply(replies chan<- any, msg any) {
	select {
	case replies <- msg:
	default:
		s.metrics.ObserveWSWriteError("drop_full")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StateEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
