package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 120 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event stream not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// direct carries replies to this connection only.
	direct := make(chan any, 16)
	if s.balance != nil {
		if b := s.balance.Current(); b.Loaded {
			direct <- b.Event()
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, sub, direct)
		// Unblocks the read loop when the writer stops first.
		_ = conn.Close()
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.reply(direct, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		s.metrics.IncWSMessage("inbound", string(protocol.TypeClientControl))
		s.handleControl(parsed.(protocol.ClientControl))
	}

	cancel()
	<-writerDone
}

func (s *Server) handleControl(msg protocol.ClientControl) {
	switch msg.Action {
	case protocol.ActionCancelSession:
		if s.sessions != nil {
			s.sessions.Cancel(msg.SessionID)
		}
	case protocol.ActionCancelWithdrawal:
		if s.withdrawals != nil {
			s.withdrawals.Cancel()
		}
	}
	s.logger.Debug("client control", zap.String("action", msg.Action), zap.String("session_id", msg.SessionID))
}

// reply queues a message for this connection, dropping it when the queue is
// full so the read loop never blocks on the writer.
func (s *Server) reply(direct chan<- any, msg any) {
	select {
	case direct <- msg:
	default:
		s.metrics.IncEventDrop()
	}
}

// writeLoop is the only goroutine that writes to conn.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub <-chan any, direct <-chan any) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			cancel()
			return false
		}
		s.metrics.IncWSMessage("outbound", string(protocol.TypeOf(msg)))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-direct:
			if !write(msg) {
				return
			}
		case msg, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				cancel()
				return
			}
			if !write(msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				return
			}
		}
	}
}
