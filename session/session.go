// Package session implements one WebSocket connection's lifecycle: frame
// codec, heartbeat, and translation between wire frames and the bridge
// broker's typed messages (spec.md §4.2).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
)

const (
	heartbeatInterval = 10 * time.Second
	clientTimeout     = 30 * time.Second
	writeWait         = 5 * time.Second
)

// Conn is the subset of *websocket.Conn a Session needs, so tests can
// substitute a fake transport without opening a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session owns one accepted WebSocket and reports to a single Broker. It
// is created at accept time and destroyed when its Run loop returns, at
// which point it always notifies the broker with Disconnect.
type Session struct {
	conn   Conn
	broker *bridge.Broker
	logger *zap.Logger

	outbox chan bridge.Outbound

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// New wraps an accepted connection. Call Run to drive its lifecycle.
func New(conn Conn, broker *bridge.Broker, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:          conn,
		broker:        broker,
		logger:        logger,
		outbox:        make(chan bridge.Outbound, 4),
		lastHeartbeat: time.Now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) sinceLastHeartbeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

type inboundFrame struct {
	data   []byte
	binary bool
	err    error
}

// Run drives the session until the socket closes, the broker kicks it,
// or ctx is cancelled. It always reports Connect on entry and Disconnect
// on exit, matching spec §4.2's lifecycle contract.
func (s *Session) Run(ctx context.Context) {
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	s.broker.Connect(s.outbox)
	defer s.broker.Disconnect(s.outbox)
	defer s.conn.Close()

	stopReadLoop := make(chan struct{})
	defer close(stopReadLoop)

	inbound := make(chan inboundFrame, 1)
	go s.readLoop(inbound, stopReadLoop)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if frame.err != nil {
				return
			}
			if frame.binary {
				s.closeWithReason("internal error (server)")
				return
			}
			resp, err := ethwire.DecodeResponse(frame.data)
			if err != nil {
				s.logger.Warn("malformed response frame", zap.Error(err))
				s.closeWithReason("internal error (server)")
				return
			}
			s.broker.HandleResponse(s.outbox, *resp)

		case out := <-s.outbox:
			if out.CloseReason != nil {
				s.closeWithReason(*out.CloseReason)
				return
			}
			if out.Request != nil {
				data, err := out.Request.MarshalJSON()
				if err != nil {
					s.logger.Error("failed to marshal outbound request", zap.Error(err))
					s.closeWithReason("internal error (server)")
					return
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.logger.Warn("write failed, ending session", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			if s.sinceLastHeartbeat() > clientTimeout {
				s.logger.Warn("heartbeat timeout, closing session")
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("ping failed, ending session", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) readLoop(out chan<- inboundFrame, stop <-chan struct{}) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-stop:
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			select {
			case out <- inboundFrame{data: data}:
			case <-stop:
				return
			}
		case websocket.BinaryMessage:
			select {
			case out <- inboundFrame{binary: true}:
			case <-stop:
			}
			return
		default:
			// Ping/Pong/Close are consumed by the handlers installed in
			// Run; nothing else should reach here.
		}
	}
}

func (s *Session) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
