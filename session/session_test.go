package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/session"
)

// fakeConn is an in-memory stand-in for session.Conn, letting tests drive
// the read/write loop without an actual socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan wireMsg
	written  [][]byte
	closes   [][]byte
	closed   bool
	pingH    func(string) error
	pongH    func(string) error
}

type wireMsg struct {
	msgType int
	data    []byte
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wireMsg, 8)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return msg.msgType, msg.data, msg.err
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage {
		f.mu.Lock()
		f.closes = append(f.closes, data)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) SetPingHandler(h func(string) error) { f.pingH = h }
func (f *fakeConn) SetPongHandler(h func(string) error) { f.pongH = h }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) pushText(data []byte) {
	f.inbound <- wireMsg{msgType: websocket.TextMessage, data: data}
}

func (f *fakeConn) pushBinary() {
	f.inbound <- wireMsg{msgType: websocket.BinaryMessage}
}

var _ session.Conn = (*fakeConn)(nil)

func TestSession_ConnectAndDisconnect_ReportedToBroker(t *testing.T) {
	replyCh := make(chan ethwire.Response, 4)
	b := bridge.NewBroker(1, nil, replyCh, nil)
	go b.Run()
	t.Cleanup(b.Stop)

	conn := newFakeConn()
	s := session.New(conn, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Allow the session to connect and receive the Init request.
	time.Sleep(50 * time.Millisecond)
	require.NotEmpty(t, conn.written, "session should have forwarded the broker's Init request")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSession_BinaryFrame_ClosesWithInternalError(t *testing.T) {
	replyCh := make(chan ethwire.Response, 4)
	b := bridge.NewBroker(1, nil, replyCh, nil)
	go b.Run()
	t.Cleanup(b.Stop)

	conn := newFakeConn()
	s := session.New(conn, b, nil)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.pushBinary()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a binary frame was received")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.closes, 1)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error (server)"), conn.closes[0])
}

func TestSession_MalformedFrame_ClosesSession(t *testing.T) {
	replyCh := make(chan ethwire.Response, 4)
	b := bridge.NewBroker(1, nil, replyCh, nil)
	go b.Run()
	t.Cleanup(b.Stop)

	conn := newFakeConn()
	s := session.New(conn, b, nil)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.pushText([]byte(`not json`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a malformed frame was received")
	}
}

func TestSession_ForwardsValidResponseToBroker(t *testing.T) {
	replyCh := make(chan ethwire.Response, 4)
	b := bridge.NewBroker(1, nil, replyCh, nil)
	go b.Run()
	t.Cleanup(b.Stop)

	conn := newFakeConn()
	s := session.New(conn, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, conn.written, 1)

	var env struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(conn.written[0], &env))

	conn.pushText([]byte(`{"id":"` + env.ID + `","type":"Init","message":{}}`))

	require.NoError(t, b.Enqueue(ctx, ethwire.Request{ID: "after-init", Content: ethwire.AccountsContent{}}))

	select {
	case resp := <-replyCh:
		// Only reachable if Accounts somehow answered immediately, which
		// it won't without a reply -- this branch exists to document the
		// expectation and is not the primary assertion of this test.
		_ = resp
	case <-time.After(100 * time.Millisecond):
		// Expected: no ack has been sent yet, so nothing is forwarded.
		assert.True(t, true)
	}

	// The broker only dispatches the queued request once the forwarded
	// Init reply has completed its handshake.
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		if len(conn.written) < 2 {
			return false
		}
		var next struct {
			ID string `json:"id"`
		}
		return json.Unmarshal(conn.written[1], &next) == nil && next.ID == "after-init"
	}, time.Second, 10*time.Millisecond, "Init reply was not forwarded to the broker")
}
