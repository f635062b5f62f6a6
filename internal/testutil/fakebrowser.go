// Package testutil provides an in-process stand-in for the browser side of
// the bridge protocol, so broker behavior can be exercised
// without a real WebSocket connection or an actual wallet extension.
package testutil

import (
	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
)

// FakeBrowser drives a bridge.Broker the way a Session would: it owns the
// ClientRef channel the broker sends Outbound values on, and exposes
// helpers to read the next request and answer it.
type FakeBrowser struct {
	broker *bridge.Broker
	outbox chan bridge.Outbound
}

// NewFakeBrowser creates a browser stand-in bound to broker. Call Connect
// to attach it.
func NewFakeBrowser(broker *bridge.Broker) *FakeBrowser {
	return &FakeBrowser{
		broker: broker,
		outbox: make(chan bridge.Outbound, 8),
	}
}

// Ref is this browser's ClientRef, the identity the broker tracks.
func (f *FakeBrowser) Ref() bridge.ClientRef { return f.outbox }

// Connect reports a new connection to the broker.
func (f *FakeBrowser) Connect() { f.broker.Connect(f.outbox) }

// Disconnect reports this browser's session ending.
func (f *FakeBrowser) Disconnect() { f.broker.Disconnect(f.outbox) }

// Next blocks for the next Outbound value sent to this browser.
func (f *FakeBrowser) Next() bridge.Outbound {
	return <-f.outbox
}

// TryNext returns the next Outbound value without blocking, or ok=false
// if nothing is queued.
func (f *FakeBrowser) TryNext() (bridge.Outbound, bool) {
	select {
	case out := <-f.outbox:
		return out, true
	default:
		return bridge.Outbound{}, false
	}
}

// Reply answers the request with id reqID with content, as if the browser
// had sent that Response frame.
func (f *FakeBrowser) Reply(reqID string, content ethwire.ResponseContent) {
	f.broker.HandleResponse(f.outbox, ethwire.Response{ID: reqID, Content: content})
}

// ReplyAs answers on behalf of a different (possibly stale) ClientRef,
// for exercising the broker's client-identity checks.
func (f *FakeBrowser) ReplyAs(client bridge.ClientRef, reqID string, content ethwire.ResponseContent) {
	f.broker.HandleResponse(client, ethwire.Response{ID: reqID, Content: content})
}

// AnswerInit drains the Init request this browser should have received on
// Connect and acknowledges it, bringing the broker's handshake to Done. It
// is a convenience for tests that only care about post-handshake behavior.
func (f *FakeBrowser) AnswerInit() {
	out := f.Next()
	f.Reply(out.Request.ID, ethwire.InitAck{})
}
