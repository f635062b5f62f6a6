// Package bridge implements the bridge broker: the single-client
// WebSocket session mediator described in spec.md §3-4.3. It owns all
// protocol state and is deliberately single-threaded and message-driven,
// translating directly to a `select` loop over a typed mailbox channel
// rather than shared mutable state guarded by locks (spec §9).
package bridge

import (
	"context"
	"crypto/rand"
	"math/big"

	"go.uber.org/zap"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge/brokererr"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// genID produces a 16-character alphanumeric identifier using crypto/rand,
// following the teacher's internal/utils/uuid.go approach of sourcing all
// identifiers from a cryptographic RNG rather than math/rand.
func genID() string {
	out := make([]byte, 16)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failures are effectively unrecoverable on any
			// real platform; panicking here matches the severity.
			panic("bridge: crypto/rand unavailable: " + err.Error())
		}
		out[i] = idAlphabet[n.Int64()]
	}
	return string(out)
}

// GenerateID exposes genID for collaborators (facade request IDs) that
// need the same 16-character alphanumeric format.
func GenerateID() string { return genID() }

// Outbound is what the broker sends to an attached session: either a wire
// Request to forward to the browser, or an instruction to close the
// socket with a human-readable reason. Close is never itself serialized
// onto the wire (spec §3).
type Outbound struct {
	Request     *ethwire.Request
	CloseReason *string
}

// ClientRef identifies one attached session. It is a send-only channel
// rather than a strong reference to the session object, so the broker
// never reaches back through Session internals -- it only ever compares
// channel identity, mirroring the "weak handle" design in spec §9.
type ClientRef = chan<- Outbound

type initState int

const (
	initNone initState = iota
	initPending
	initDone
)

// brokerEvent is the mailbox message sum type. Only four message shapes
// reach the broker: three from sessions (Connect/Disconnect/Response, each
// carrying a ClientRef), and one from the caller facade.
type brokerEvent interface{ isBrokerEvent() }

type connectEvent struct{ client ClientRef }

func (connectEvent) isBrokerEvent() {}

type disconnectEvent struct{ client ClientRef }

func (disconnectEvent) isBrokerEvent() {}

type responseEvent struct {
	client ClientRef
	resp   ethwire.Response
}

func (responseEvent) isBrokerEvent() {}

type asyncRequestEvent struct{ req ethwire.Request }

func (asyncRequestEvent) isBrokerEvent() {}

// Broker is the single-client mediator. All fields below the inbox are
// touched only from the run loop goroutine -- no locks guard them.
type Broker struct {
	inbox  chan brokerEvent
	done   chan struct{}
	logger *zap.Logger

	chainID uint64
	chains  map[uint64]ethwire.ChainInfo

	replyOut chan<- ethwire.Response

	client        ClientRef
	init          initState
	pendingInitID string
	inFlight      bool
	queue         []ethwire.Request
}

// NewBroker constructs a Broker. replyOut is the shared channel the
// caller facade polls; it should be buffered generously enough to absorb
// a stray late reply from a cancelled operation (spec §5 "Cancellation").
func NewBroker(chainID uint64, chains map[uint64]ethwire.ChainInfo, replyOut chan<- ethwire.Response, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		inbox:    make(chan brokerEvent, 64),
		done:     make(chan struct{}),
		logger:   logger,
		chainID:  chainID,
		chains:   chains,
		replyOut: replyOut,
		init:     initNone,
	}
}

// Run executes the broker's actor loop. It blocks until Stop is called or
// the inbox is closed; callers should run it on its own goroutine.
func (b *Broker) Run() {
	defer close(b.done)
	for evt := range b.inbox {
		b.handle(evt)
	}
}

// Stop closes the mailbox, ending Run's loop, then waits for it to exit.
func (b *Broker) Stop() {
	close(b.inbox)
	<-b.done
}

// Connect registers a newly-accepted session and kicks off the Init
// handshake. Called by a Session on WebSocket accept.
func (b *Broker) Connect(client ClientRef) {
	b.post(connectEvent{client: client})
}

// Disconnect reports session teardown. Called by a Session when its
// task ends, for any reason (clean close, heartbeat timeout, kick).
func (b *Broker) Disconnect(client ClientRef) {
	b.post(disconnectEvent{client: client})
}

// HandleResponse reports a parsed Response frame from the browser.
func (b *Broker) HandleResponse(client ClientRef, resp ethwire.Response) {
	b.post(responseEvent{client: client, resp: resp})
}

// Enqueue submits a caller-originated request. It is non-blocking against
// the mailbox (the mailbox is generously buffered); ctx only bounds how
// long Enqueue waits for room in that buffer, not the eventual reply.
func (b *Broker) Enqueue(ctx context.Context, req ethwire.Request) error {
	select {
	case b.inbox <- asyncRequestEvent{req: req}:
		return nil
	case <-ctx.Done():
		return &brokererr.CommError{Reason: "enqueue", Cause: ctx.Err()}
	case <-b.done:
		return &brokererr.CommError{Reason: "broker stopped"}
	}
}

func (b *Broker) post(evt brokerEvent) {
	select {
	case b.inbox <- evt:
	case <-b.done:
	}
}

func (b *Broker) handle(evt brokerEvent) {
	switch e := evt.(type) {
	case connectEvent:
		b.onConnect(e.client)
	case disconnectEvent:
		b.onDisconnect(e.client)
	case responseEvent:
		b.onResponse(e.client, e.resp)
	case asyncRequestEvent:
		b.onAsyncRequest(e.req)
	}
}

func (b *Broker) onConnect(client ClientRef) {
	if b.client != nil {
		// Open question §9: explicit-kick policy. The previous session is
		// displaced immediately rather than left to be poisoned by a
		// later response mismatch.
		b.logger.Warn("kicking previous client, new connection arrived")
		b.kick(b.client, "replaced by new connection")
	}

	b.logger.Info("browser connected")
	b.client = client
	b.pendingInitID = genID()
	b.init = initPending
	// A request in flight to a displaced client is re-sent to this one
	// once its handshake completes.
	b.inFlight = false
	b.sendToClient(client, ethwire.Request{
		ID:      b.pendingInitID,
		Content: ethwire.InitContent{ChainID: b.chainID, Chains: b.chains},
	})
}

func (b *Broker) onDisconnect(client ClientRef) {
	if b.client == nil || client != b.client {
		// Stale disconnect from an already-displaced client; ignore.
		return
	}
	b.logger.Info("browser disconnected")
	b.client = nil
	b.init = initNone
	b.inFlight = false
	// Queue is preserved by design: it resumes once a new client
	// completes the handshake (spec invariant: disconnect never drops
	// pending work).
}

func (b *Broker) onResponse(client ClientRef, resp ethwire.Response) {
	if b.client == nil || client != b.client {
		b.logger.Warn("kicking spurious client", zap.String("reason", "invalid client"))
		b.kick(client, "invalid client")
		return
	}

	switch b.init {
	case initNone:
		b.logger.Warn("kicking client", zap.String("reason", "response before connect"))
		b.kick(client, "internal error (client)")
	case initPending:
		b.onInitResponse(client, resp)
	case initDone:
		b.onSteadyResponse(resp)
	}
}

func (b *Broker) onInitResponse(client ClientRef, resp ethwire.Response) {
	if resp.ID != b.pendingInitID {
		b.logger.Warn("kicking client", zap.String("reason", "invalid id on init"))
		b.kick(client, "internal error (client)")
		return
	}

	switch c := resp.Content.(type) {
	case ethwire.InitAck:
		b.init = initDone
		b.sendPending()
	case ethwire.ErrorAck:
		if len(b.queue) > 0 {
			head := b.queue[0]
			b.queue = b.queue[1:]
			b.forwardReply(ethwire.Response{ID: head.ID, Content: c})
		}
		b.logger.Warn("kicking client", zap.String("reason", "failed init"))
		b.kick(client, "failed init")
	default:
		b.logger.Warn("kicking client", zap.String("reason", "wrong init status"))
		b.kick(client, "internal error (client)")
	}
}

func (b *Broker) onSteadyResponse(resp ethwire.Response) {
	if len(b.queue) == 0 || resp.ID != b.queue[0].ID {
		// Late reply from a request that already completed or was
		// superseded; tolerated by design, never kicks the client.
		b.logger.Debug("ignoring stale response", zap.String("id", resp.ID))
		return
	}

	b.queue = b.queue[1:]
	b.forwardReply(resp)
	b.inFlight = false
	b.sendPending()
}

func (b *Broker) onAsyncRequest(req ethwire.Request) {
	b.queue = append(b.queue, req)
	b.sendPending()
}

// sendPending is the pump: it emits the head-of-queue request exactly
// when policy allows (invariant I1: in_flight implies init=Done, a
// non-empty queue, and an attached client).
func (b *Broker) sendPending() {
	if b.inFlight || b.init != initDone || b.client == nil || len(b.queue) == 0 {
		return
	}
	req := b.queue[0]
	b.sendToClient(b.client, req)
	b.inFlight = true
}

func (b *Broker) sendToClient(client ClientRef, req ethwire.Request) {
	select {
	case client <- Outbound{Request: &req}:
	default:
		b.logger.Warn("client outbox full, kicking", zap.String("id", req.ID))
		b.kick(client, "internal error (server)")
	}
}

func (b *Broker) kick(client ClientRef, reason string) {
	select {
	case client <- Outbound{CloseReason: &reason}:
	default:
	}
}

func (b *Broker) forwardReply(resp ethwire.Response) {
	b.replyOut <- resp
}
