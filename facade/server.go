package facade

import (
	"context"
	"fmt"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge/brokererr"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/transport"
)

// replyBuffer generously bounds the reply channel so a stale reply for a
// cancelled call never blocks the broker's forwardReply (spec §5).
const replyBuffer = 16

// Options configures a Server at construction time.
type Options struct {
	// ChainID is the EIP-155 chain the wallet is asked to operate on.
	ChainID uint64
	// Chains is the full chain metadata table offered during Init, keyed
	// by chain ID, used by the browser to drive an add-chain prompt when
	// ChainID is unrecognized (spec §4.1).
	Chains map[uint64]ethwire.ChainInfo
	// Port pins the loopback listener; zero picks an ephemeral port.
	Port uint16
	// Nonce pins the index route's access token; empty generates one
	// (spec §6's `server?{port?, nonce?}` constructor shape).
	Nonce string
	// OpenBrowser launches the user's default browser at the server's
	// nonce-gated URL once the listener is live.
	OpenBrowser bool
	Logger      *zap.Logger
}

// Server owns the broker, its actor goroutine, and the HTTP listener that
// exposes it to a browser tab. Construct with Open; tear down with Close.
type Server struct {
	broker    *bridge.Broker
	transport *transport.Server
	client    *Client
	logger    *zap.Logger
}

// Open starts the broker, binds the loopback listener, and (optionally)
// opens a browser tab at the resulting nonce-gated URL. It returns once
// the listener is live; it does not wait for a wallet to connect.
func Open(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	replyCh := make(chan ethwire.Response, replyBuffer)
	broker := bridge.NewBroker(opts.ChainID, opts.Chains, replyCh, logger)
	go broker.Run()

	t, err := transport.Listen(transport.Options{Port: opts.Port, Nonce: opts.Nonce}, broker, logger)
	if err != nil {
		broker.Stop()
		return nil, &brokererr.InitFailure{Cause: err}
	}

	s := &Server{
		broker:    broker,
		transport: t,
		client:    New(broker, replyCh),
		logger:    logger,
	}

	if opts.OpenBrowser {
		if err := browser.OpenURL(t.URL()); err != nil {
			logger.Warn("failed to open browser automatically", zap.Error(err))
		}
	}

	return s, nil
}

// URL is the nonce-gated address a browser must visit to attach.
func (s *Server) URL() string { return s.transport.URL() }

// Client returns the caller-facing handle for issuing signing operations.
func (s *Server) Client() *Client { return s.client }

// Close shuts down the HTTP listener and stops the broker actor loop.
func (s *Server) Close(ctx context.Context) error {
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("facade: shutting down transport: %w", err)
	}
	s.broker.Stop()
	return nil
}
