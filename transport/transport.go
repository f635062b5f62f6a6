// Package transport binds the loopback HTTP listener that gates access to
// the bridge: it serves the embedded front-end behind a one-shot nonce,
// upgrades /ws/ to a WebSocket session, and serves /dist/* static assets
// (spec.md §4.1).
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/assets"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/bridge"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/session"
)

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNonce produces a 16-character alphanumeric token. The nonce
// gates the index route against drive-by loopback requests from other
// local origins; it is not a session secret and must never be logged.
func GenerateNonce() (string, error) {
	out := make([]byte, 16)
	max := big.NewInt(int64(len(nonceAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("transport: generating nonce: %w", err)
		}
		out[i] = nonceAlphabet[n.Int64()]
	}
	return string(out), nil
}

// Options configures the listener. Port zero means an ephemeral port
// chosen by the OS; Nonce empty means one is generated.
type Options struct {
	Port  uint16
	Nonce string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the bound HTTP listener plus its nonce and broker
// association (spec.md §3 "Server handle").
type Server struct {
	port   uint16
	nonce  string
	broker *bridge.Broker
	logger *zap.Logger

	httpServer *http.Server
	listener   net.Listener

	// sessionCtx bounds every Session's lifetime to the Server's, not to
	// the individual HTTP request that performed the upgrade -- net/http
	// cancels a request's context as soon as its handler returns, which
	// happens immediately after a hijack, so sessions must not be driven
	// off r.Context() (they would be torn down before any real traffic).
	sessionCtx    context.Context
	cancelSession context.CancelFunc
}

// Listen binds 127.0.0.1:{port|0} and starts serving immediately in the
// background. Callers get the bound port back once the listener is live.
func Listen(opts Options, broker *bridge.Broker, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nonce := opts.Nonce
	if nonce == "" {
		var err error
		nonce, err = GenerateNonce()
		if err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: bind loopback listener: %w", err)
	}

	sessionCtx, cancelSession := context.WithCancel(context.Background())

	s := &Server{
		port:          uint16(ln.Addr().(*net.TCPAddr).Port),
		nonce:         nonce,
		broker:        broker,
		logger:        logger,
		sessionCtx:    sessionCtx,
		cancelSession: cancelSession,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{Handler: router}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()

	return s, nil
}

// Port returns the bound loopback port.
func (s *Server) Port() uint16 { return s.port }

// Nonce returns the one-shot access token for the index route. Callers
// use it to build the URL they hand to the browser opener.
func (s *Server) Nonce() string { return s.nonce }

// URL is the full loopback URL a browser should be pointed at.
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/?nonce=%s", s.port, s.nonce)
}

// Shutdown gracefully stops the HTTP listener, then cancels the shared
// session context so any attached Session winds down too -- a hijacked
// WebSocket connection is invisible to http.Server.Shutdown's own
// connection tracking, so it would otherwise never be told to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.cancelSession()
	return err
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws/", s.handleWebsocket).Methods(http.MethodGet)
	r.PathPrefix("/dist/").HandlerFunc(s.handleDist).Methods(http.MethodGet)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("nonce") != s.nonce {
		http.NotFound(w, r)
		return
	}
	s.serveEmbedded(w, r, "dist/index.html")
}

func (s *Server) handleDist(w http.ResponseWriter, r *http.Request) {
	path := "dist" + r.URL.Path[len("/dist"):]
	s.serveEmbedded(w, r, path)
}

func (s *Server) serveEmbedded(w http.ResponseWriter, r *http.Request, path string) {
	data, err := fs.ReadFile(assets.Dist, path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, path, time.Time{}, bytes.NewReader(data))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := session.New(conn, s.broker, s.logger)
	go sess.Run(s.sessionCtx)
}
