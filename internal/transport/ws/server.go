// Package ws is the gateway's WebSocket transport: it accepts upgrades at
// /ws, drives each socket through the authentication handshake and then
// pumps frames between the socket and the relay engine.
//
// Per-socket discipline: one reader goroutine and one writer goroutine. All
// outbound frames pass through the session's queue, which gives FIFO
// delivery from any sender to any receiver.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phbgateway/internal/auth"
	"phbgateway/internal/cryptoutil"
	"phbgateway/internal/httpx"
	"phbgateway/internal/observability/metrics"
	"phbgateway/internal/protocol"
	"phbgateway/internal/registry"
	"phbgateway/internal/relay"
	"phbgateway/internal/state"
)

const writeWait = 10 * time.Second

type Config struct {
	// HandshakeTimeout covers socket accept through AUTHENTICATED.
	HandshakeTimeout time.Duration
	// IdleTimeout closes sockets that stay silent; 0 disables it. Clients
	// keep sessions alive with protocol pings, which the server answers at
	// the websocket layer.
	IdleTimeout time.Duration
	// ConnectRate limits accepted upgrades per IP per minute; 0 disables it.
	ConnectRate int
	// ShutdownGrace bounds how long a graceful shutdown waits for sessions
	// to drain before force-closing sockets.
	ShutdownGrace time.Duration
}

type Server struct {
	cfg      Config
	store    *state.Store
	verifier *auth.Verifier
	reg      *registry.Registry
	relay    *relay.Engine
	log      *slog.Logger
	upgrader websocket.Upgrader

	sessions sync.WaitGroup

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

func New(cfg Config, store *state.Store, verifier *auth.Verifier, reg *registry.Registry, engine *relay.Engine, log *slog.Logger) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		reg:      reg,
		relay:    engine,
		log:      log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeTimeout,
			// Peers are paired devices, not browsers; origin checks add
			// nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Router exposes /ws plus the operator endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httpx.LogRequests(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.ConnectRate > 0 {
			r.Use(httprate.LimitByIP(s.cfg.ConnectRate, time.Minute))
		}
		r.Get("/ws", s.handleWS)
	})
	return r
}

// Serve runs the listener until ctx is cancelled, then shuts down: stop
// accepting, send every session a going-away close, wait up to ShutdownGrace
// and force-close whatever remains.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "connected", s.reg.DeviceIDs())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	for _, sess := range s.reg.All() {
		sess.Close(websocket.CloseGoingAway, protocol.ReasonGoingAway)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.forceCloseConns()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"connected": s.reg.Len(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	// Upgrade failures (non-websocket requests) already get an HTTP 400
	// reply from the upgrader.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.sessions.Add(1)
	s.trackConn(conn)
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("session panic", "device_id", deviceID, "panic", v)
			closeWith(conn, websocket.CloseInternalServerErr, protocol.ReasonInternalError)
		}
		s.untrackConn(conn)
		s.sessions.Done()
	}()

	if deviceID == "" {
		s.log.Warn("connection rejected, missing device_id", "remote", r.RemoteAddr)
		closeWith(conn, protocol.CloseMissingDeviceID, protocol.ReasonMissingDeviceID)
		return
	}

	conn.SetReadLimit(protocol.MaxFrameBytes)
	s.serveConn(conn, deviceID, r.RemoteAddr)
}

func (s *Server) serveConn(conn *websocket.Conn, deviceID, remote string) {
	outcome, err := s.handshake(conn, deviceID)
	if err != nil {
		code, reason := auth.CloseCodeFor(err)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code, reason = protocol.CloseAuthFailed, protocol.ReasonAuthTimeout
		}
		metrics.AuthAttemptsTotal.WithLabelValues(outcome.mode, "failed").Inc()
		s.log.Warn("handshake failed", "device_id", deviceID, "remote", remote, "close_code", code, "error", err)
		closeWith(conn, code, reason)
		return
	}
	metrics.AuthAttemptsTotal.WithLabelValues(outcome.mode, "ok").Inc()

	res := outcome.result
	sess := registry.NewSession(res.DeviceID, res.Role, res.DevicePublicKey)
	if displaced := s.reg.Register(sess); displaced != nil {
		s.log.Info("session displaced", "device_id", sess.DeviceID, "old_session", displaced.ID)
	}
	metrics.ConnectedSessions.WithLabelValues(sess.Role).Inc()
	s.log.Info("session authenticated", "device_id", sess.DeviceID, "role", sess.Role, "session", sess.ID, "total", s.reg.Len())

	writerDone := make(chan struct{})
	go s.writePump(conn, sess, writerDone)

	if outcome.pairingFrame != nil {
		// The pairing request doubles as the first relayed frame; the
		// desktop's response comes back through the normal unicast path.
		s.relay.HandleFrame(sess, outcome.pairingFrame)
	} else {
		okFrame, _ := json.Marshal(protocol.AuthOK{
			Type:     protocol.TypeAuthOK,
			Role:     sess.Role,
			DeviceID: sess.DeviceID,
		})
		sess.Send(okFrame)
	}

	s.readPump(conn, sess)

	s.reg.Unregister(sess)
	sess.Close(websocket.CloseAbnormalClosure, "")
	<-writerDone
	metrics.ConnectedSessions.WithLabelValues(sess.Role).Dec()
	s.log.Info("session closed", "device_id", sess.DeviceID, "session", sess.ID, "total", s.reg.Len())
}

// handshakeOutcome carries the authenticated identity plus the auth mode
// seen (for metrics). pairingFrame is set when the socket's first frame was
// a pairing request instead of an auth response.
type handshakeOutcome struct {
	result       auth.Result
	mode         string
	pairingFrame []byte
}

// handshake sends the challenge and waits for the single first frame: an
// AuthResponse, or a PairingRequest from a not-yet-attested device.
func (s *Server) handshake(conn *websocket.Conn, deviceID string) (handshakeOutcome, error) {
	out := handshakeOutcome{mode: "none"}

	nonce, err := cryptoutil.RandomNonce()
	if err != nil {
		return out, fmt.Errorf("ws: nonce generation: %w", err)
	}

	challenge := protocol.AuthChallenge{
		Type:             protocol.TypeAuthChallenge,
		Nonce:            nonce,
		GatewayPublicKey: cryptoutil.EncodePublicKey(s.store.PublicKey()),
		Claimed:          s.store.IsClaimed(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(challenge); err != nil {
		return out, fmt.Errorf("ws: send challenge: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return out, fmt.Errorf("ws: read auth response: %w", err)
	}
	if msgType != websocket.TextMessage {
		return out, fmt.Errorf("%w: non-text auth frame", auth.ErrAuthFailed)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return out, fmt.Errorf("%w: malformed auth response", auth.ErrAuthFailed)
	}

	if head.Type == protocol.TypePairingRequest {
		out.mode = "pairing"
		res, err := s.verifyPairingRequest(deviceID, nonce, data)
		if err != nil {
			return out, err
		}
		out.result = res
		out.pairingFrame = data
		return out, nil
	}

	var resp protocol.AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return out, fmt.Errorf("%w: malformed auth response", auth.ErrAuthFailed)
	}
	if resp.AuthMode != "" {
		out.mode = resp.AuthMode
	}
	if resp.Type != protocol.TypeAuthResponse {
		return out, fmt.Errorf("%w: unexpected message type %q", auth.ErrAuthFailed, resp.Type)
	}

	res, err := s.verifier.VerifyResponse(deviceID, nonce, &resp)
	if err != nil {
		return out, err
	}
	out.result = res
	return out, nil
}

// verifyPairingRequest admits a transient pairing socket. The device key is
// self-asserted here; trust is established by the desktop checking the
// pairing code out-of-band before issuing an attestation.
func (s *Server) verifyPairingRequest(deviceID string, nonceHex string, data []byte) (auth.Result, error) {
	var req protocol.PairingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return auth.Result{}, fmt.Errorf("%w: malformed pairing request", auth.ErrAuthFailed)
	}
	if req.DeviceID != deviceID {
		return auth.Result{}, fmt.Errorf("%w: pairing device_id mismatch", auth.ErrAuthFailed)
	}
	pub, err := cryptoutil.ParsePublicKey(req.DevicePublicKey)
	if err != nil {
		return auth.Result{}, fmt.Errorf("%w: pairing device public key: %v", auth.ErrAuthFailed, err)
	}
	nonce, err := cryptoutil.DecodeNonce(nonceHex)
	if err != nil {
		return auth.Result{}, fmt.Errorf("%w: %v", auth.ErrAuthFailed, err)
	}
	if !cryptoutil.Verify(pub, nonce, req.NonceSignature) {
		return auth.Result{}, fmt.Errorf("%w: pairing nonce signature invalid", auth.ErrAuthFailed)
	}
	return auth.Result{Role: protocol.RolePairing, DeviceID: deviceID, DevicePublicKey: pub}, nil
}

// readPump consumes frames until the socket dies. The read limit makes
// oversized frames fail the read; gorilla answers those with close 1009.
func (s *Server) readPump(conn *websocket.Conn, sess *registry.Session) {
	resetIdle := func() {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}
	resetIdle()
	conn.SetPongHandler(func(string) error { resetIdle(); return nil })
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		resetIdle()
		return pingHandler(appData)
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("socket read ended", "device_id", sess.DeviceID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug("non-text frame ignored", "device_id", sess.DeviceID)
			continue
		}
		resetIdle()
		s.relay.HandleFrame(sess, data)
	}
}

// writePump is the session's single writer: it drains the outbound queue and
// emits the final close frame once the session is told to shut down.
func (s *Server) writePump(conn *websocket.Conn, sess *registry.Session, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case frame := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sess.Close(websocket.CloseAbnormalClosure, "")
				_ = conn.Close()
				return
			}
		case <-sess.Done():
			if code, reason := sess.CloseFrame(); code != websocket.CloseAbnormalClosure {
				closeWith(conn, code, reason)
			} else {
				_ = conn.Close()
			}
			return
		}
	}
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) forceCloseConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
