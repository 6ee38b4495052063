package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/config"
	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
)

// PairingStore is the part of the pairing store the bridge drives.
type PairingStore interface {
	Request(ctx context.Context, info model.DeviceInfo) (model.RequestResult, error)
	VerifyToken(ctx context.Context, deviceID, token string) (*model.PairedDevice, bool)
	UpdateMetadata(ctx context.Context, deviceID string, patch model.DeviceMetadataPatch) (*model.PairedDevice, error)
}

// Notifier receives node lifecycle and event traffic.
type Notifier interface {
	NodeConnected(node model.PresenceEntry)
	NodeBeacon(node model.PresenceEntry)
	// NodeDisconnected is called before the socket is closed.
	NodeDisconnected(node model.PresenceEntry)
	NodeEvent(nodeID, event string, payload json.RawMessage)
}

type nopNotifier struct{}

func (nopNotifier) NodeConnected(model.PresenceEntry)         {}
func (nopNotifier) NodeBeacon(model.PresenceEntry)            {}
func (nopNotifier) NodeDisconnected(model.PresenceEntry)      {}
func (nopNotifier) NodeEvent(string, string, json.RawMessage) {}

type Config struct {
	Addr             string
	TLSCertFile      string
	TLSKeyFile       string
	ServerName       string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	BeaconInterval   time.Duration
	MaxFrameBytes    int
	// RepairDisconnect closes a node's live connection when a repair
	// approval for it completes on another socket or out of band.
	RepairDisconnect bool
}

// Server accepts node connections. It also implements pairing.Notifier
// so approvals and rejections reach the waiting socket.
type Server struct {
	cfg      Config
	store    PairingStore
	notifier Notifier
	registry *Registry

	mu       sync.Mutex
	listener net.Listener
	awaiting map[string]*conn // nodeId -> connection waiting for approval
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, store PairingStore, notifier Notifier) *Server {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "openclaw-gateway"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = 3 * time.Minute
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = config.BridgeMaxFrameBytes
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		registry: NewRegistry(),
		awaiting: make(map[string]*conn),
		conns:    make(map[*conn]struct{}),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the listener and begins accepting. A bind or TLS failure is
// returned and the server stays stopped.
func (s *Server) Start(ctx context.Context) error {
	var tlsConfig *tls.Config
	if s.cfg.TLSCertFile != "" || s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load bridge tls keypair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.cfg.Addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("bridge server already closed")
	}
	s.listener = ln
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", tlsConfig != nil).
		Msg("bridge server listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Listening returns the bound address, if the server is running.
func (s *Server) Listening() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.closed {
		return "", false
	}
	return s.listener.Addr().String(), true
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("bridge accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.close("shutdown")
	}
	s.wg.Wait()
	log.Info().Msg("bridge server stopped")
	return err
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) trackAwaiting(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.awaiting[c.nodeID]; prev != nil && prev != c {
		// The newer socket owns the request; the old one can never finish.
		go prev.close("superseded")
	}
	s.awaiting[c.nodeID] = c
}

func (s *Server) untrackAwaiting(c *conn) {
	nodeID := c.id()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.awaiting[nodeID] == c {
		delete(s.awaiting, nodeID)
	}
}

func (s *Server) takeAwaiting(nodeID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.awaiting[nodeID]
	delete(s.awaiting, nodeID)
	return c
}

// register makes c the live connection for its node and starts its
// presence beacon. Caller holds c.lifeMu. An older connection for the
// same node is always replaced, whatever RepairDisconnect says: the
// registry holds one socket per node.
func (s *Server) register(c *conn) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	// Stopping waits for the beacon goroutine, so no beacon can follow
	// the disconnect notification.
	stop := func() {
		cancel()
		<-stopped
	}
	prev := s.registry.add(c, stop)
	if prev != nil {
		prev.cancelBeacon()
		log.Info().Str("nodeId", c.id()).Msg("bridge node reconnected, closing previous connection")
		// Async: prev.close takes prev.lifeMu and two sockets for one
		// node may be registering at once.
		go prev.conn.close("replaced")
	}

	node := c.presence(presence.ReasonConnect)
	log.Info().
		Str("nodeId", node.NodeID).
		Str("platform", node.Platform).
		Str("remoteIp", node.RemoteIP).
		Msg("bridge node authenticated")
	s.notifier.NodeConnected(node)

	go s.runBeacon(ctx, c, stopped)
}

func (s *Server) runBeacon(ctx context.Context, c *conn, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifier.NodeBeacon(c.presence(presence.ReasonBeacon))
		}
	}
}

func (s *Server) handleNodeEvent(c *conn, f Frame) {
	switch f.Event {
	case EventChatSubscribe, EventChatUnsubscribe:
		var body struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.SessionKey == "" {
			log.Debug().Str("nodeId", c.nodeID).Str("event", f.Event).Msg("ignoring subscription event without sessionKey")
			break
		}
		if f.Event == EventChatSubscribe {
			s.registry.Subscribe(c.nodeID, body.SessionKey)
		} else {
			s.registry.Unsubscribe(c.nodeID, body.SessionKey)
		}
	}
	s.notifier.NodeEvent(c.nodeID, f.Event, f.Payload)
}

// Invoke forwards a request to nodeID and waits for its response. If the
// node does not answer within the request timeout the caller gets a
// TIMEOUT error and a late response is dropped; the connection stays up.
func (s *Server) Invoke(ctx context.Context, nodeID, method string, params any) (json.RawMessage, *apperrors.AppError) {
	c := s.registry.get(nodeID)
	if c == nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("node %s is not connected", nodeID))
	}

	raw, err := marshalPayload(params)
	if err != nil {
		return nil, apperrors.InvalidRequest("params are not valid JSON")
	}

	id := uuid.New().String()
	ch := c.addPending(id)
	defer c.removePending(id)

	if err := c.send(Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}); err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("node %s is not reachable", nodeID)).WithCause(err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error != nil {
				return nil, apperrors.New(apperrors.ErrorCode(resp.Error.Code), resp.Error.Message)
			}
			return nil, apperrors.Unavailable("node returned an error")
		}
		return resp.Payload, nil
	case <-timer.C:
		log.Warn().Str("nodeId", nodeID).Str("method", method).Str("id", id).Msg("bridge request timed out")
		return nil, apperrors.Timeout(fmt.Sprintf("node %s did not answer %s", nodeID, method))
	case <-c.done:
		return nil, apperrors.Unavailable(fmt.Sprintf("node %s disconnected", nodeID))
	case <-ctx.Done():
		return nil, apperrors.Timeout("request cancelled").WithCause(ctx.Err())
	}
}

// SendEvent pushes an event to one node.
func (s *Server) SendEvent(nodeID, event string, payload any) error {
	c := s.registry.get(nodeID)
	if c == nil {
		return fmt.Errorf("node %s is not connected", nodeID)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return c.send(Frame{Type: FrameEvent, Event: event, Payload: raw})
}

// SendToSubscribers pushes an event to every node subscribed to
// sessionKey and returns how many received it.
func (s *Server) SendToSubscribers(sessionKey, event string, payload any) int {
	raw, err := marshalPayload(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode node event")
		return 0
	}

	sent := 0
	for _, c := range s.registry.subscribers(sessionKey) {
		if err := c.send(Frame{Type: FrameEvent, Event: event, Payload: raw}); err != nil {
			log.Debug().Err(err).Str("nodeId", c.nodeID).Str("event", event).Msg("failed to deliver node event")
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) ListNodes() []NodeInfo {
	return s.registry.List()
}

func (s *Server) NodeCount() int {
	return s.registry.Len()
}

func (s *Server) PinnedSessionKeys() []string {
	return s.registry.PinnedSessionKeys()
}

// PairingRequested is a no-op: the requesting socket is already tracked.
func (s *Server) PairingRequested(model.PendingRequest, bool) {}

// PairingApproved delivers the new token to the waiting socket and
// authenticates it.
func (s *Server) PairingApproved(device model.PairedDevice, requestID string) {
	c := s.takeAwaiting(device.DeviceID)
	if c == nil {
		if s.cfg.RepairDisconnect {
			if live := s.registry.get(device.DeviceID); live != nil {
				log.Info().Str("nodeId", device.DeviceID).Str("requestId", requestID).Msg("closing node connection after repair")
				_ = live.send(Frame{Type: FrameError, Code: string(apperrors.ErrCodeUnauthorized), Message: "node was re-paired"})
				live.close("repaired")
			}
		}
		return
	}

	if err := c.send(Frame{Type: FramePairOK, NodeID: device.DeviceID, Token: device.Token}); err != nil {
		log.Warn().Err(err).Str("nodeId", device.DeviceID).Msg("failed to deliver pair-ok")
		c.close("write-failed")
		return
	}
	c.authenticate(device, Frame{})
}

// PairingRejected closes the waiting socket with PAIRING_REJECTED.
func (s *Server) PairingRejected(result model.RejectResult) {
	if c := s.takeAwaiting(result.DeviceID); c != nil {
		log.Info().Str("nodeId", result.DeviceID).Str("requestId", result.RequestID).Msg("bridge pairing rejected")
		c.fail(&protocolError{code: apperrors.ErrCodePairingRejected, message: "pairing request was rejected"})
	}
}
