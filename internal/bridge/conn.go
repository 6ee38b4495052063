package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/audit"
	"github.com/openclaw/gateway-go/internal/config"
	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/presence"
)

type connState int

const (
	stateConnected connState = iota
	stateAwaitingApproval
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAwaitingApproval:
		return "awaiting-approval"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// protocolError ends the connection with an error frame.
type protocolError struct {
	code    apperrors.ErrorCode
	message string
}

func violation(message string) *protocolError {
	return &protocolError{code: apperrors.ErrCodeInvalidRequest, message: message}
}

// conn is one node socket. Only the read goroutine writes nodeID, under
// mu; approvals arrive from other goroutines and also go through mu.
type conn struct {
	server   *Server
	netConn  net.Conn
	reader   *FrameReader
	remoteIP string

	writeMu sync.Mutex

	// lifeMu orders registration against teardown, so a socket that
	// closes mid-approval is never left registered.
	lifeMu sync.Mutex

	mu            sync.Mutex
	state         connState
	nodeID        string
	device        model.DeviceInfo
	connectedAtMs int64

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	return &conn{
		server:   s,
		netConn:  nc,
		reader:   NewFrameReader(nc, s.cfg.MaxFrameBytes),
		remoteIP: host,
		pending:  make(map[string]chan Frame),
		done:     make(chan struct{}),
	}
}

func (c *conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) serve() {
	defer c.close("node-disconnected")

	_ = c.netConn.SetReadDeadline(time.Now().Add(c.server.cfg.HandshakeTimeout))

	for {
		f, err := c.reader.Read()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case isTimeout(err):
				c.fail(&protocolError{code: apperrors.ErrCodeTimeout, message: "handshake timed out"})
			case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrMissingType):
				c.fail(violation(err.Error()))
			case errors.Is(err, bufio.ErrTooLong):
				c.fail(violation("frame exceeds size limit"))
			default:
				log.Debug().Err(err).Str("remoteIp", c.remoteIP).Msg("bridge read failed")
			}
			return
		}

		if perr := c.handle(f); perr != nil {
			c.fail(perr)
			return
		}
	}
}

func (c *conn) handle(f Frame) *protocolError {
	if f.Type == FramePing {
		_ = c.send(Frame{Type: FramePong, ID: f.ID})
		return nil
	}

	switch c.getState() {
	case stateConnected, stateAwaitingApproval:
		switch f.Type {
		case FrameHello:
			return c.handleHello(f)
		case FramePairRequest:
			return c.handlePairRequest(f)
		}
		return violation("expected hello or pair-request, got " + f.Type)

	case stateAuthenticated:
		switch f.Type {
		case FrameResponse:
			c.resolve(f)
			return nil
		case FrameEvent:
			c.server.handleNodeEvent(c, f)
			return nil
		}
		return violation("unexpected frame type " + f.Type)
	}
	return nil
}

// bindNode fixes the node id on first contact. A connection cannot
// switch identities later.
func (c *conn) bindNode(f Frame) *protocolError {
	nodeID := strings.TrimSpace(f.NodeID)
	if nodeID == "" {
		return violation("nodeId is required")
	}
	if c.nodeID != "" {
		if c.nodeID != nodeID {
			return violation("nodeId changed mid-connection")
		}
		return nil
	}
	c.mu.Lock()
	c.nodeID = nodeID
	c.mu.Unlock()
	return nil
}

func (c *conn) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *conn) handleHello(f Frame) *protocolError {
	if perr := c.bindNode(f); perr != nil {
		return perr
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.HandshakeTimeout)
	defer cancel()

	if f.Token != "" {
		if device, ok := c.server.store.VerifyToken(ctx, c.nodeID, f.Token); ok {
			if updated := c.refreshMetadata(ctx, *device, f); updated != nil {
				device = updated
			}
			c.authenticate(*device, f)
			return nil
		}
	}

	// A node still waiting for approval retries with hello; keep its
	// request alive instead of failing it.
	if c.getState() == stateAwaitingApproval {
		return c.requestPairing(ctx, f)
	}

	event := audit.Event{Type: audit.EventNodeAuthFailure, DeviceID: c.nodeID, IP: c.remoteIP}
	if f.Token != "" {
		event.Details = map[string]interface{}{"reason": "bad token"}
	}
	audit.Log(ctx, event)
	return &protocolError{code: apperrors.ErrCodeNotPaired, message: "node " + c.nodeID + " is not paired"}
}

func (c *conn) handlePairRequest(f Frame) *protocolError {
	if perr := c.bindNode(f); perr != nil {
		return perr
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.HandshakeTimeout)
	defer cancel()
	return c.requestPairing(ctx, f)
}

func (c *conn) requestPairing(ctx context.Context, f Frame) *protocolError {
	c.mu.Lock()
	if c.state == stateConnected {
		c.state = stateAwaitingApproval
	}
	c.mu.Unlock()

	// Approval can take as long as the operator needs.
	_ = c.netConn.SetReadDeadline(time.Time{})
	c.server.trackAwaiting(c)

	info := model.DeviceInfo{
		DeviceID:    c.nodeID,
		PublicKey:   f.PublicKey,
		DisplayName: f.DisplayName,
		Platform:    f.Platform,
		Version:     f.Version,
		Scopes:      f.Scopes,
		RemoteIP:    c.remoteIP,
	}
	res, err := c.server.store.Request(ctx, info)
	if err != nil {
		log.Error().Err(err).Str("nodeId", c.nodeID).Msg("bridge pairing request failed")
		return &protocolError{code: apperrors.ErrCodeStore, message: "pairing request could not be stored"}
	}

	log.Info().
		Str("nodeId", c.nodeID).
		Str("requestId", res.Request.RequestID).
		Bool("created", res.Created).
		Msg("bridge node awaiting approval")
	return nil
}

func (c *conn) refreshMetadata(ctx context.Context, device model.PairedDevice, f Frame) *model.PairedDevice {
	var patch model.DeviceMetadataPatch
	changed := false
	set := func(dst **string, current, next string) {
		if next != "" && next != current {
			v := next
			*dst = &v
			changed = true
		}
	}
	set(&patch.DisplayName, device.DisplayName, f.DisplayName)
	set(&patch.Platform, device.Platform, f.Platform)
	set(&patch.Version, device.Version, f.Version)
	set(&patch.RemoteIP, device.RemoteIP, c.remoteIP)
	if !changed {
		return nil
	}

	updated, err := c.server.store.UpdateMetadata(ctx, device.DeviceID, patch)
	if err != nil {
		log.Warn().Err(err).Str("nodeId", device.DeviceID).Msg("failed to update node metadata")
		return nil
	}
	return updated
}

// authenticate moves the connection to authenticated, registers it and
// sends hello-ok. It is a no-op if already authenticated or closed.
func (c *conn) authenticate(device model.PairedDevice, hello Frame) {
	c.lifeMu.Lock()
	c.mu.Lock()
	if c.state == stateAuthenticated || c.state == stateClosed {
		c.mu.Unlock()
		c.lifeMu.Unlock()
		return
	}
	c.state = stateAuthenticated
	c.device = model.DeviceInfo{
		DeviceID:    device.DeviceID,
		DisplayName: firstNonEmpty(hello.DisplayName, device.DisplayName),
		Platform:    firstNonEmpty(hello.Platform, device.Platform),
		Version:     firstNonEmpty(hello.Version, device.Version),
		RemoteIP:    c.remoteIP,
	}
	c.connectedAtMs = time.Now().UnixMilli()
	c.mu.Unlock()

	_ = c.netConn.SetReadDeadline(time.Time{})
	c.server.untrackAwaiting(c)
	c.server.register(c)
	c.lifeMu.Unlock()

	if err := c.send(Frame{Type: FrameHelloOK, NodeID: device.DeviceID, ServerName: c.server.cfg.ServerName}); err != nil {
		log.Warn().Err(err).Str("nodeId", device.DeviceID).Msg("failed to send hello-ok")
		c.close("write-failed")
	}
}

func (c *conn) info() NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NodeInfo{
		NodeID:        c.nodeID,
		DisplayName:   c.device.DisplayName,
		Platform:      c.device.Platform,
		Version:       c.device.Version,
		RemoteIP:      c.remoteIP,
		ConnectedAtMs: c.connectedAtMs,
	}
}

func (c *conn) presence(reason string) model.PresenceEntry {
	info := c.info()
	return model.PresenceEntry{
		NodeID:      info.NodeID,
		DisplayName: info.DisplayName,
		Platform:    info.Platform,
		Version:     info.Version,
		RemoteIP:    info.RemoteIP,
		Mode:        presence.ModeNode,
		Reason:      reason,
		LastSeenMs:  time.Now().UnixMilli(),
	}
}

func (c *conn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	_ = c.netConn.SetWriteDeadline(time.Now().Add(config.BridgeWriteTimeout))
	return WriteFrame(c.netConn, f)
}

// fail sends an error frame and closes the connection.
func (c *conn) fail(perr *protocolError) {
	_ = c.send(Frame{Type: FrameError, Code: string(perr.code), Message: perr.message})
	c.close(strings.ToLower(string(perr.code)))
}

// close tears the connection down once. For an authenticated node the
// disconnect notification goes out before the socket is closed.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		c.mu.Lock()
		wasAuthenticated := c.state == stateAuthenticated
		c.state = stateClosed
		c.mu.Unlock()

		c.server.untrackAwaiting(c)
		if wasAuthenticated && c.server.registry.remove(c) {
			c.server.notifier.NodeDisconnected(c.presence(presence.ReasonDisconnected))
		}
		c.lifeMu.Unlock()

		c.writeMu.Lock()
		close(c.done)
		_ = c.netConn.Close()
		c.writeMu.Unlock()

		c.server.forget(c)
		log.Debug().
			Str("nodeId", c.id()).
			Str("remoteIp", c.remoteIP).
			Str("reason", reason).
			Msg("bridge connection closed")
	})
}

func (c *conn) addPending(id string) chan Frame {
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *conn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolve hands a response to the one waiting caller. Responses with no
// waiter (already timed out, or never sent) are dropped.
func (c *conn) resolve(f Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.pendingMu.Unlock()

	if !ok {
		log.Debug().Str("nodeId", c.nodeID).Str("id", f.ID).Msg("dropping response without waiter")
		return
	}
	ch <- f
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
