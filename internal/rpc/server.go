package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/audit"
	"github.com/openclaw/gateway-go/internal/bridge"
	"github.com/openclaw/gateway-go/internal/channels"
	"github.com/openclaw/gateway-go/internal/config"
	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/health"
	"github.com/openclaw/gateway-go/internal/idempotency"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/pairing"
	"github.com/openclaw/gateway-go/internal/presence"
	"github.com/openclaw/gateway-go/internal/sessions"
	"github.com/openclaw/gateway-go/internal/util"
)

// NodeBridge is the part of the bridge server RPC methods use.
type NodeBridge interface {
	Invoke(ctx context.Context, nodeID, method string, params any) (json.RawMessage, *apperrors.AppError)
	ListNodes() []bridge.NodeInfo
	PinnedSessionKeys() []string
	SendEvent(nodeID, event string, payload any) error
	SendToSubscribers(sessionKey, event string, payload any) int
}

// Forwarder handles method families implemented outside the gateway
// core, such as cron.*.
type Forwarder interface {
	Forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Deps are the collaborators every method can reach through its Context.
// Bridge and Forwarder may be nil.
type Deps struct {
	Version      string
	AuthToken    string
	PasswordHash string
	StartedAt    time.Time

	Presence    *presence.Tracker
	Health      *health.Cache
	Sessions    *sessions.Store
	Maintenance sessions.Policy
	Pairing     *pairing.Store
	Bridge      NodeBridge
	Channels    *channels.Registry
	Forwarder   Forwarder
}

// Context is handed to every method call.
type Context struct {
	*Deps
	Client      *Client
	Broadcaster *Broadcaster
}

// Handler implements one RPC method.
type Handler func(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError)

type method struct {
	handler    Handler
	idempotent bool
}

type Server struct {
	deps        Deps
	broadcaster *Broadcaster
	guard       *idempotency.Guard
	upgrader    websocket.Upgrader
	methods     map[string]method
	host        string
}

func NewServer(deps Deps, broadcaster *Broadcaster, guard *idempotency.Guard) *Server {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	host, _ := os.Hostname()

	s := &Server{
		deps:        deps,
		broadcaster: broadcaster,
		guard:       guard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		methods: make(map[string]method),
		host:    host,
	}
	s.registerMethods()
	return s
}

func (s *Server) handle(name string, h Handler) {
	s.methods[name] = method{handler: h}
}

func (s *Server) handleIdempotent(name string, h Handler) {
	s.methods[name] = method{handler: h, idempotent: true}
}

// Methods returns the method names advertised in hello-ok.
func (s *Server) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) events() []string {
	return []string{
		EventHealth,
		EventNodeEvent,
		EventPairRequested,
		EventPairResolved,
		EventPresence,
		EventMaintenanceReport,
		EventSessionsChanged,
		EventTick,
	}
}

// HandleWS upgrades the request and serves one control client until it
// disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(config.RPCMaxPayloadBytes)

	client := newClient(uuid.New().String(), conn, config.RPCClientBufferSize)

	reqID, params, appErr := s.handshake(client)
	if appErr != nil {
		s.rejectHandshake(client, reqID, appErr)
		return
	}
	client.setInfo(params.Client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var healthSnapshot any
	if s.deps.Health != nil {
		healthSnapshot = s.deps.Health.Get(client.ctx)
	}

	subscribed := s.broadcaster.Subscribe(client, func(sv model.StateVersion) []byte {
		return s.helloOK(client, reqID, healthSnapshot, sv)
	})
	if !subscribed {
		client.Close()
		return
	}
	defer func() {
		s.broadcaster.Unsubscribe(client)
		client.Close()
	}()

	log.Info().
		Str("connId", client.ID).
		Str("remoteAddr", client.RemoteAddr).
		Str("client", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Msg("rpc client connected")

	go client.writePump()
	s.readPump(client)

	log.Info().Str("connId", client.ID).Msg("rpc client disconnected")
}

// handshake reads the first frame, which must be a connect request with
// valid credentials.
func (s *Server) handshake(c *Client) (string, ConnectParams, *apperrors.AppError) {
	var params ConnectParams

	_ = c.conn.SetReadDeadline(time.Now().Add(config.RPCHandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", params, apperrors.InvalidRequest("handshake not completed").WithCause(err)
	}

	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != FrameTypeRequest {
		return "", params, apperrors.InvalidRequest("first frame must be a connect request")
	}
	if req.Method != MethodConnect {
		return req.ID, params, apperrors.InvalidRequest("first request must be connect")
	}
	if appErr := decodeParams(req.Params, &params); appErr != nil {
		return req.ID, params, appErr
	}

	if params.MinProtocol > config.RPCProtocolVersion ||
		(params.MaxProtocol > 0 && params.MaxProtocol < config.RPCProtocolVersion) {
		return req.ID, params, apperrors.InvalidRequest(fmt.Sprintf("protocol mismatch: server speaks %d", config.RPCProtocolVersion))
	}

	if !s.authorize(params.Auth) {
		audit.Log(c.ctx, audit.Event{
			Type:    audit.EventAuthFailure,
			IP:      c.RemoteAddr,
			Details: map[string]interface{}{"surface": "rpc", "client": params.Client.ID},
		})
		return req.ID, params, apperrors.Unauthorized("Invalid gateway token or password")
	}
	return req.ID, params, nil
}

func (s *Server) authorize(auth ConnectAuth) bool {
	token, hash := s.deps.AuthToken, s.deps.PasswordHash
	if token == "" && hash == "" {
		return true
	}
	if token != "" && auth.Token != "" && util.ConstantTimeEqual(auth.Token, token) {
		return true
	}
	if hash != "" && auth.Password != "" && util.CheckPasswordHash(auth.Password, hash) {
		return true
	}
	return false
}

// rejectHandshake writes the error synchronously, then closes.
func (s *Server) rejectHandshake(c *Client, reqID string, appErr *apperrors.AppError) {
	log.Debug().Err(appErr).Str("remoteAddr", c.RemoteAddr).Msg("rpc handshake failed")

	data, err := json.Marshal(ResponseFrame{Type: FrameTypeResponse, ID: reqID, OK: false, Error: appErr})
	if err == nil {
		_ = c.write(websocket.TextMessage, data)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(appErr.Code)),
		time.Now().Add(writeWait))
	c.Close()
}

func (s *Server) helloOK(c *Client, reqID string, healthSnapshot any, sv model.StateVersion) []byte {
	var snapshot []model.PresenceEntry
	if s.deps.Presence != nil {
		snapshot = s.deps.Presence.Snapshot()
	}

	hello := HelloOK{
		Type:     "hello-ok",
		Protocol: config.RPCProtocolVersion,
		Server: ServerInfo{
			Version: s.deps.Version,
			Host:    s.host,
			ConnID:  c.ID,
		},
		Features: Features{Methods: s.Methods(), Events: s.events()},
		Snapshot: Snapshot{
			Presence:     snapshot,
			Health:       healthSnapshot,
			StateVersion: sv,
		},
		Policy: Policy{
			MaxPayload:     config.RPCMaxPayloadBytes,
			TickIntervalMs: config.RPCTickInterval.Milliseconds(),
		},
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal hello-ok")
		return nil
	}
	data, err := json.Marshal(ResponseFrame{Type: FrameTypeResponse, ID: reqID, OK: true, Payload: payload})
	if err != nil {
		return nil
	}
	return data
}

func (s *Server) readPump(c *Client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connId", c.ID).Msg("rpc read error")
			}
			return
		}

		var req RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != FrameTypeRequest || req.ID == "" || req.Method == "" {
			s.respond(c, req.ID, idempotency.Failure(apperrors.InvalidRequest("invalid request frame")))
			continue
		}

		go s.dispatch(c, req)
	}
}

func (s *Server) lookup(name string) (method, bool) {
	if m, ok := s.methods[name]; ok {
		return m, true
	}
	if strings.HasPrefix(name, "cron.") {
		return method{handler: forwardMethod(name)}, true
	}
	return method{}, false
}

func (s *Server) dispatch(c *Client, req RequestFrame) {
	start := time.Now()

	var (
		res      idempotency.Result
		replayed bool
	)

	m, ok := s.lookup(req.Method)
	if !ok {
		res = idempotency.Failure(apperrors.MethodNotFound(req.Method))
	} else {
		rc := &Context{Deps: &s.deps, Client: c, Broadcaster: s.broadcaster}
		run := func(ctx context.Context) (out idempotency.Result) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("method", req.Method).Msg("rpc handler panicked")
					out = idempotency.Failure(apperrors.Internal("An unexpected error occurred"))
				}
			}()
			payload, appErr := m.handler(ctx, rc, req.Params)
			if appErr != nil {
				return idempotency.Failure(appErr)
			}
			return idempotency.Success(payload)
		}

		key := ""
		if m.idempotent {
			key = idempotencyKey(req.Params)
		}
		if key != "" && s.guard != nil {
			res, replayed = s.guard.Do(c.ctx, req.Method+":"+key, run)
		} else {
			res = run(c.ctx)
		}
	}

	event := log.Debug()
	if res.Error != nil && res.Error.Code == apperrors.ErrCodeInternal {
		event = log.Error().Err(res.Error)
	}
	event.
		Str("connId", c.ID).
		Str("method", req.Method).
		Bool("ok", res.OK).
		Bool("replayed", replayed).
		Dur("duration", time.Since(start)).
		Msg("rpc request")

	s.respond(c, req.ID, res)
}

// respond queues a response. Responses are never dropped, so a client
// whose buffer is full is disconnected.
func (s *Server) respond(c *Client, id string, res idempotency.Result) {
	data, err := json.Marshal(ResponseFrame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      res.OK,
		Payload: res.Payload,
		Error:   res.Error,
	})
	if err != nil {
		log.Error().Err(err).Str("connId", c.ID).Msg("failed to marshal response")
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("connId", c.ID).Msg("client too slow for response, closing connection")
		c.Close()
	}
}

func idempotencyKey(params json.RawMessage) string {
	var p struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return ""
	}
	return strings.TrimSpace(p.IdempotencyKey)
}

func decodeParams(raw json.RawMessage, v any) *apperrors.AppError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.InvalidRequest("invalid params: " + err.Error())
	}
	return nil
}
