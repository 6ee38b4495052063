package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/sessions"
)

func (s *Server) registerMethods() {
	s.handle("health", handleHealth)
	s.handle("status", handleStatus)

	s.handle("sessions.list", handleSessionsList)
	s.handleIdempotent("sessions.patch", handleSessionsPatch)
	s.handleIdempotent("sessions.delete", handleSessionsDelete)
	s.handle("sessions.maintenance", handleSessionsMaintenance)

	s.handle("node.list", handleNodeList)
	s.handleIdempotent("node.invoke", handleNodeInvoke)
	s.handle("node.event", handleNodeEvent)
	s.handle("node.pair.list", handlePairList)
	s.handle("node.pair.approve", handlePairApprove)
	s.handle("node.pair.reject", handlePairReject)

	s.handleIdempotent("send", handleSend)
}

func handleHealth(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Probe bool `json:"probe"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if rc.Health == nil {
		return nil, apperrors.Unavailable("health cache is not configured")
	}
	if p.Probe {
		snap, _ := rc.Health.Refresh(ctx, true)
		return snap, nil
	}
	return rc.Health.Get(ctx), nil
}

func handleStatus(ctx context.Context, rc *Context, _ json.RawMessage) (any, *apperrors.AppError) {
	status := map[string]any{
		"version":      rc.Version,
		"uptimeMs":     time.Since(rc.StartedAt).Milliseconds(),
		"clients":      rc.Broadcaster.ClientCount(),
		"stateVersion": rc.Broadcaster.Versions().Current(),
	}
	if rc.Bridge != nil {
		status["nodes"] = len(rc.Bridge.ListNodes())
	}
	if rc.Sessions != nil {
		n, err := rc.Sessions.Count(ctx)
		if err != nil {
			return nil, apperrors.Store(err)
		}
		status["sessions"] = n

		used, err := rc.Sessions.DiskUsage(ctx)
		if err != nil {
			return nil, apperrors.Store(err)
		}
		status["sessionBytes"] = used
	}
	if rc.Channels != nil {
		status["channels"] = rc.Channels.IDs()
	}
	return status, nil
}

func handleSessionsList(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Limit         int `json:"limit"`
		ActiveMinutes int `json:"activeMinutes"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	rows, err := rc.Sessions.List(ctx)
	if err != nil {
		return nil, apperrors.Store(err)
	}

	if p.ActiveMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(p.ActiveMinutes) * time.Minute).UnixMilli()
		filtered := rows[:0]
		for _, row := range rows {
			if row.UpdatedAt >= cutoff {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	if p.Limit > 0 && len(rows) > p.Limit {
		rows = rows[:p.Limit]
	}

	return map[string]any{
		"count":    len(rows),
		"sessions": rows,
	}, nil
}

func handleSessionsPatch(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Key string `json:"key"`
		model.SessionPatch
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Key) == "" {
		return nil, apperrors.MissingRequired("key")
	}

	entry, err := rc.Sessions.Patch(ctx, p.Key, p.SessionPatch)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return map[string]any{"key": p.Key, "entry": entry}, nil
}

func handleSessionsDelete(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Key string `json:"key"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, apperrors.MissingRequired("key")
	}

	deleted, err := rc.Sessions.Delete(ctx, p.Key)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return map[string]any{"key": p.Key, "deleted": deleted}, nil
}

func handleSessionsMaintenance(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	mode, err := sessions.ParseMode(p.Mode)
	if err != nil {
		return nil, apperrors.InvalidRequest(err.Error())
	}

	var active []string
	if rc.Bridge != nil {
		active = rc.Bridge.PinnedSessionKeys()
	}
	report, err := rc.Sessions.Maintain(ctx, rc.Maintenance, sessions.Options{Mode: mode, ActiveKeys: active})
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return report, nil
}

func handleNodeList(_ context.Context, rc *Context, _ json.RawMessage) (any, *apperrors.AppError) {
	if rc.Bridge == nil {
		return map[string]any{"nodes": []any{}}, nil
	}
	return map[string]any{"nodes": rc.Bridge.ListNodes()}, nil
}

func handleNodeInvoke(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		NodeID    string          `json:"nodeId"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params,omitempty"`
		TimeoutMs int64           `json:"timeoutMs,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.NodeID == "" {
		return nil, apperrors.MissingRequired("nodeId")
	}
	if p.Command == "" {
		return nil, apperrors.MissingRequired("command")
	}
	if rc.Bridge == nil {
		return nil, apperrors.Unavailable("node bridge is disabled")
	}

	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	payload, appErr := rc.Bridge.Invoke(ctx, p.NodeID, p.Command, p.Params)
	if appErr != nil {
		return nil, appErr
	}
	return map[string]any{
		"nodeId":  p.NodeID,
		"command": p.Command,
		"payload": payload,
	}, nil
}

func handleNodeEvent(_ context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		NodeID  string          `json:"nodeId"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.NodeID == "" {
		return nil, apperrors.MissingRequired("nodeId")
	}
	if p.Event == "" {
		return nil, apperrors.MissingRequired("event")
	}
	if rc.Bridge == nil {
		return nil, apperrors.Unavailable("node bridge is disabled")
	}

	if err := rc.Bridge.SendEvent(p.NodeID, p.Event, p.Payload); err != nil {
		return nil, apperrors.Unavailable(err.Error()).WithCause(err)
	}
	return map[string]any{"nodeId": p.NodeID, "event": p.Event, "delivered": true}, nil
}

func handlePairList(ctx context.Context, rc *Context, _ json.RawMessage) (any, *apperrors.AppError) {
	list, err := rc.Pairing.List(ctx)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	for i := range list.Paired {
		list.Paired[i] = list.Paired[i].Public()
	}
	return list, nil
}

type pairDecisionParams struct {
	RequestID string `json:"requestId"`
}

func handlePairApprove(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p pairDecisionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		return nil, apperrors.MissingRequired("requestId")
	}

	device, err := rc.Pairing.Approve(ctx, p.RequestID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if device == nil {
		return nil, apperrors.NotFound("Pairing request")
	}
	return map[string]any{"requestId": p.RequestID, "device": device.Public()}, nil
}

func handlePairReject(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p pairDecisionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		return nil, apperrors.MissingRequired("requestId")
	}

	result, err := rc.Pairing.Reject(ctx, p.RequestID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if result == nil {
		return nil, apperrors.NotFound("Pairing request")
	}
	return result, nil
}

func handleSend(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
	var p struct {
		Channel    string `json:"channel"`
		To         string `json:"to"`
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.Channel == "":
		return nil, apperrors.MissingRequired("channel")
	case p.To == "":
		return nil, apperrors.MissingRequired("to")
	case p.Message == "":
		return nil, apperrors.MissingRequired("message")
	}
	if rc.Channels == nil {
		return nil, apperrors.Unavailable("no channels are configured")
	}

	adapter, ok := rc.Channels.Get(p.Channel)
	if !ok {
		return nil, apperrors.NotFound("Channel " + p.Channel)
	}
	result, err := adapter.Send(ctx, p.To, p.Message)
	if err != nil {
		return nil, apperrors.Unavailable("send via " + p.Channel + " failed").WithCause(err)
	}

	// The message is out. Anything after this point must not fail the
	// call, or an idempotent retry would send it again.
	if p.SessionKey != "" && rc.Sessions != nil {
		if err := rc.Sessions.Touch(ctx, p.SessionKey); err != nil {
			log.Warn().Err(err).
				Str("sessionKey", p.SessionKey).
				Str("channel", p.Channel).
				Str("messageId", result.MessageID).
				Msg("message sent but session touch failed")
		}
	}
	// Nodes following the session see outbound messages as chat events.
	if p.SessionKey != "" && rc.Bridge != nil {
		rc.Bridge.SendToSubscribers(p.SessionKey, "chat", map[string]any{
			"sessionKey": p.SessionKey,
			"state":      "final",
			"channel":    result.Channel,
			"messageId":  result.MessageID,
			"message":    p.Message,
		})
	}
	return result, nil
}

func forwardMethod(name string) Handler {
	return func(ctx context.Context, rc *Context, params json.RawMessage) (any, *apperrors.AppError) {
		if rc.Forwarder == nil {
			return nil, apperrors.Unavailable(name + " is not available on this gateway")
		}
		payload, err := rc.Forwarder.Forward(ctx, name, params)
		if err != nil {
			return nil, apperrors.From(err)
		}
		return payload, nil
	}
}
