// Package relay routes JSON envelopes between authenticated sessions.
//
// Inbound frames carry an optional target_device_id and an opaque payload.
// The engine stamps the sender's authenticated device_id onto the frame,
// then either unicasts to the target or broadcasts to every other session.
// Delivery is fire-and-forget: a dead or saturated peer loses the frame and
// the closure path eventually unregisters it.
package relay

import (
	"encoding/json"
	"log/slog"

	"phbgateway/internal/observability/metrics"
	"phbgateway/internal/protocol"
	"phbgateway/internal/registry"
)

type Engine struct {
	reg *registry.Registry
	log *slog.Logger
}

func New(reg *registry.Registry, log *slog.Logger) *Engine {
	return &Engine{reg: reg, log: log.With("component", "relay")}
}

// HandleFrame processes one frame from an authenticated session. Malformed
// frames are dropped without closing the sender; one bad frame must not cost
// a client its session.
func (e *Engine) HandleFrame(sender *registry.Session, raw []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		metrics.DroppedFramesTotal.WithLabelValues("malformed").Inc()
		e.log.Debug("non-JSON frame dropped", "from", sender.DeviceID)
		return
	}

	typ := frameType(fields)

	// Auth happens exactly once, during the handshake. A second auth_response
	// on an established session is a protocol violation and costs the socket;
	// relaying it would leak the signature to every peer.
	if typ == protocol.TypeAuthResponse {
		metrics.DroppedFramesTotal.WithLabelValues("reauth").Inc()
		e.log.Warn("auth_response on authenticated session, closing", "from", sender.DeviceID)
		sender.Close(protocol.CloseAuthFailed, protocol.ReasonAuthFailed)
		return
	}

	// Pairing requests are routed to the desktop regardless of target; the
	// gateway never inspects the pairing code itself.
	if typ == protocol.TypePairingRequest {
		e.forwardPairingRequest(sender, fields)
		return
	}
	// A pairing socket has no relay privileges beyond its own exchange.
	if sender.Role == protocol.RolePairing {
		metrics.DroppedFramesTotal.WithLabelValues("unauthorized").Inc()
		e.log.Debug("frame from pairing session dropped", "from", sender.DeviceID)
		return
	}

	target := stringField(fields, "target_device_id")
	out, err := stampSender(fields, sender.DeviceID)
	if err != nil {
		metrics.DroppedFramesTotal.WithLabelValues("malformed").Inc()
		e.log.Debug("unencodable frame dropped", "from", sender.DeviceID, "error", err)
		return
	}

	if target != "" {
		e.unicast(sender, target, typ, out)
		return
	}
	e.broadcast(sender, out)
}

func (e *Engine) unicast(sender *registry.Session, target, typ string, out []byte) {
	peer, ok := e.reg.Lookup(target)
	if !ok {
		metrics.DroppedFramesTotal.WithLabelValues("unknown_target").Inc()
		e.log.Info("target not connected, frame dropped", "from", sender.DeviceID, "target", target)
		return
	}
	// A pairing socket exists only for its own exchange: the sole frame it may
	// receive is the desktop's pairing_response.
	if peer.Role == protocol.RolePairing &&
		(sender.Role != protocol.RoleDesktop || typ != protocol.TypePairingResponse) {
		metrics.DroppedFramesTotal.WithLabelValues("unauthorized").Inc()
		e.log.Debug("frame to pairing session dropped", "from", sender.DeviceID, "target", target)
		return
	}
	if !peer.Send(out) {
		metrics.DroppedFramesTotal.WithLabelValues("queue_full").Inc()
		e.log.Warn("send failed, frame dropped", "from", sender.DeviceID, "target", target)
		return
	}
	metrics.RelayedFramesTotal.WithLabelValues("unicast").Inc()
	metrics.RelayedFrameBytes.Observe(float64(len(out)))
	e.log.Debug("relayed", "from", sender.DeviceID, "to", target)
}

func (e *Engine) broadcast(sender *registry.Session, out []byte) {
	for _, peer := range e.reg.BroadcastTargets(sender.ID) {
		if !peer.Send(out) {
			metrics.DroppedFramesTotal.WithLabelValues("queue_full").Inc()
			e.log.Warn("send failed, frame dropped", "from", sender.DeviceID, "target", peer.DeviceID)
			continue
		}
		metrics.RelayedFramesTotal.WithLabelValues("broadcast").Inc()
		metrics.RelayedFrameBytes.Observe(float64(len(out)))
		e.log.Debug("relayed", "from", sender.DeviceID, "to", peer.DeviceID)
	}
}

func (e *Engine) forwardPairingRequest(sender *registry.Session, fields map[string]json.RawMessage) {
	desktop, ok := e.reg.Desktop()
	if !ok {
		metrics.DroppedFramesTotal.WithLabelValues("desktop_offline").Inc()
		e.log.Info("pairing request with no desktop connected", "from", sender.DeviceID)
		sender.Send(protocol.DesktopOfflineRejection())
		return
	}
	out, err := stampSender(fields, sender.DeviceID)
	if err != nil {
		metrics.DroppedFramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	if !desktop.Send(out) {
		metrics.DroppedFramesTotal.WithLabelValues("queue_full").Inc()
		e.log.Warn("pairing request dropped, desktop queue full", "from", sender.DeviceID)
		return
	}
	metrics.RelayedFramesTotal.WithLabelValues("pairing").Inc()
	e.log.Info("pairing request forwarded to desktop", "from", sender.DeviceID)
}

// stampSender rewrites the frame with the authenticated sender_device_id.
// Any client-supplied value is overwritten and the routing field is dropped;
// payload bytes are carried through verbatim as raw JSON.
func stampSender(fields map[string]json.RawMessage, senderID string) ([]byte, error) {
	id, err := json.Marshal(senderID)
	if err != nil {
		return nil, err
	}
	fields["sender_device_id"] = id
	delete(fields, "target_device_id")
	return json.Marshal(fields)
}

func frameType(fields map[string]json.RawMessage) string {
	return stringField(fields, "type")
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
