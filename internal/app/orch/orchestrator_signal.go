package orch

import (
	"encoding/json"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// route describes how one signaling kind is relayed: which payload field
// names the destination, which event the destination receives, and how the
// outbound payload is shaped.
type route struct {
	destField string
	outEvent  string
	shape     func(from domain.ConnID, in map[string]json.RawMessage) any
}

var routes = map[string]route{
	domain.EventOffer:            {destField: "to", outEvent: domain.EventOffer, shape: withSender},
	domain.EventAnswer:           {destField: "to", outEvent: domain.EventAnswer, shape: withSender},
	domain.EventICECandidate:     {destField: "to", outEvent: domain.EventICECandidate, shape: withSender},
	domain.EventConnectionStatus: {destField: "peerId", outEvent: domain.EventPeerConnectionStatus, shape: statusOnly},
	domain.EventStreamReady:      {destField: "to", outEvent: domain.EventStreamReady, shape: senderOnly},
}

// IsSignal reports whether event is relayed peer to peer.
func IsSignal(event string) bool {
	_, ok := routes[event]
	return ok
}

// Forward relays a signaling message from sender to the peer it names.
// The sender identity always comes from the connection, never the payload.
// Malformed messages and messages without a destination are dropped.
func (o *Orchestrator) Forward(kind string, sender domain.ConnID, data json.RawMessage) bool {
	r, ok := routes[kind]
	if !ok {
		log.Warn().Str("module", "orch.signal").Str("event", kind).Msg("not a signaling event")
		return false
	}
	if !o.Registry.Has(sender) {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		log.Warn().Str("module", "orch.signal").Str("event", kind).Str("from", string(sender)).Msg("invalid payload dropped")
		return false
	}
	var dest string
	if raw, ok := fields[r.destField]; ok {
		_ = json.Unmarshal(raw, &dest)
	}
	if dest == "" {
		log.Warn().Str("module", "orch.signal").Str("event", kind).Str("from", string(sender)).Msgf("missing %q, dropped", r.destField)
		return false
	}

	log.Debug().Str("module", "orch.signal").Str("event", kind).Str("from", string(sender)).Str("to", dest).Msg("forward")
	return o.emit(domain.ConnID(dest), r.outEvent, r.shape(sender, fields))
}

func withSender(from domain.ConnID, in map[string]json.RawMessage) any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out["from"] = from
	return out
}

func statusOnly(from domain.ConnID, in map[string]json.RawMessage) any {
	status := in["status"]
	if status == nil {
		status = json.RawMessage("null")
	}
	return map[string]any{"from": from, "status": status}
}

func senderOnly(from domain.ConnID, _ map[string]json.RawMessage) any {
	return map[string]any{"from": from}
}
