package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/ezstream/internal/app/transcode"
	"github.com/dkeye/ezstream/internal/domain"
	"github.com/rs/zerolog/log"
)

// Stream failures never reach the client; it notices through missing output.

func (o *Orchestrator) StartStream(id domain.ConnID, data json.RawMessage) {
	if o.Streams == nil || !o.Registry.Has(id) {
		return
	}
	var req domain.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "orch.stream").Str("conn", string(id)).Msg("invalid stream:start payload")
		return
	}
	if err := o.Streams.Start(id, req); err != nil {
		log.Debug().Err(err).Str("module", "orch.stream").Str("conn", string(id)).Msg("stream not started")
	}
}

func (o *Orchestrator) FeedStream(id domain.ConnID, chunk []byte) {
	if o.Streams == nil {
		return
	}
	err := o.Streams.Feed(id, chunk)
	if err != nil && !errors.Is(err, transcode.ErrNotStreaming) && !errors.Is(err, transcode.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "orch.stream").Str("conn", string(id)).Msg("chunk dropped")
	}
}

func (o *Orchestrator) StopStream(id domain.ConnID) {
	if o.Streams == nil {
		return
	}
	o.Streams.Stop(id)
}
