package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/mew-protocol/gateway/pkg/envelope"
)

// streamRequestEffect allocates the next stream id, records ownership, and
// broadcasts stream/open before the stream/request itself fans out, so every
// participant knows the id by the time data frames may arrive.
func (g *Gateway) streamRequestEffect(s *session, env *envelope.Envelope) error {
	direction := "unknown"
	if d, ok := env.Payload["direction"].(string); ok && d != "" {
		direction = d
	}

	g.streamMu.Lock()
	g.streamSeq++
	sid := fmt.Sprintf("stream-%d", g.streamSeq)
	g.streams[sid] = &streamRecord{
		id:        sid,
		requestID: env.ID,
		owner:     s.pid,
		direction: direction,
		createdAt: time.Now(),
	}
	g.streamMu.Unlock()

	open := envelope.New(envelope.GatewayParticipant, envelope.KindStreamOpen, map[string]any{
		"stream_id": sid,
		"encoding":  "text",
	})
	open.CorrelationID = envelope.CorrelationID{env.ID}

	frame, err := envelope.Marshal(open)
	if err != nil {
		g.logger.Error("Failed to marshal stream/open", "stream_id", sid, "error", err)
		return nil
	}
	g.broadcast(frame)
	g.logger.Info("Stream opened", "stream_id", sid, "owner", s.pid, "direction", direction)
	return nil
}

// streamCloseEffect removes the record; the close envelope fans out
// afterwards. Closing an unknown stream is a no-op.
func (g *Gateway) streamCloseEffect(s *session, env *envelope.Envelope) error {
	sid, _ := env.Payload["stream_id"].(string)
	if sid == "" {
		return errors.New("stream/close requires payload.stream_id")
	}

	g.streamMu.Lock()
	_, existed := g.streams[sid]
	delete(g.streams, sid)
	g.streamMu.Unlock()

	if existed {
		g.logger.Info("Stream closed", "stream_id", sid, "by", s.pid)
	}
	return nil
}

// handleStreamFrame forwards a raw #<sid># data frame to everyone, provided
// the stream is registered and the sender owns it. Anything else is logged
// and dropped without an error envelope.
func (g *Gateway) handleStreamFrame(s *session, frame []byte) {
	sid, ok := envelope.ParseStreamFrame(frame)
	if !ok {
		g.logger.Warn("Dropping malformed stream frame", "participant", s.pid)
		return
	}

	g.streamMu.Lock()
	rec := g.streams[sid]
	g.streamMu.Unlock()

	if rec == nil {
		g.logger.Warn("Dropping frame for unknown stream", "stream_id", sid, "participant", s.pid)
		return
	}
	if rec.owner != s.pid {
		g.logger.Warn("Dropping stream frame from non-owner",
			"stream_id", sid, "owner", rec.owner, "participant", s.pid)
		return
	}
	g.broadcast(frame)
}

// closeOwnedStreams drops every stream owned by a departing participant and
// broadcasts a synthesized stream/close per stream so subscribers are not
// left waiting.
func (g *Gateway) closeOwnedStreams(pid string) {
	g.streamMu.Lock()
	var owned []*streamRecord
	for sid, rec := range g.streams {
		if rec.owner == pid {
			owned = append(owned, rec)
			delete(g.streams, sid)
		}
	}
	g.streamMu.Unlock()

	for _, rec := range owned {
		closeEnv := envelope.New(envelope.GatewayParticipant, envelope.KindStreamClose, map[string]any{
			"stream_id": rec.id,
			"reason":    "owner_disconnected",
		})
		closeEnv.CorrelationID = envelope.CorrelationID{rec.requestID}

		frame, err := envelope.Marshal(closeEnv)
		if err != nil {
			g.logger.Error("Failed to marshal synthesized stream/close", "stream_id", rec.id, "error", err)
			continue
		}
		g.broadcast(frame)
		g.logger.Info("Stream abandoned by owner", "stream_id", rec.id, "owner", pid)
	}
}
