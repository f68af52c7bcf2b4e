package gateway

import (
	"crypto/subtle"

	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/envelope"
	"github.com/mew-protocol/gateway/pkg/transport"
)

// joinRequest holds the claims extracted from a join envelope.
type joinRequest struct {
	participantID string
	space         string
	token         string
	envID         string
}

// parseJoinRequest accepts kind = system/join or the legacy {type:"join"}
// form. Claims may sit at the envelope top level or inside payload; top-level
// values win.
func parseJoinRequest(obj map[string]any) (joinRequest, bool) {
	kind, _ := obj["kind"].(string)
	typ, _ := obj["type"].(string)
	if kind != envelope.KindSystemJoin && typ != "join" {
		return joinRequest{}, false
	}

	var req joinRequest
	req.envID, _ = obj["id"].(string)

	sources := []map[string]any{obj}
	if payload, ok := obj["payload"].(map[string]any); ok {
		sources = append(sources, payload)
	}
	for _, src := range sources {
		if req.participantID == "" {
			if v, ok := src["participantId"].(string); ok {
				req.participantID = v
			} else if v, ok := src["participant_id"].(string); ok {
				req.participantID = v
			}
		}
		if req.space == "" {
			if v, ok := src["space"].(string); ok {
				req.space = v
			}
		}
		if req.token == "" {
			if v, ok := src["token"].(string); ok {
				req.token = v
			}
		}
	}
	return req, true
}

// handleJoin consumes the first envelope of an authenticating channel.
func (g *Gateway) handleJoin(s *session, frame []byte) {
	obj, err := envelope.DecodeObject(frame)
	if err != nil {
		g.logger.Warn("Unparseable first envelope", "channel_id", s.ch.ID(), "error", err)
		g.sendSystemError(s.ch, map[string]any{
			"code":    codeValidation,
			"message": "first envelope must be a join",
		}, nil, nil)
		_ = s.ch.Close()
		return
	}

	req, isJoin := parseJoinRequest(obj)
	if !isJoin {
		g.logger.Warn("First envelope is not a join", "channel_id", s.ch.ID())
		g.sendSystemError(s.ch, map[string]any{
			"message": "Expected join envelope",
		}, nil, nil)
		_ = s.ch.Close()
		return
	}

	if req.space != "" && req.space != g.spaceID {
		g.rejectJoin(s, req, "Invalid space for this gateway")
		return
	}

	expected, known := g.creds[req.participantID]
	if req.participantID == "" || req.token == "" || !known ||
		subtle.ConstantTimeCompare([]byte(req.token), []byte(expected)) != 1 {
		g.rejectJoin(s, req, "Authentication failed")
		return
	}

	g.admit(s, req.participantID)
}

// rejectJoin delivers the error and closes the channel. No presence is
// broadcast: the participant never joined.
func (g *Gateway) rejectJoin(s *session, req joinRequest, message string) {
	g.logger.Warn("Join rejected",
		"channel_id", s.ch.ID(), "participant", req.participantID, "reason", message)
	var correlationID []string
	if req.envID != "" {
		correlationID = []string{req.envID}
	}
	g.sendSystemError(s.ch, map[string]any{"message": message}, correlationID, nil)
	_ = s.ch.Close()
}

// admit installs the participant, answers with system/welcome, and announces
// the join to everyone else. A duplicate id displaces the previous channel
// silently (last-writer-wins): the old channel closes without a leave notice
// and runtime grants and streams survive.
func (g *Gateway) admit(s *session, pid string) {
	g.mu.Lock()
	var displaced transport.Channel
	p, exists := g.participants[pid]
	if exists {
		displaced = p.ch
		delete(g.sessions, displaced.ID())
		p.ch = s.ch
	} else {
		p = &participant{
			id:     pid,
			ch:     s.ch,
			static: capability.NewSet(),
			grants: make(map[string][]capability.Pattern),
		}
		p.static.AddAll(g.cfg.CapabilitiesFor(pid))
		g.participants[pid] = p
	}
	s.pid = pid
	s.joined = true

	// Welcome is enqueued under the lock so no concurrent broadcast can
	// reach the joiner first.
	if welcome := g.welcomeLocked(p); welcome != nil {
		if err := s.ch.Send(welcome); err != nil {
			g.logger.Warn("Failed to send welcome", "participant", pid, "error", err)
		}
	}
	others := g.otherChannelsLocked(pid)
	caps := p.effective().Patterns()
	g.mu.Unlock()

	if displaced != nil {
		g.logger.Info("Displaced previous channel for participant", "participant", pid)
		_ = displaced.Close()
	}

	if frame := g.presenceFrame("join", map[string]any{"id": pid, "capabilities": caps}); frame != nil {
		g.sendToAll(others, frame)
	}
	g.logger.Info("Participant joined", "participant", pid, "channel_id", s.ch.ID())
}
