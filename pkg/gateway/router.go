package gateway

import (
	"fmt"

	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/envelope"
)

// route runs the validate, authorize, side-effect, fan-out pipeline for one
// envelope from a joined channel.
func (g *Gateway) route(s *session, frame []byte) {
	env, err := envelope.Unmarshal(frame)
	if err != nil {
		g.sendValidationError(s, "", err.Error())
		return
	}

	if env.Protocol != "" && env.Protocol != envelope.Protocol {
		g.sendValidationError(s, env.ID, fmt.Sprintf("unsupported protocol version %q", env.Protocol))
		return
	}
	if env.Kind == "" {
		g.sendValidationError(s, env.ID, "missing kind")
		return
	}
	if msg := missingRequiredField(env); msg != "" {
		g.sendValidationError(s, env.ID, msg)
		return
	}

	// A repeated join on a joined channel is ignored.
	if env.Kind == envelope.KindSystemJoin {
		return
	}

	env.Stamp(s.pid)

	// system/heartbeat is exempt from authorization but still fans out.
	if env.Kind != envelope.KindSystemHeartbeat && !g.authorize(s, env) {
		return
	}

	if effect, ok := g.effects[env.Kind]; ok {
		if err := effect(s, env); err != nil {
			g.sendInvalidRequest(s, env.ID, err.Error())
			return
		}
	}

	out, err := envelope.Marshal(env)
	if err != nil {
		g.logger.Error("Failed to marshal envelope for fan-out", "kind", env.Kind, "error", err)
		return
	}
	g.broadcast(out)
}

// missingRequiredField enforces per-kind payload requirements.
func missingRequiredField(env *envelope.Envelope) string {
	switch env.Kind {
	case "chat":
		if _, ok := env.Payload["text"].(string); !ok {
			return "chat requires payload.text"
		}
	case "mcp/request":
		if _, ok := env.Payload["method"].(string); !ok {
			return "mcp/request requires payload.method"
		}
	}
	return ""
}

// authorize evaluates the sender's effective capabilities against the
// envelope. On violation the sender gets a system/error and nothing is
// broadcast.
func (g *Gateway) authorize(s *session, env *envelope.Envelope) bool {
	g.mu.RLock()
	p := g.participants[s.pid]
	var eff *capability.Set
	if p != nil {
		eff = p.effective()
	}
	g.mu.RUnlock()

	if p == nil {
		// Raced with disconnect; nothing to answer to.
		return false
	}
	if eff.Matches(env.Kind, env.Payload) {
		return true
	}

	g.logger.Warn("Capability violation", "participant", s.pid, "kind", env.Kind)
	g.sendSystemError(s.ch, map[string]any{
		"error":             errCapabilityViolation,
		"attempted_kind":    env.Kind,
		"your_capabilities": eff.Patterns(),
	}, []string{env.ID}, []string{s.pid})
	return false
}

// registerEffect merges payload.capabilities into the sender's static set and
// tells the others via a presence update. The register envelope itself then
// fans out normally.
func (g *Gateway) registerEffect(s *session, env *envelope.Envelope) error {
	patterns, err := capability.DecodePatterns(env.Payload["capabilities"])
	if err != nil {
		return fmt.Errorf("system/register: %v", err)
	}

	g.mu.Lock()
	p := g.participants[s.pid]
	if p == nil {
		g.mu.Unlock()
		return nil
	}
	p.static.AddAll(patterns)
	caps := p.effective().Patterns()
	others := g.otherChannelsLocked(s.pid)
	g.mu.Unlock()

	if frame := g.presenceFrame("update", map[string]any{"id": s.pid, "capabilities": caps}); frame != nil {
		g.sendToAll(others, frame)
	}
	g.logger.Info("Capabilities registered", "participant", s.pid, "count", len(patterns))
	return nil
}
