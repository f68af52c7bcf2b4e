package gateway

import (
	"errors"
	"fmt"

	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/envelope"
)

// grantEffect stores the granted patterns under (recipient, grant id =
// envelope id) and delivers capability/grant-ack plus an updated
// system/welcome to the recipient before the grant envelope fans out. A grant
// for an unjoined recipient stores nothing but still broadcasts.
func (g *Gateway) grantEffect(_ *session, env *envelope.Envelope) error {
	recipient, _ := env.Payload["recipient"].(string)
	if recipient == "" {
		return errors.New("capability/grant requires payload.recipient")
	}
	patterns, err := capability.DecodePatterns(env.Payload["capabilities"])
	if err != nil {
		return fmt.Errorf("capability/grant: %v", err)
	}

	g.mu.Lock()
	p := g.participants[recipient]
	if p == nil {
		g.mu.Unlock()
		g.logger.Warn("Grant for unjoined recipient", "recipient", recipient, "grant_id", env.ID)
		return nil
	}
	p.grants[env.ID] = patterns
	welcome := g.welcomeLocked(p)
	ch := p.ch
	g.mu.Unlock()

	ack := envelope.New(envelope.GatewayParticipant, envelope.KindCapabilityGrantAck, map[string]any{
		"status":       "accepted",
		"grant_id":     env.ID,
		"capabilities": patterns,
	})
	ack.CorrelationID = envelope.CorrelationID{env.ID}
	ack.To = []string{recipient}

	if frame, err := envelope.Marshal(ack); err != nil {
		g.logger.Error("Failed to marshal grant-ack", "error", err)
	} else if err := ch.Send(frame); err != nil {
		g.logger.Warn("Failed to deliver grant-ack", "recipient", recipient, "error", err)
	}
	if welcome != nil {
		if err := ch.Send(welcome); err != nil {
			g.logger.Warn("Failed to deliver updated welcome", "recipient", recipient, "error", err)
		}
	}

	g.logger.Info("Capability granted",
		"grantor", env.From, "recipient", recipient, "grant_id", env.ID, "patterns", len(patterns))
	return nil
}

// revokeEffect removes a grant by id, or strips individual patterns by
// canonical equality across all of the recipient's grants. Unknown recipients
// and grant ids are a no-op; the revoke envelope fans out regardless.
func (g *Gateway) revokeEffect(_ *session, env *envelope.Envelope) error {
	recipient, _ := env.Payload["recipient"].(string)
	if recipient == "" {
		return errors.New("capability/revoke requires payload.recipient")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.participants[recipient]
	if p == nil {
		return nil
	}

	if grantID, ok := env.Payload["grant_id"].(string); ok && grantID != "" {
		delete(p.grants, grantID)
		g.logger.Info("Grant revoked", "recipient", recipient, "grant_id", grantID)
		return nil
	}

	patterns, err := capability.DecodePatterns(env.Payload["capabilities"])
	if err != nil {
		return fmt.Errorf("capability/revoke: %v", err)
	}
	revoked := make(map[string]struct{}, len(patterns))
	for _, pat := range patterns {
		revoked[pat.Canonical()] = struct{}{}
	}

	for id, stored := range p.grants {
		kept := make([]capability.Pattern, 0, len(stored))
		for _, pat := range stored {
			if _, gone := revoked[pat.Canonical()]; !gone {
				kept = append(kept, pat)
			}
		}
		switch {
		case len(kept) == 0:
			delete(p.grants, id)
		default:
			p.grants[id] = kept
		}
	}
	g.logger.Info("Patterns revoked", "recipient", recipient, "patterns", len(patterns))
	return nil
}
