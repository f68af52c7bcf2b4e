package gateway

import (
	"github.com/mew-protocol/gateway/pkg/envelope"
	"github.com/mew-protocol/gateway/pkg/transport"
)

// Error identifiers surfaced to participants in system/error payloads.
const (
	codeValidation = "VALIDATION_ERROR"
	codeProcessing = "PROCESSING_ERROR"

	errCapabilityViolation = "capability_violation"
	errInvalidRequest      = "invalid_request"
)

// sendSystemError delivers a system/error envelope on one channel. Errors are
// never broadcast: only the offender sees them.
func (g *Gateway) sendSystemError(ch transport.Channel, payload map[string]any, correlationID, to []string) {
	env := envelope.New(envelope.GatewayParticipant, envelope.KindSystemError, payload)
	env.CorrelationID = envelope.CorrelationID(correlationID)
	env.To = to

	frame, err := envelope.Marshal(env)
	if err != nil {
		g.logger.Error("Failed to marshal error envelope", "error", err)
		return
	}
	if err := ch.Send(frame); err != nil {
		g.logger.Warn("Failed to deliver error envelope", "channel_id", ch.ID(), "error", err)
	}
}

// sendValidationError reports a malformed envelope back to its sender.
func (g *Gateway) sendValidationError(s *session, envID, message string) {
	payload := map[string]any{
		"code":    codeValidation,
		"message": message,
	}
	var correlationID []string
	if envID != "" {
		correlationID = []string{envID}
	}
	g.sendSystemError(s.ch, payload, correlationID, []string{s.pid})
}

// sendInvalidRequest reports a semantic failure for a gateway-interpreted
// kind back to its sender.
func (g *Gateway) sendInvalidRequest(s *session, envID, message string) {
	g.sendSystemError(s.ch, map[string]any{
		"error":   errInvalidRequest,
		"message": message,
	}, []string{envID}, []string{s.pid})
}
